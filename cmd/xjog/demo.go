package main

import (
	"encoding/json"
	"time"

	"github.com/samihult/xjog/chart"
	"github.com/samihult/xjog/machine"
)

// demoMachines are small machines for trying the engine out without
// writing any code: a toggleable switch and a periodic clock.
func demoMachines() []*machine.Machine {
	return []*machine.Machine{demoSwitch(), demoClock()}
}

// demoSwitch toggles between off and on, counting flips.
func demoSwitch() *machine.Machine {
	var countFlip = machine.Assign(
		func(machineCtx json.RawMessage, _ chart.Event) (json.RawMessage, error) {
			var doc struct {
				Flips int `json:"flips"`
			}
			if err := json.Unmarshal(machineCtx, &doc); err != nil {
				return nil, err
			}
			doc.Flips++
			return json.Marshal(doc)
		})

	return &machine.Machine{
		ID:           "demo-switch",
		InitialState: "off",
		Context:      json.RawMessage(`{"flips":0}`),
		States: map[string]machine.State{
			"off": {
				On: map[string]machine.Transition{
					"toggle": {Target: "on", Actions: []machine.Action{countFlip}},
				},
			},
			"on": {
				On: map[string]machine.Transition{
					"toggle": {Target: "off", Actions: []machine.Action{countFlip}},
				},
			},
		},
	}
}

// demoClock ticks once a minute through a durable delayed transition, so
// ticks survive restarts and instance handovers.
func demoClock() *machine.Machine {
	return &machine.Machine{
		ID:           "demo-clock",
		InitialState: "ticking",
		States: map[string]machine.State{
			"ticking": {
				After: []machine.Delayed{{
					Delay: time.Minute,
					Transition: machine.Transition{
						Target:  "ticking",
						Actions: []machine.Action{machine.Log("tick")},
					},
				}},
			},
		},
	}
}
