package machine

import (
	"encoding/json"

	"github.com/samihult/xjog/chart"
)

// machineState implements chart.State for one Machine.
type machineState struct {
	m        *Machine
	value    string
	context  json.RawMessage
	actions  []chart.Action
	done     bool
	doneData json.RawMessage
}

func (s *machineState) Value() json.RawMessage {
	var v, _ = json.Marshal(s.value)
	return v
}

func (s *machineState) Context() json.RawMessage {
	if len(s.context) == 0 {
		return json.RawMessage("{}")
	}
	return s.context
}

func (s *machineState) Actions() []chart.Action { return s.actions }

func (s *machineState) ActivityActive(id string) bool {
	var node, ok = s.m.States[s.value]
	if !ok || node.Invoke == nil {
		return false
	}
	return node.Invoke.activityID() == id
}

func (s *machineState) Done() bool                { return s.done }
func (s *machineState) DoneData() json.RawMessage { return s.doneData }

func (s *machineState) WithContext(ctx json.RawMessage) chart.State {
	var next = *s
	next.context = ctx
	next.actions = nil
	return &next
}

func (s *machineState) Snapshot() ([]byte, error) {
	return json.Marshal(snapshot{Value: s.value, Context: s.Context()})
}

func (i *Invoke) activityID() string {
	if i.ID != "" {
		return i.ID
	}
	if i.Machine != "" {
		return i.Machine
	}
	return i.Src
}

// appendEntry adds the state's entry actions and arms its delayed
// transitions and invoked service.
func (s *machineState) appendEntry(node State, state string, ev chart.Event) error {
	if err := s.appendActions(node.Entry, ev); err != nil {
		return err
	}
	for _, d := range node.After {
		var typ = afterEventType(state, d.Delay)
		s.actions = append(s.actions, chart.Action{
			Kind:   chart.ActionSend,
			Event:  chart.Event{Type: typ},
			Delay:  d.Delay.Milliseconds(),
			SendID: typ,
		})
	}
	if inv := node.Invoke; inv != nil {
		if inv.Machine != "" {
			s.actions = append(s.actions, chart.Action{
				Kind:           chart.ActionStart,
				ActivityID:     inv.activityID(),
				AutoForward:    inv.AutoForward,
				ChildMachineID: inv.Machine,
			})
			return nil
		}
		var creator, ok = s.m.Services[inv.Src]
		if !ok {
			return &UnknownServiceError{Machine: s.m.ID, Src: inv.Src}
		}
		var machineCtx = s.Context()
		s.actions = append(s.actions, chart.Action{
			Kind:        chart.ActionStart,
			ActivityID:  inv.activityID(),
			AutoForward: inv.AutoForward,
			Spawn: func(owner chart.Reference) (chart.Activity, error) {
				return creator(owner, machineCtx), nil
			},
		})
	}
	return nil
}

// finishEnter resolves the final flag after entry actions (assigns) have
// settled the context.
func (s *machineState) finishEnter(node State) {
	s.done = node.Final
	if node.Final {
		s.doneData = node.DoneData
	} else {
		s.doneData = nil
	}
}

// appendExit adds the state's exit actions, cancels its delayed
// transitions and stops its invoked service.
func (s *machineState) appendExit(node State, state string) {
	for _, d := range node.After {
		var typ = afterEventType(state, d.Delay)
		s.actions = append(s.actions, chart.Action{
			Kind:   chart.ActionCancel,
			SendID: typ,
		})
	}
	if inv := node.Invoke; inv != nil {
		s.actions = append(s.actions, chart.Action{
			Kind:       chart.ActionStop,
			ActivityID: inv.activityID(),
		})
	}
	// Exit action failures cannot abort a transition; they are appended
	// after the cleanup so cancellations always land.
	var exitEvent = chart.Event{Type: "xjog.exit." + state}
	_ = s.appendActions(node.Exit, exitEvent)
}

// UnknownServiceError reports an Invoke.Src with no registered service.
type UnknownServiceError struct {
	Machine string
	Src     string
}

func (e *UnknownServiceError) Error() string {
	return "machine " + e.Machine + " invokes unknown service " + e.Src
}
