// Package machine is a compact statechart evaluator: flat states with
// event and delayed transitions, context assignment, invoked services and
// final states. It produces opaque snapshots the engine persists and
// restores; the engine never inspects them beyond JSON deltas.
package machine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samihult/xjog/chart"
)

// Machine is one static definition. It implements chart.Evaluator.
type Machine struct {
	// ID is the machine id of every chart run from this definition.
	ID string
	// InitialState names the initial state.
	InitialState string
	// Context is the initial extended context; nil reads as {}.
	Context json.RawMessage
	// States maps state name to its node.
	States map[string]State
	// Services backs Invoke.Src lookups.
	Services map[string]ServiceCreator
}

// State is one state node.
type State struct {
	// On maps event type to its transition.
	On map[string]Transition
	// After holds delayed transitions, armed on entry and cancelled on
	// exit.
	After []Delayed
	// Entry and Exit actions run when the state is entered or left.
	Entry []Action
	Exit  []Action
	// Invoke starts a service on entry and stops it on exit.
	Invoke *Invoke
	// Final marks a terminal state; DoneData is its completion payload.
	Final    bool
	DoneData json.RawMessage
}

// Transition is one edge. An empty Target is an internal transition:
// actions run, the state stays.
type Transition struct {
	Target  string
	Actions []Action
	// Cond guards the transition; nil always passes.
	Cond func(machineCtx json.RawMessage, ev chart.Event) bool
}

// Delayed is a transition taken after a delay of uninterrupted presence
// in the state.
type Delayed struct {
	Delay time.Duration
	Transition
}

// Invoke describes a service or nested chart bound to a state.
type Invoke struct {
	// ID identifies the running activity; defaults to Src or Machine.
	// For a nested chart it also becomes the child's chart id, so the
	// completion event is done.invoke.<ID>.
	ID string
	// Src is the key into Machine.Services. Mutually exclusive with
	// Machine.
	Src string
	// Machine invokes another registered machine as a child chart.
	Machine string
	// AutoForward relays every event the chart receives to the service
	// or child chart.
	AutoForward bool
}

// ServiceCreator builds the activity behind an Invoke.
type ServiceCreator func(owner chart.Reference, machineCtx json.RawMessage) chart.Activity

func (m *Machine) MachineID() string { return m.ID }

func (m *Machine) node(name string) (State, error) {
	var node, ok = m.States[name]
	if !ok {
		return State{}, fmt.Errorf("machine %q has no state %q", m.ID, name)
	}
	return node, nil
}

func (m *Machine) initialContext() json.RawMessage {
	if len(m.Context) == 0 {
		return json.RawMessage("{}")
	}
	return m.Context
}

// Initial returns the initial state with its init marker and entry
// actions pending.
func (m *Machine) Initial() (chart.State, error) {
	var node, err = m.node(m.InitialState)
	if err != nil {
		return nil, err
	}

	var st = &machineState{m: m, value: m.InitialState, context: m.initialContext()}
	st.actions = append(st.actions, chart.Action{Kind: chart.ActionInit})

	var initEvent = chart.Event{Type: "xjog.init"}
	if err = st.appendEntry(node, m.InitialState, initEvent); err != nil {
		return nil, err
	}
	st.finishEnter(node)
	return st, nil
}

// Transition computes the next state for ev. Unmatched events leave the
// state and context untouched, with no actions.
func (m *Machine) Transition(prev chart.State, ev chart.Event) (chart.State, error) {
	var ps, ok = prev.(*machineState)
	if !ok || ps.m != m {
		return nil, fmt.Errorf("machine %q: transition of foreign state", m.ID)
	}
	var node, err = m.node(ps.value)
	if err != nil {
		return nil, err
	}

	var tr, found = m.selectTransition(node, ps.value, ps.context, ev)
	if !found {
		return &machineState{m: m, value: ps.value, context: ps.context, done: ps.done, doneData: ps.doneData}, nil
	}

	var next = &machineState{m: m, value: ps.value, context: ps.context}

	var target = tr.Target
	var external = target != "" && target != ps.value
	var targetNode = node
	if target != "" {
		if targetNode, err = m.node(target); err != nil {
			return nil, err
		}
	}

	// Exit old, run transition actions, enter new. Self-transitions with
	// an explicit target re-enter the state.
	var reenter = target == ps.value
	if external || reenter {
		next.appendExit(node, ps.value)
	}
	if err = next.appendActions(tr.Actions, ev); err != nil {
		return nil, err
	}
	if external || reenter {
		next.value = target
		if err = next.appendEntry(targetNode, target, ev); err != nil {
			return nil, err
		}
		next.finishEnter(targetNode)
	}
	return next, nil
}

// selectTransition resolves ev against the node's transitions, including
// the synthetic delayed-transition events.
func (m *Machine) selectTransition(
	node State, state string, machineCtx json.RawMessage, ev chart.Event,
) (Transition, bool) {
	if tr, ok := node.On[ev.Type]; ok {
		if tr.Cond == nil || tr.Cond(machineCtx, ev) {
			return tr, true
		}
		return Transition{}, false
	}
	for _, d := range node.After {
		if ev.Type == afterEventType(state, d.Delay) {
			if d.Cond == nil || d.Cond(machineCtx, ev) {
				return d.Transition, true
			}
			return Transition{}, false
		}
	}
	return Transition{}, false
}

// snapshot is the persisted form of a machineState.
type snapshot struct {
	Value   string          `json:"value"`
	Context json.RawMessage `json:"context"`
}

// Restore rehydrates a snapshot. The returned state's actions re-arm
// delayed transitions and re-register invoked services, and re-run entry
// actions, but carry no init marker: init-only effects do not repeat
// after adoption.
func (m *Machine) Restore(raw []byte) (chart.State, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("machine %q: decoding snapshot: %w", m.ID, err)
	}
	var node, err = m.node(snap.Value)
	if err != nil {
		return nil, err
	}

	var st = &machineState{m: m, value: snap.Value, context: snap.Context}
	var restoreEvent = chart.Event{Type: "xjog.restore"}
	if err = st.appendEntry(node, snap.Value, restoreEvent); err != nil {
		return nil, err
	}
	st.finishEnter(node)
	return st, nil
}

func afterEventType(state string, d time.Duration) string {
	return fmt.Sprintf("xjog.after.%d.%s", d.Milliseconds(), state)
}
