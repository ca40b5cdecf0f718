package chart

import (
	"context"
	"encoding/json"
)

// State is one evaluator-produced snapshot of a chart: the composed state
// value, the extended context, and the actions pending execution for the
// transition that produced it. The engine persists Snapshot() as an opaque
// blob and never interprets Value or Context beyond JSON-patching deltas.
type State interface {
	// Value is the current state value, e.g. a JSON string for flat
	// machines or an object for compound ones.
	Value() json.RawMessage
	// Context is the extended context.
	Context() json.RawMessage
	// Actions are the side effects of the transition that produced this
	// state, in execution order. Rehydrated states carry re-entry actions
	// (activity restarts) but not init-only effects.
	Actions() []Action
	// ActivityActive reports whether the identified activity belongs to
	// the current state configuration.
	ActivityActive(id string) bool
	// Done reports whether a final state was reached.
	Done() bool
	// DoneData is the final state's done payload; nil unless Done.
	DoneData() json.RawMessage
	// WithContext returns a copy of this state with a replaced context.
	WithContext(ctx json.RawMessage) State
	// Snapshot serializes everything needed to resume this chart later,
	// possibly in another process.
	Snapshot() ([]byte, error)
}

// Evaluator is the pure transition function of one machine definition.
// Implementations must not retain or mutate passed states.
type Evaluator interface {
	// MachineID names the definition.
	MachineID() string
	// Initial returns the machine's initial state, with its entry actions
	// pending.
	Initial() (State, error)
	// Transition computes the next state for an event. It is pure: all
	// side effects are described by the returned state's Actions.
	Transition(prev State, ev Event) (State, error)
	// Restore rehydrates a state from a Snapshot blob. The returned
	// state's Actions re-establish long-running effects (invoked
	// activities, delayed transitions) without repeating init-only ones.
	Restore(snapshot []byte) (State, error)
}

// ActionKind discriminates Action.
type ActionKind string

const (
	ActionExec   ActionKind = "exec"
	ActionSend   ActionKind = "send"
	ActionCancel ActionKind = "cancel"
	ActionStart  ActionKind = "start"
	ActionStop   ActionKind = "stop"
	ActionLog    ActionKind = "log"
	ActionInit   ActionKind = "init"
)

// Action is one side effect requested by a transition. Exactly the fields
// relevant to Kind are set.
type Action struct {
	Kind ActionKind

	// Send: the event, its delay, an optional routing target (chart URI,
	// activity id, or EventToParent; empty targets the owning chart), and
	// an optional id for later cancellation.
	Event  Event
	Delay  int64 // milliseconds
	To     string
	SendID string

	// Start / Stop: the activity id; Start additionally carries the
	// spawn function and the auto-forward flag. A non-empty
	// ChildMachineID starts a nested chart of that machine instead of a
	// spawned service; the activity id doubles as the child's chart id.
	ActivityID     string
	Spawn          func(owner Reference) (Activity, error)
	AutoForward    bool
	ChildMachineID string

	// Log.
	Message string

	// Exec: an arbitrary synchronous effect. Failures are logged as
	// warnings and swallowed.
	Exec func(ctx context.Context, machineContext json.RawMessage, ev Event) error
}

// ActivityObserver receives the event stream of a running activity.
// Callbacks are invoked sequentially; after Error or Complete no further
// callbacks occur.
type ActivityObserver struct {
	Next     func(ev Event)
	Error    func(err error)
	Complete func(doneData json.RawMessage)
}

// Activity is a running side effect bound to a chart: a promise-like
// service, a callback service, an observable, or a nested chart. It may
// outlive its chart's executor (cache eviction) but never the owning
// engine instance.
type Activity interface {
	// ID is the activity id, unique within the owning chart.
	ID() string
	// Send delivers an event to the activity. Activities that do not
	// receive ignore it.
	Send(ev Event)
	// Subscribe installs an observer and returns its detach function.
	Subscribe(obs ActivityObserver) (unsubscribe func())
	// Stop cancels the activity. Idempotent.
	Stop()
}

// ChangeType discriminates StateChange.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeSnapshot is the value+context pair carried on either side of a
// StateChange.
type ChangeSnapshot struct {
	Value   json.RawMessage `json:"value"`
	Context json.RawMessage `json:"context"`
}

// StateChange describes one transition of one chart, broadcast to
// engine-wide observers and fed to update hooks.
type StateChange struct {
	Type      ChangeType      `json:"type"`
	Ref       Reference       `json:"ref"`
	ParentRef *Reference      `json:"parentRef,omitempty"`
	Event     *Event          `json:"event,omitempty"`
	Old       *ChangeSnapshot `json:"old,omitempty"`
	New       *ChangeSnapshot `json:"new,omitempty"`
}
