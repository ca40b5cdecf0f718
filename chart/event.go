package chart

import (
	"encoding/json"
	"fmt"
)

// Event is a named, JSON-serializable value consumed by the evaluator.
// The engine treats the payload as opaque; only Type is inspected for
// routing and logging.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent returns an Event of the given type carrying data, which must be
// JSON-encodable.
func NewEvent(typ string, data interface{}) (Event, error) {
	if data == nil {
		return Event{Type: typ}, nil
	}
	var raw, err = json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encoding event %q data: %w", typ, err)
	}
	return Event{Type: typ, Data: raw}, nil
}

// MustEvent is NewEvent which panics on encoding failure. For fixtures
// and literal payloads.
func MustEvent(typ string, data interface{}) Event {
	var ev, err = NewEvent(typ, data)
	if err != nil {
		panic(err)
	}
	return ev
}

// DoneInvokeType is the event type a completed child (activity or nested
// chart) delivers to its parent.
func DoneInvokeType(id string) string { return "done.invoke." + id }

// ErrorPlatformType is the event type a failed activity delivers to its
// owner chart.
func ErrorPlatformType(id string) string { return "error.platform." + id }

// DoneInvoke builds the completion event of an invoked child.
func DoneInvoke(id string, doneData json.RawMessage) Event {
	return Event{Type: DoneInvokeType(id), Data: doneData}
}

// ErrorEvent builds the failure event of an invoked child.
func ErrorEvent(id string, err error) Event {
	var data, _ = json.Marshal(err.Error())
	return Event{Type: ErrorPlatformType(id), Data: data}
}

// UpdateType is the event type a synced nested chart delivers to its
// parent on every transition.
const UpdateType = "xjog.update"

// Update is the payload of an UpdateType event.
type Update struct {
	ID      string          `json:"id"`
	Value   json.RawMessage `json:"value"`
	Context json.RawMessage `json:"context"`
}

// UpdateEvent builds the sync event an invoked chart sends its parent
// after one of its transitions.
func UpdateEvent(id string, value, context json.RawMessage) Event {
	var data, _ = json.Marshal(Update{ID: id, Value: value, Context: context})
	return Event{Type: UpdateType, Data: data}
}

// EventToParent is the reserved routing target resolving to the chart's
// parent reference.
const EventToParent = "#_parent"
