package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samihult/xjog/chart"
)

// Action is one machine-level action definition. Assign actions are
// applied to the context while the transition is computed; every other
// kind is handed to the engine for execution after persistence.
type Action struct {
	assign func(machineCtx json.RawMessage, ev chart.Event) (json.RawMessage, error)
	send   *sendDef
	cancel string
	logMsg string
	exec   func(ctx context.Context, machineCtx json.RawMessage, ev chart.Event) error
}

type sendDef struct {
	event  chart.Event
	delay  time.Duration
	to     string
	sendID string
}

// Assign replaces the context with the function's result.
func Assign(fn func(machineCtx json.RawMessage, ev chart.Event) (json.RawMessage, error)) Action {
	return Action{assign: fn}
}

// AssignFields shallow-merges the given fields into the context object.
func AssignFields(fields map[string]interface{}) Action {
	return Action{assign: func(machineCtx json.RawMessage, _ chart.Event) (json.RawMessage, error) {
		var doc map[string]json.RawMessage
		if len(machineCtx) == 0 || string(machineCtx) == "null" {
			doc = make(map[string]json.RawMessage)
		} else if err := json.Unmarshal(machineCtx, &doc); err != nil {
			return nil, fmt.Errorf("assigning into non-object context: %w", err)
		}
		for k, v := range fields {
			var raw, err = json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encoding assigned field %q: %w", k, err)
			}
			doc[k] = raw
		}
		return json.Marshal(doc)
	}}
}

// SendOption customizes a Send action.
type SendOption func(*sendDef)

// After delays the send.
func After(d time.Duration) SendOption { return func(s *sendDef) { s.delay = d } }

// To routes the send to a chart URI, an activity id, or
// chart.EventToParent.
func To(target string) SendOption { return func(s *sendDef) { s.to = target } }

// WithID tags the send for later cancellation.
func WithID(id string) SendOption { return func(s *sendDef) { s.sendID = id } }

// Send enqueues an event, by default to the chart itself with no delay.
func Send(ev chart.Event, opts ...SendOption) Action {
	var def = sendDef{event: ev}
	for _, o := range opts {
		o(&def)
	}
	return Action{send: &def}
}

// Cancel revokes a previously sent, still-pending event by its id.
func Cancel(sendID string) Action { return Action{cancel: sendID} }

// Log emits a log line when the action executes.
func Log(message string) Action { return Action{logMsg: message} }

// Exec runs an arbitrary synchronous side effect. Failures are logged
// and swallowed by the engine.
func Exec(fn func(ctx context.Context, machineCtx json.RawMessage, ev chart.Event) error) Action {
	return Action{exec: fn}
}

// appendActions applies assigns to the working context and converts the
// rest to engine actions, preserving order.
func (s *machineState) appendActions(defs []Action, ev chart.Event) error {
	for _, def := range defs {
		switch {
		case def.assign != nil:
			var next, err = def.assign(s.Context(), ev)
			if err != nil {
				return fmt.Errorf("machine %q state %q: %w", s.m.ID, s.value, err)
			}
			s.context = next
		case def.send != nil:
			s.actions = append(s.actions, chart.Action{
				Kind:   chart.ActionSend,
				Event:  def.send.event,
				Delay:  def.send.delay.Milliseconds(),
				To:     def.send.to,
				SendID: def.send.sendID,
			})
		case def.cancel != "":
			s.actions = append(s.actions, chart.Action{
				Kind:   chart.ActionCancel,
				SendID: def.cancel,
			})
		case def.logMsg != "":
			s.actions = append(s.actions, chart.Action{
				Kind:    chart.ActionLog,
				Message: def.logMsg,
			})
		case def.exec != nil:
			s.actions = append(s.actions, chart.Action{
				Kind: chart.ActionExec,
				Exec: def.exec,
			})
		}
	}
	return nil
}
