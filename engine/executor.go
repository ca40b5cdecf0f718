package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"

	"github.com/samihult/xjog/chart"
	"github.com/samihult/xjog/store"
)

// chartExecutor serializes all work on one chart. Every mutation of the
// chart's state runs under its timed mutex; a mutex timeout means the
// chart is wedged and takes the whole engine down.
type chartExecutor struct {
	eng       *Engine
	ref       chart.Reference
	parentRef *chart.Reference
	evaluator chart.Evaluator

	mutex *timedMutex

	// Guarded by mutex.
	state       chart.State
	autoForward []string
	stopped     bool

	// rehydrating marks a cache-miss reload within a live instance:
	// re-entry Start actions must not respawn activities that are still
	// running under the activity manager.
	rehydrating bool
}

// followup is an event to deliver after the mutex is released; routing
// while holding the mutex would self-deadlock on same-chart targets.
type followup struct {
	to    string
	event chart.Event
}

func newChartExecutor(
	eng *Engine,
	ref chart.Reference,
	parentRef *chart.Reference,
	evaluator chart.Evaluator,
	state chart.State,
) *chartExecutor {
	return &chartExecutor{
		eng:       eng,
		ref:       ref,
		parentRef: parentRef,
		evaluator: evaluator,
		mutex:     newTimedMutex(ref.String(), eng.cfg.ChartMutexTimeout),
		state:     state,
	}
}

// boot runs the pending actions of the executor's current state. Used
// right after creation and after rehydration, where the restored state
// carries the re-entry actions (activity starts, delayed sends).
func (x *chartExecutor) boot(ctx context.Context) error {
	if err := x.mutex.lock(ctx); err != nil {
		return x.lockFailed(err)
	}
	var followups, err = x.runActions(ctx, x.state.Actions(), nil)
	x.mutex.unlock()
	if err != nil {
		return err
	}
	x.deliverFollowups(ctx, followups)
	return nil
}

// Send runs one event through the chart: transition, hooks, persist,
// broadcast, actions. A nil contextPatch leaves the context alone;
// otherwise it is merge-patched into the context before the transition.
func (x *chartExecutor) Send(ctx context.Context, ev chart.Event, contextPatch json.RawMessage) error {
	if err := x.mutex.lock(ctx); err != nil {
		return x.lockFailed(err)
	}

	var followups, forwards, err = x.step(ctx, ev, contextPatch)
	x.mutex.unlock()
	if err != nil {
		return err
	}

	x.eng.activities.forwardAll(x.ref, forwards, ev)
	x.deliverFollowups(ctx, followups)
	return nil
}

// step is the locked portion of Send. Besides the followup events it
// returns the auto-forward targets current at the time of the step.
func (x *chartExecutor) step(
	ctx context.Context, ev chart.Event, contextPatch json.RawMessage,
) ([]followup, []string, error) {
	if x.stopped {
		log.WithFields(log.Fields{
			"chart": x.ref,
			"event": ev.Type,
		}).Debug("event to stopped chart dropped")
		return nil, nil, nil
	}

	var forwards = append([]string(nil), x.autoForward...)

	var prev = x.state
	if contextPatch != nil {
		var patched, err = jsonpatch.MergePatch(prev.Context(), contextPatch)
		if err != nil {
			return nil, nil, fmt.Errorf("patching context of %s: %w", x.ref, err)
		}
		prev = prev.WithContext(patched)
	}

	var next, err = x.evaluator.Transition(prev, ev)
	if err != nil {
		// A raising transition leaves the chart where it was.
		transitionFailuresTotal.WithLabelValues(x.ref.MachineID).Inc()
		log.WithFields(log.Fields{
			"chart": x.ref,
			"event": ev.Type,
			"error": err,
		}).Warn("transition failed, chart state unchanged")
		return nil, forwards, nil
	}
	if next == nil {
		// Inert event.
		return nil, forwards, nil
	}
	if contextPatch == nil && len(next.Actions()) == 0 && !next.Done() &&
		bytes.Equal(next.Value(), x.state.Value()) &&
		bytes.Equal(next.Context(), x.state.Context()) {
		// Unmatched or guarded-out: nothing changed, nothing to do.
		return nil, forwards, nil
	}

	var change = chart.StateChange{
		Type:      chart.ChangeUpdate,
		Ref:       x.ref,
		ParentRef: x.parentRef,
		Event:     &ev,
		Old:       &chart.ChangeSnapshot{Value: x.state.Value(), Context: x.state.Context()},
		New:       &chart.ChangeSnapshot{Value: next.Value(), Context: next.Context()},
	}
	if err = x.eng.runHooks(ctx, change); err != nil {
		// The in-memory state stays at prev; nothing was persisted.
		return nil, nil, fmt.Errorf("update hook for %s: %w", x.ref, err)
	}

	var snapshot []byte
	if snapshot, err = next.Snapshot(); err != nil {
		return nil, nil, fmt.Errorf("snapshotting %s: %w", x.ref, err)
	}
	if err = x.eng.st.UpdateChartState(ctx, x.ref, snapshot); err != nil {
		return nil, nil, err
	}

	x.state = next
	transitionsTotal.WithLabelValues(x.ref.MachineID).Inc()
	x.eng.changes.publish(change)

	var followups []followup
	if followups, err = x.runActions(ctx, next.Actions(), &ev); err != nil {
		return nil, nil, err
	}

	// An invoked chart keeps its parent in sync; completion is reported
	// separately as done.invoke.
	if x.parentRef != nil && !next.Done() {
		followups = append(followups, followup{
			to:    chart.EventToParent,
			event: chart.UpdateEvent(x.ref.ChartID, next.Value(), next.Context()),
		})
	}

	if next.Done() {
		var finals []followup
		if finals, err = x.finish(ctx); err != nil {
			return nil, nil, err
		}
		followups = append(followups, finals...)
		forwards = nil
	}
	return followups, forwards, nil
}

// finish stops a chart that reached a final state: activities halt,
// pending deferred events are revoked, and the parent learns about the
// completion. Caller holds the mutex.
func (x *chartExecutor) finish(ctx context.Context) ([]followup, error) {
	x.stopped = true
	x.autoForward = nil

	if err := x.eng.activities.stopAllForChart(ctx, x.ref); err != nil {
		return nil, err
	}
	if err := x.eng.deferred.CancelAllForChart(ctx, x.ref); err != nil {
		return nil, err
	}

	if x.parentRef == nil {
		return nil, nil
	}
	return []followup{{
		to:    chart.EventToParent,
		event: chart.DoneInvoke(x.ref.ChartID, x.state.DoneData()),
	}}, nil
}

// destroy tears the chart down entirely: activities, deferred events,
// and the row itself. Journals the deletion through the hooks first so
// the delta trail ends with a tombstone.
func (x *chartExecutor) destroy(ctx context.Context) error {
	if err := x.mutex.lock(ctx); err != nil {
		return x.lockFailed(err)
	}
	defer x.mutex.unlock()

	if err := x.eng.activities.stopAllForChart(ctx, x.ref); err != nil {
		return err
	}

	var change = chart.StateChange{
		Type:      chart.ChangeDelete,
		Ref:       x.ref,
		ParentRef: x.parentRef,
		Old:       &chart.ChangeSnapshot{Value: x.state.Value(), Context: x.state.Context()},
	}
	if err := x.eng.runHooks(ctx, change); err != nil {
		return fmt.Errorf("update hook for %s: %w", x.ref, err)
	}

	// DeleteChart also drops the chart's deferred event rows; the
	// in-memory timers still need clearing.
	if err := x.eng.deferred.CancelAllForChart(ctx, x.ref); err != nil {
		return err
	}
	if err := x.eng.st.DeleteChart(ctx, x.ref); err != nil {
		return err
	}

	x.stopped = true
	x.eng.changes.publish(change)
	return nil
}

// runActions executes one transition's side effects in order. Caller
// holds the mutex. ev is the triggering event, nil during boot.
func (x *chartExecutor) runActions(
	ctx context.Context, actions []chart.Action, ev *chart.Event,
) ([]followup, error) {
	var followups []followup

	for _, action := range actions {
		switch action.Kind {

		case chart.ActionInit:
			// Creation marker, no effect.

		case chart.ActionLog:
			log.WithFields(log.Fields{
				"chart": x.ref,
			}).Info(action.Message)

		case chart.ActionExec:
			var triggering chart.Event
			if ev != nil {
				triggering = *ev
			}
			if err := action.Exec(ctx, x.state.Context(), triggering); err != nil {
				log.WithFields(log.Fields{
					"chart": x.ref,
					"error": err,
				}).Warn("exec action failed")
			}

		case chart.ActionSend:
			if action.Delay > 0 {
				if err := x.deferSend(ctx, action); err != nil {
					return nil, err
				}
			} else {
				followups = append(followups, followup{to: action.To, event: action.Event})
			}

		case chart.ActionCancel:
			var eventID, err = store.EncodeEventID(action.SendID)
			if err != nil {
				return nil, err
			}
			if err = x.eng.deferred.Cancel(ctx, x.ref, eventID); err != nil {
				return nil, err
			}

		case chart.ActionStart:
			if err := x.startActivity(ctx, action); err != nil {
				return nil, err
			}

		case chart.ActionStop:
			x.dropAutoForward(action.ActivityID)
			if err := x.eng.activities.stop(ctx, x.ref, action.ActivityID); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("chart %s: unknown action kind %q", x.ref, action.Kind)
		}
	}
	return followups, nil
}

// deferSend persists a delayed send. The send id doubles as the
// idempotency key: re-sending with the same id first revokes the
// previous occurrence.
func (x *chartExecutor) deferSend(ctx context.Context, action chart.Action) error {
	var eventID, err = store.EncodeEventID(action.SendID)
	if err != nil {
		return err
	}
	if x.rehydrating && action.SendID != "" {
		// A row that survived the handover keeps its original due time;
		// re-arming from now would stretch the delay on every re-entry.
		var kept bool
		if kept, err = x.eng.st.ReclaimDeferredEvents(ctx, x.ref, eventID, x.eng.id); err != nil {
			return err
		}
		if kept {
			return nil
		}
	}
	if action.SendID != "" {
		if err = x.eng.deferred.Cancel(ctx, x.ref, eventID); err != nil {
			return err
		}
	}
	return x.eng.deferred.Defer(ctx, &store.DeferredEventRow{
		Ref:     x.ref,
		EventID: eventID,
		EventTo: x.resolveTarget(action.To),
		Event:   action.Event,
		Delay:   millisDuration(action.Delay),
	})
}

// resolveTarget rewrites the parent pseudo-target to the parent's chart
// URI so a persisted row routes correctly even when delivered by an
// instance that never loaded this chart.
func (x *chartExecutor) resolveTarget(to string) string {
	if to == chart.EventToParent && x.parentRef != nil {
		return x.parentRef.String()
	}
	return to
}

// startActivity spawns and registers an activity and wires its stream
// back into the chart as done.invoke / error.platform events.
func (x *chartExecutor) startActivity(ctx context.Context, action chart.Action) error {
	if action.ChildMachineID != "" {
		return x.startChildChart(ctx, action)
	}
	if x.rehydrating {
		if _, running := x.eng.activities.lookup(x.ref, action.ActivityID); running {
			if action.AutoForward {
				x.autoForward = append(x.autoForward, action.ActivityID)
			}
			return nil
		}
	}

	var act, err = action.Spawn(x.ref)
	if err != nil {
		return fmt.Errorf("spawning activity %q for %s: %w", action.ActivityID, x.ref, err)
	}
	if err = x.eng.activities.register(ctx, x.ref, act); err != nil {
		act.Stop()
		return err
	}

	var ref = x.ref
	var eng = x.eng
	var id = act.ID()
	act.Subscribe(chart.ActivityObserver{
		Next: func(ev chart.Event) {
			eng.deliverToChart(ref, ev)
		},
		Error: func(actErr error) {
			// The run is over; clear the marker before the event lands
			// so the chart does not read as mid-activity.
			eng.activityFinished(ref, id)
			eng.deliverToChart(ref, chart.ErrorEvent(id, actErr))
		},
		Complete: func(doneData json.RawMessage) {
			eng.activityFinished(ref, id)
			eng.deliverToChart(ref, chart.DoneInvoke(id, doneData))
		},
	})

	if action.AutoForward {
		x.autoForward = append(x.autoForward, id)
	}
	return nil
}

// startChildChart invokes another machine as a child chart. The child's
// chart id is the invoke id, so its completion arrives as the matching
// done.invoke event; its transitions arrive as update events through
// the regular parent routing. The proxy recorded with the activity
// manager covers forwarded sends and the stop on state exit.
func (x *chartExecutor) startChildChart(ctx context.Context, action chart.Action) error {
	var childRef = chart.Reference{
		MachineID: action.ChildMachineID,
		ChartID:   action.ActivityID,
	}

	var _, err = x.eng.st.ReadChart(ctx, childRef)
	if store.IsNotFound(err) {
		// First entry. Adoption and cache-miss re-entry find the child
		// already persisted and only rebuild the proxy.
		if childRef, err = x.eng.createChildChart(ctx, childRef, x.ref); err != nil {
			return fmt.Errorf("invoking %s as %q for %s: %w",
				action.ChildMachineID, action.ActivityID, x.ref, err)
		}
	} else if err != nil {
		return err
	}

	x.eng.activities.attach(x.ref, &childChartProxy{
		id:    action.ActivityID,
		eng:   x.eng,
		child: childRef,
	})
	if action.AutoForward {
		x.autoForward = append(x.autoForward, action.ActivityID)
	}
	return nil
}

func (x *chartExecutor) dropAutoForward(id string) {
	for i, fwd := range x.autoForward {
		if fwd == id {
			x.autoForward = append(x.autoForward[:i], x.autoForward[i+1:]...)
			return
		}
	}
}

func (x *chartExecutor) deliverFollowups(ctx context.Context, followups []followup) {
	for _, f := range followups {
		x.eng.deliverFrom(ctx, x.ref, x.parentRef, f.to, f.event)
	}
}

// lockFailed handles a failed mutex acquisition. A timeout is a
// liveness failure: the engine shuts down so another instance can take
// over.
func (x *chartExecutor) lockFailed(err error) error {
	if chart.IsMutexTimeout(err) {
		mutexTimeoutsTotal.Inc()
		log.WithFields(log.Fields{
			"chart": x.ref,
			"error": err,
		}).Error("chart mutex timed out, shutting engine down")
		x.eng.requestShutdown(err)
	}
	return err
}

// currentState reads the state under the mutex.
func (x *chartExecutor) currentState(ctx context.Context) (chart.State, error) {
	if err := x.mutex.lock(ctx); err != nil {
		return nil, x.lockFailed(err)
	}
	defer x.mutex.unlock()
	return x.state, nil
}

func millisDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
