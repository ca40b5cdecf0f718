package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/samihult/xjog/chart"
	"github.com/samihult/xjog/journal"
	"github.com/samihult/xjog/store"
)

// Phase is the lifecycle phase of an engine instance.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseAdopting Phase = "adopting"
	PhaseReady    Phase = "ready"
	PhaseDying    Phase = "dying"
	PhaseHalted   Phase = "halted"
)

// UpdateHook observes every chart state change before it is persisted.
// A hook error vetoes the transition: the chart stays in its previous
// state and the caller of Send receives the error.
type UpdateHook func(ctx context.Context, change chart.StateChange) error

// Engine is one instance of the statechart engine. Exactly one live
// instance works a given store at a time: Start overthrows whoever was
// there before, and an overthrown instance drains itself when it finds
// its death note.
type Engine struct {
	id  string
	cfg Config
	st  *store.Store
	jnl *journal.Store

	deferred   *deferredEventManager
	activities *activityManager
	registry   *machineRegistry
	changes    *broadcast

	hooks []UpdateHook

	mu          sync.Mutex
	phase       Phase
	runCtx      context.Context
	cancelRun   context.CancelFunc
	ready       chan struct{}
	halted      chan struct{}
	shutdownErr error
}

// New builds an engine over the store. Every transition is recorded in
// the delta journal; additional hooks run before that record and may
// veto.
func New(st *store.Store, cfg Config) *Engine {
	cfg.Validate()

	var e = &Engine{
		id:         uuid.NewString(),
		cfg:        cfg,
		st:         st,
		jnl:        journal.New(st),
		activities: newActivityManager(st),
		changes:    newBroadcast(),
		phase:      PhaseIdle,
		ready:      make(chan struct{}),
		halted:     make(chan struct{}),
	}
	e.registry = newMachineRegistry(e)
	e.deferred = newDeferredEventManager(cfg, e.id, st)
	e.deferred.deliver = e.deliverDeferred
	return e
}

// ID is the unique id of this instance.
func (e *Engine) ID() string { return e.id }

// Journal exposes the delta journal for queries and streams.
func (e *Engine) Journal() *journal.Store { return e.jnl }

// Store exposes the underlying store for queries and digests.
func (e *Engine) Store() *store.Store { return e.st }

// Phase reads the current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Ready is closed once adoption has finished and the engine is fully
// serving.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Halted is closed once shutdown has drained completely.
func (e *Engine) Halted() <-chan struct{} { return e.halted }

// RegisterMachine adds a machine definition. All machines must be
// registered before Start; adoption needs the complete set.
func (e *Engine) RegisterMachine(evaluator chart.Evaluator) error {
	return e.registry.register(evaluator)
}

// InstallUpdateHook appends a state change hook. Only allowed before
// Start.
func (e *Engine) InstallUpdateHook(hook UpdateHook) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseIdle {
		return chart.ErrRegistrationClosed
	}
	e.hooks = append(e.hooks, hook)
	return nil
}

// recordJournal writes one change to the delta journal.
func (e *Engine) recordJournal(ctx context.Context, change chart.StateChange) error {
	var oldValue, oldContext, newValue, newContext json.RawMessage
	if change.Old != nil {
		oldValue, oldContext = change.Old.Value, change.Old.Context
	}
	if change.New != nil {
		newValue, newContext = change.New.Value, change.New.Context
	}
	var _, err = e.jnl.Record(ctx, e.id, change.Ref, change.ParentRef,
		change.Event, oldValue, oldContext, newValue, newContext)
	if err != nil {
		return err
	}
	journalRecordsTotal.Inc()
	return nil
}

// runHooks feeds the change to the installed hooks and then to the
// journal, in that order: a vetoing hook leaves no journal trail.
func (e *Engine) runHooks(ctx context.Context, change chart.StateChange) error {
	for _, hook := range e.hooks {
		if err := hook(ctx, change); err != nil {
			return err
		}
	}
	return e.recordJournal(ctx, change)
}

// Start registers this instance, overthrowing any predecessor, and
// begins adopting the charts the predecessor left behind. It returns
// once the instance is registered; adoption proceeds in the background
// and Ready() closes when it completes.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (phase %s)", e.phase)
	}
	e.phase = PhaseStarting
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.registry.seal()

	if err := e.st.OverthrowOtherInstances(ctx, e.id); err != nil {
		return fmt.Errorf("registering instance: %w", err)
	}

	log.WithFields(log.Fields{
		"instance": e.id,
	}).Info("instance registered, adopting charts")

	e.st.OnDeathNote(e.runCtx, e.id, func() {
		log.WithField("instance", e.id).Info("death note received, draining")
		e.requestShutdown(nil)
	})
	e.deferred.start(e.runCtx)

	e.setPhase(PhaseAdopting)
	go e.adoptCharts(e.runCtx)
	return nil
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// dying and halted are terminal; a late adoption pass must not
	// resurrect the phase.
	if e.phase == PhaseDying || e.phase == PhaseHalted {
		return
	}
	e.phase = p
	if p == PhaseReady {
		select {
		case <-e.ready:
		default:
			close(e.ready)
		}
	}
}

// requestShutdown triggers an asynchronous drain, keeping the first
// cause.
func (e *Engine) requestShutdown(cause error) {
	e.mu.Lock()
	if e.shutdownErr == nil {
		e.shutdownErr = cause
	}
	var alreadyDying = e.phase == PhaseDying || e.phase == PhaseHalted
	e.mu.Unlock()
	if alreadyDying {
		return
	}
	go func() {
		if err := e.Shutdown(context.Background()); err != nil {
			log.WithField("error", err).Warn("background shutdown incomplete")
		}
	}()
}

// Shutdown drains the instance: executors settle, deferred locks are
// released, activities halt (their persistent markers remain, so a
// successor knows this instance left unfinished work), own charts are
// paused for adoption, and if another instance is alive the call waits
// until it has taken every chart. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.phase == PhaseHalted {
		e.mu.Unlock()
		return nil
	}
	if e.phase == PhaseDying {
		e.mu.Unlock()
		select {
		case <-e.halted:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.phase == PhaseIdle {
		e.phase = PhaseHalted
		close(e.halted)
		e.mu.Unlock()
		return nil
	}
	e.phase = PhaseDying
	var cancel = e.cancelRun
	e.mu.Unlock()

	log.WithField("instance", e.id).Info("shutting down")
	cancel()

	e.registry.purge()
	if err := e.deferred.releaseAll(ctx); err != nil {
		log.WithField("error", err).Warn("releasing deferred event locks failed")
	}
	e.activities.stopAll()

	if err := e.st.PauseOwnCharts(ctx, e.id); err != nil {
		log.WithField("error", err).Warn("pausing own charts failed")
	}
	if err := e.st.RemoveInstance(ctx, e.id); err != nil {
		log.WithField("error", err).Warn("removing instance registration failed")
	}

	var drainErr = e.waitForHandover(ctx)

	e.changes.close()
	e.mu.Lock()
	e.phase = PhaseHalted
	e.mu.Unlock()
	close(e.halted)

	log.WithField("instance", e.id).Info("halted")
	return drainErr
}

// waitForHandover blocks until a live successor has adopted every chart
// this instance owned. Without a successor the charts simply stay
// paused for whoever comes next.
func (e *Engine) waitForHandover(ctx context.Context) error {
	var alive, err = e.st.CountAliveInstances(ctx)
	if err != nil || alive == 0 {
		return err
	}

	var ticker = time.NewTicker(e.cfg.OwnChartPollingFrequency)
	defer ticker.Stop()
	for {
		var n, err = e.st.CountChartsOwnedBy(ctx, e.id)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("handover incomplete, %d charts still owned: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// CreateOptions tunes CreateChart.
type CreateOptions struct {
	// ChartID names the chart; a random uuid when empty.
	ChartID string
	// ParentRef makes the chart a child: it reports its completion to
	// the parent as a done.invoke event.
	ParentRef *chart.Reference
	// ExternalIDs are registered for the chart before its entry actions
	// run.
	ExternalIDs map[string]string
}

// CreateChart instantiates a chart of the machine in its initial state
// and runs its entry actions.
func (e *Engine) CreateChart(
	ctx context.Context, machineID string, opts CreateOptions,
) (chart.Reference, error) {
	return e.createChart(ctx, machineID, opts, false)
}

// createChildChart persists an invoked machine's chart and boots it in
// the background: the invoking parent holds its own mutex during the
// start action, and a child entry action may address the parent right
// back.
func (e *Engine) createChildChart(
	ctx context.Context, ref chart.Reference, parentRef chart.Reference,
) (chart.Reference, error) {
	return e.createChart(ctx, ref.MachineID, CreateOptions{
		ChartID:   ref.ChartID,
		ParentRef: &parentRef,
	}, true)
}

func (e *Engine) createChart(
	ctx context.Context, machineID string, opts CreateOptions, bootInBackground bool,
) (chart.Reference, error) {
	var evaluator, err = e.registry.evaluator(machineID)
	if err != nil {
		return chart.Reference{}, err
	}

	var ref = chart.Reference{MachineID: machineID, ChartID: opts.ChartID}
	if ref.ChartID == "" {
		ref.ChartID = uuid.NewString()
	}

	state, err := evaluator.Initial()
	if err != nil {
		return chart.Reference{}, fmt.Errorf("initial state of %s: %w", ref, err)
	}
	snapshot, err := state.Snapshot()
	if err != nil {
		return chart.Reference{}, fmt.Errorf("snapshotting %s: %w", ref, err)
	}

	if err = e.st.InsertChart(ctx, store.ChartRow{
		Ref:       ref,
		ParentRef: opts.ParentRef,
		OwnerID:   e.id,
		State:     snapshot,
	}); err != nil {
		return chart.Reference{}, err
	}

	for key, value := range opts.ExternalIDs {
		if err = e.st.RegisterExternalID(ctx, key, value, ref); err != nil {
			_ = e.st.DeleteChart(ctx, ref)
			return chart.Reference{}, err
		}
	}

	var change = chart.StateChange{
		Type:      chart.ChangeCreate,
		Ref:       ref,
		ParentRef: opts.ParentRef,
		New:       &chart.ChangeSnapshot{Value: state.Value(), Context: state.Context()},
	}
	if err = e.runHooks(ctx, change); err != nil {
		_ = e.st.DeleteChart(ctx, ref)
		return chart.Reference{}, fmt.Errorf("update hook for %s: %w", ref, err)
	}

	var x = newChartExecutor(e, ref, opts.ParentRef, evaluator, state)
	e.registry.put(x)
	e.changes.publish(change)

	if bootInBackground {
		var runCtx = e.runContext()
		if runCtx == nil {
			runCtx = context.Background()
		}
		go func() {
			if bootErr := x.boot(runCtx); bootErr != nil && runCtx.Err() == nil {
				log.WithFields(log.Fields{
					"chart": ref,
					"error": bootErr,
				}).Warn("booting child chart failed")
			}
		}()
		return ref, nil
	}
	if err = x.boot(ctx); err != nil {
		return chart.Reference{}, err
	}
	return ref, nil
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// activityFinished clears an activity that terminated on its own: both
// the in-memory entry and the marker row go, so the chart stays
// eligible for gentle adoption. During a drain the markers are kept on
// purpose and this is a no-op.
func (e *Engine) activityFinished(ref chart.Reference, id string) {
	var ctx = e.runContext()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := e.activities.stop(ctx, ref, id); err != nil {
		log.WithFields(log.Fields{
			"chart":    ref,
			"activity": id,
			"error":    err,
		}).Warn("clearing finished activity failed")
	}
}

// destroyChartAsync tears an invoked chart down outside the caller's
// mutexes. Used when a parent leaves its invoking state.
func (e *Engine) destroyChartAsync(ref chart.Reference) {
	var ctx = e.runContext()
	if ctx == nil || ctx.Err() != nil {
		// Draining: invoked charts are durable and must survive the
		// handover, only live stop actions may destroy them.
		return
	}
	go func() {
		if err := e.DestroyChart(ctx, ref); err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{
				"chart": ref,
				"error": err,
			}).Warn("destroying invoked chart failed")
		}
	}()
}

// Send delivers an event to a chart. Events to charts this instance
// cannot run right now (owned elsewhere, paused, or the engine is
// draining) are placed on the deferred queue instead, to be delivered
// once an instance can.
func (e *Engine) Send(ctx context.Context, ref chart.Reference, ev chart.Event) error {
	return e.SendWithPatch(ctx, ref, ev, nil)
}

// SendWithPatch is Send with a merge patch applied to the chart's
// context before the transition.
func (e *Engine) SendWithPatch(
	ctx context.Context, ref chart.Reference, ev chart.Event, contextPatch json.RawMessage,
) error {
	if e.draining() {
		return e.parkEvent(ctx, ref, ev)
	}

	var x, ours, err = e.registry.executor(ctx, ref)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("%s: %w", ref, chart.ErrChartNotFound)
		}
		return err
	}
	if !ours {
		return e.parkEvent(ctx, ref, ev)
	}
	return x.Send(ctx, ev, contextPatch)
}

func (e *Engine) draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == PhaseDying || e.phase == PhaseHalted
}

// parkEvent persists an event for delivery by whichever instance can
// next run the chart.
func (e *Engine) parkEvent(ctx context.Context, ref chart.Reference, ev chart.Event) error {
	var eventID, err = store.EncodeEventID(nil)
	if err != nil {
		return err
	}
	return e.deferred.Defer(ctx, &store.DeferredEventRow{
		Ref:     ref,
		EventID: eventID,
		Event:   ev,
	})
}

// Defer schedules an event for the chart after delay. sendID, when not
// empty, is an idempotency key: a later Defer with the same id replaces
// the pending one, and CancelDeferred revokes it.
func (e *Engine) Defer(
	ctx context.Context, ref chart.Reference, ev chart.Event, delay time.Duration, sendID string,
) error {
	var eventID, err = store.EncodeEventID(sendID)
	if err != nil {
		return err
	}
	if sendID != "" {
		if err = e.deferred.Cancel(ctx, ref, eventID); err != nil {
			return err
		}
	}
	return e.deferred.Defer(ctx, &store.DeferredEventRow{
		Ref:     ref,
		EventID: eventID,
		Event:   ev,
		Delay:   delay,
	})
}

// CancelDeferred revokes the chart's pending deferred events with the
// given send id. Idempotent.
func (e *Engine) CancelDeferred(ctx context.Context, ref chart.Reference, sendID string) error {
	var eventID, err = store.EncodeEventID(sendID)
	if err != nil {
		return err
	}
	return e.deferred.Cancel(ctx, ref, eventID)
}

// SendTo delivers an event to the chart registered under an external
// id.
func (e *Engine) SendTo(ctx context.Context, key, value string, ev chart.Event) error {
	var ref, found, err = e.st.ChartByExternalID(ctx, key, value)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("external id %s=%s: %w", key, value, chart.ErrChartNotFound)
	}
	return e.Send(ctx, ref, ev)
}

// RegisterExternalID binds key=value to the chart. One value per key
// maps to one chart; rebinding an existing pair is a conflict.
func (e *Engine) RegisterExternalID(ctx context.Context, ref chart.Reference, key, value string) error {
	return e.st.RegisterExternalID(ctx, key, value, ref)
}

// DropExternalID removes a binding. Idempotent.
func (e *Engine) DropExternalID(ctx context.Context, key, value string) error {
	return e.st.DropExternalID(ctx, key, value)
}

// FindChart resolves an external id to a chart reference.
func (e *Engine) FindChart(ctx context.Context, key, value string) (chart.Reference, bool, error) {
	return e.st.ChartByExternalID(ctx, key, value)
}

// ReadState returns the chart's current value and context. Charts not
// runnable here are read from their persisted snapshot.
func (e *Engine) ReadState(ctx context.Context, ref chart.Reference) (chart.ChangeSnapshot, error) {
	var x, ours, err = e.registry.executor(ctx, ref)
	if err == nil && ours {
		var state chart.State
		if state, err = x.currentState(ctx); err != nil {
			return chart.ChangeSnapshot{}, err
		}
		return chart.ChangeSnapshot{Value: state.Value(), Context: state.Context()}, nil
	}
	if err != nil {
		if store.IsNotFound(err) {
			return chart.ChangeSnapshot{}, fmt.Errorf("%s: %w", ref, chart.ErrChartNotFound)
		}
		return chart.ChangeSnapshot{}, err
	}

	row, err := e.st.ReadChart(ctx, ref)
	if err != nil {
		if store.IsNotFound(err) {
			return chart.ChangeSnapshot{}, fmt.Errorf("%s: %w", ref, chart.ErrChartNotFound)
		}
		return chart.ChangeSnapshot{}, err
	}
	evaluator, err := e.registry.evaluator(ref.MachineID)
	if err != nil {
		return chart.ChangeSnapshot{}, err
	}
	state, err := evaluator.Restore(row.State)
	if err != nil {
		return chart.ChangeSnapshot{}, fmt.Errorf("restoring chart %s: %w", ref, err)
	}
	return chart.ChangeSnapshot{Value: state.Value(), Context: state.Context()}, nil
}

// DestroyChart removes a chart entirely: activities, deferred events,
// the row, and the executor. The journal keeps the chart's history with
// a terminal delete entry.
func (e *Engine) DestroyChart(ctx context.Context, ref chart.Reference) error {
	var x, ours, err = e.registry.executor(ctx, ref)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("%s: %w", ref, chart.ErrChartNotFound)
		}
		return err
	}
	if !ours {
		return fmt.Errorf("destroying %s: chart is not runnable on this instance", ref)
	}
	if err = x.destroy(ctx); err != nil {
		return err
	}
	e.registry.remove(ref)
	return nil
}

// Changes subscribes to engine-wide state changes. The second return
// cancels the subscription; a subscriber that stops draining its
// channel is detached.
func (e *Engine) Changes() (<-chan chart.StateChange, func()) {
	return e.changes.subscribe()
}

// QueryCharts evaluates a digest/external-id filter over all charts.
func (e *Engine) QueryCharts(ctx context.Context, filter store.Filter) ([]chart.Reference, error) {
	return e.st.QueryCharts(ctx, filter)
}

// deliverDeferred routes one fired deferred event.
func (e *Engine) deliverDeferred(ctx context.Context, row store.DeferredEventRow) {
	switch {
	case row.EventTo == "":
		e.sendOrRepark(ctx, row.Ref, row.Event)

	case row.EventTo == chart.EventToParent:
		var chartRow, err = e.st.ReadChart(ctx, row.Ref)
		if err != nil {
			log.WithFields(log.Fields{
				"chart": row.Ref,
				"event": row.Event.Type,
				"error": err,
			}).Warn("parent-addressed event undeliverable, chart gone")
			return
		}
		if chartRow.ParentRef == nil {
			log.WithFields(log.Fields{
				"chart": row.Ref,
				"event": row.Event.Type,
			}).Debug("parent-addressed event from parentless chart dropped")
			return
		}
		e.sendOrRepark(ctx, *chartRow.ParentRef, row.Event)

	case strings.HasPrefix(row.EventTo, chart.Scheme+":"):
		var target, err = chart.ParseReference(row.EventTo)
		if err != nil {
			log.WithFields(log.Fields{
				"target": row.EventTo,
				"error":  err,
			}).Warn("deferred event with unparseable target dropped")
			return
		}
		e.sendOrRepark(ctx, target, row.Event)

	default:
		e.activities.sendTo(row.Ref, row.EventTo, row.Event)
	}
}

// sendOrRepark sends to a chart, re-parking the event when the chart is
// momentarily not runnable here (mid-adoption hand-off).
func (e *Engine) sendOrRepark(ctx context.Context, ref chart.Reference, ev chart.Event) {
	var x, ours, err = e.registry.executor(ctx, ref)
	if err != nil {
		if store.IsNotFound(err) {
			log.WithFields(log.Fields{
				"chart": ref,
				"event": ev.Type,
			}).Debug("deferred event to missing chart dropped")
			return
		}
		log.WithFields(log.Fields{
			"chart": ref,
			"event": ev.Type,
			"error": err,
		}).Warn("deferred event delivery failed")
		return
	}
	if !ours {
		var eventID, _ = store.EncodeEventID(nil)
		if err = e.deferred.Defer(ctx, &store.DeferredEventRow{
			Ref:     ref,
			EventID: eventID,
			Event:   ev,
			Delay:   e.cfg.AdoptionFrequency,
		}); err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{
				"chart": ref,
				"event": ev.Type,
				"error": err,
			}).Warn("re-parking deferred event failed")
		}
		return
	}
	if err = x.Send(ctx, ev, nil); err != nil && ctx.Err() == nil {
		log.WithFields(log.Fields{
			"chart": ref,
			"event": ev.Type,
			"error": err,
		}).Warn("deferred event delivery failed")
	}
}

// deliverFrom routes a followup event emitted by a chart's transition.
func (e *Engine) deliverFrom(
	ctx context.Context, from chart.Reference, parentRef *chart.Reference, to string, ev chart.Event,
) {
	switch {
	case to == "":
		e.sendLogged(ctx, from, ev)

	case to == chart.EventToParent:
		if parentRef == nil {
			log.WithFields(log.Fields{
				"chart": from,
				"event": ev.Type,
			}).Debug("parent-addressed event from parentless chart dropped")
			return
		}
		e.sendLogged(ctx, *parentRef, ev)

	case strings.HasPrefix(to, chart.Scheme+":"):
		var target, err = chart.ParseReference(to)
		if err != nil {
			log.WithFields(log.Fields{
				"target": to,
				"error":  err,
			}).Warn("event with unparseable target dropped")
			return
		}
		e.sendLogged(ctx, target, ev)

	default:
		e.activities.sendTo(from, to, ev)
	}
}

func (e *Engine) sendLogged(ctx context.Context, ref chart.Reference, ev chart.Event) {
	if err := e.Send(ctx, ref, ev); err != nil && ctx.Err() == nil {
		log.WithFields(log.Fields{
			"chart": ref,
			"event": ev.Type,
			"error": err,
		}).Warn("event delivery failed")
	}
}

// deliverToChart hands an activity-originated event to a chart without
// blocking the activity's callback; the executor mutex may be held by
// the very action that spawned the activity.
func (e *Engine) deliverToChart(ref chart.Reference, ev chart.Event) {
	e.mu.Lock()
	var ctx = e.runCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	go e.sendLogged(ctx, ref, ev)
}
