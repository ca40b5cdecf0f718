package engine

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/samihult/xjog/chart"
	"github.com/samihult/xjog/store"
)

// activityManager tracks the activities running in this process, keyed
// by owning chart and activity id, and keeps the persistent
// ongoingActivities markers in step with them. The markers are what a
// successor instance consults when deciding whether a chart can be
// adopted gently.
type activityManager struct {
	st *store.Store

	mu      sync.Mutex
	byChart map[chart.Reference]map[string]chart.Activity
}

func newActivityManager(st *store.Store) *activityManager {
	return &activityManager{
		st:      st,
		byChart: make(map[chart.Reference]map[string]chart.Activity),
	}
}

// register records a started activity, both in memory and as a marker
// row. Restarting an already-running id stops the old instance first.
func (a *activityManager) register(
	ctx context.Context, ref chart.Reference, act chart.Activity,
) error {
	a.mu.Lock()
	var acts = a.byChart[ref]
	if acts == nil {
		acts = make(map[string]chart.Activity)
		a.byChart[ref] = acts
	}
	var prev = acts[act.ID()]
	acts[act.ID()] = act
	a.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	if err := a.st.RegisterActivity(ctx, ref, act.ID()); err != nil {
		return fmt.Errorf("registering activity %q: %w", act.ID(), err)
	}
	return nil
}

// attach records an in-memory activity without a marker row. Used for
// child-chart proxies: the child's state is durable and transfers on
// adoption, so its presence must not disqualify the parent from gentle
// adoption.
func (a *activityManager) attach(ref chart.Reference, act chart.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var acts = a.byChart[ref]
	if acts == nil {
		acts = make(map[string]chart.Activity)
		a.byChart[ref] = acts
	}
	acts[act.ID()] = act
}

// lookup returns the running activity, if any.
func (a *activityManager) lookup(ref chart.Reference, id string) (chart.Activity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var act, ok = a.byChart[ref][id]
	return act, ok
}

// sendTo forwards an event to a running activity. Events to unknown
// activities are dropped with a debug note; the activity may simply
// have completed already.
func (a *activityManager) sendTo(ref chart.Reference, id string, event chart.Event) {
	if act, ok := a.lookup(ref, id); ok {
		act.Send(event)
		return
	}
	log.WithFields(log.Fields{
		"chart":    ref,
		"activity": id,
		"event":    event.Type,
	}).Debug("event to absent activity dropped")
}

// forwardAll sends the event to every running activity of the chart
// that was invoked with auto-forwarding.
func (a *activityManager) forwardAll(ref chart.Reference, ids []string, event chart.Event) {
	for _, id := range ids {
		a.sendTo(ref, id, event)
	}
}

// stop halts one activity and removes its marker row.
func (a *activityManager) stop(ctx context.Context, ref chart.Reference, id string) error {
	a.mu.Lock()
	var act = a.byChart[ref][id]
	delete(a.byChart[ref], id)
	if len(a.byChart[ref]) == 0 {
		delete(a.byChart, ref)
	}
	a.mu.Unlock()

	if act != nil {
		act.Stop()
	}
	if err := a.st.UnregisterActivity(ctx, ref, id); err != nil {
		return fmt.Errorf("unregistering activity %q: %w", id, err)
	}
	return nil
}

// stopAllForChart halts the chart's activities and removes their
// markers. Used when the chart reaches a final state or is destroyed.
func (a *activityManager) stopAllForChart(ctx context.Context, ref chart.Reference) error {
	a.mu.Lock()
	var acts = a.byChart[ref]
	delete(a.byChart, ref)
	a.mu.Unlock()

	for id, act := range acts {
		act.Stop()
		if err := a.st.UnregisterActivity(ctx, ref, id); err != nil {
			return fmt.Errorf("unregistering activity %q: %w", id, err)
		}
	}
	return nil
}

// childChartProxy adapts an invoked child chart to the Activity
// interface: sends route to the child through the engine, stopping
// destroys it. The child's output reaches the parent through chart
// routing (update and done.invoke events), not the observer stream.
type childChartProxy struct {
	id    string
	eng   *Engine
	child chart.Reference

	stopOnce sync.Once
}

func (p *childChartProxy) ID() string { return p.id }

func (p *childChartProxy) Send(ev chart.Event) {
	p.eng.deliverToChart(p.child, ev)
}

func (p *childChartProxy) Subscribe(chart.ActivityObserver) func() {
	return func() {}
}

func (p *childChartProxy) Stop() {
	p.stopOnce.Do(func() {
		p.eng.destroyChartAsync(p.child)
	})
}

// stopAll halts every running activity in memory but leaves the marker
// rows in place. Called on instance shutdown: the surviving markers
// tell the successor which charts had unfinished work, so it adopts
// them forcibly rather than gently.
func (a *activityManager) stopAll() {
	a.mu.Lock()
	var all = a.byChart
	a.byChart = make(map[chart.Reference]map[string]chart.Activity)
	a.mu.Unlock()

	for ref, acts := range all {
		for id, act := range acts {
			act.Stop()
			log.WithFields(log.Fields{
				"chart":    ref,
				"activity": id,
			}).Debug("activity halted for shutdown, marker kept")
		}
	}
}
