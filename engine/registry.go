package engine

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/samihult/xjog/chart"
)

// machineRegistry holds the registered machine evaluators and, per
// machine, a bounded LRU cache of live chart executors. Executors fall
// out of the cache under memory pressure and are rehydrated from their
// persisted snapshots on the next event; running activities survive
// eviction because the activity manager owns them, not the executor.
type machineRegistry struct {
	eng *Engine

	mu         sync.Mutex
	evaluators map[string]chart.Evaluator
	caches     map[string]*lru.Cache[chart.Reference, *chartExecutor]
	sealed     bool
}

func newMachineRegistry(eng *Engine) *machineRegistry {
	return &machineRegistry{
		eng:        eng,
		evaluators: make(map[string]chart.Evaluator),
		caches:     make(map[string]*lru.Cache[chart.Reference, *chartExecutor]),
	}
}

// register adds a machine. Registration seals when the engine starts:
// adoption needs the full machine set up front.
func (r *machineRegistry) register(evaluator chart.Evaluator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return chart.ErrRegistrationClosed
	}
	var id = evaluator.MachineID()
	if _, dup := r.evaluators[id]; dup {
		return fmt.Errorf("machine %q already registered", id)
	}

	var cache, err = lru.NewWithEvict[chart.Reference, *chartExecutor](
		r.eng.cfg.MachineCacheSize, r.onEvict)
	if err != nil {
		return fmt.Errorf("creating executor cache for %q: %w", id, err)
	}
	r.evaluators[id] = evaluator
	r.caches[id] = cache
	return nil
}

func (r *machineRegistry) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// onEvict waits for the evicted executor's mutex to be idle so an
// in-flight transition is never torn; the persisted snapshot is already
// current once the step completes.
func (r *machineRegistry) onEvict(ref chart.Reference, x *chartExecutor) {
	if err := x.mutex.settle(context.Background()); err != nil {
		log.WithFields(log.Fields{
			"chart": ref,
			"error": err,
		}).Warn("evicted executor did not settle")
	}
}

func (r *machineRegistry) evaluator(machineID string) (chart.Evaluator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evaluator, ok = r.evaluators[machineID]
	if !ok {
		return nil, fmt.Errorf("machine %q: %w", machineID, chart.ErrMachineNotFound)
	}
	return evaluator, nil
}

// put caches a freshly created or adopted executor.
func (r *machineRegistry) put(x *chartExecutor) {
	r.mu.Lock()
	var cache = r.caches[x.ref.MachineID]
	r.mu.Unlock()
	if cache != nil {
		cache.Add(x.ref, x)
	}
}

// remove drops a finished or destroyed chart's executor. Callers must
// not hold the executor's mutex: removal settles it via the eviction
// callback.
func (r *machineRegistry) remove(ref chart.Reference) {
	r.mu.Lock()
	var cache = r.caches[ref.MachineID]
	r.mu.Unlock()
	if cache != nil {
		cache.Remove(ref)
	}
}

// executor returns the chart's executor, rehydrating it from the store
// when it fell out of the cache. ours=false means the chart exists but
// is not currently runnable here (owned elsewhere or paused); the
// caller should hand the event to the deferred queue instead.
func (r *machineRegistry) executor(
	ctx context.Context, ref chart.Reference,
) (x *chartExecutor, ours bool, err error) {
	r.mu.Lock()
	var cache = r.caches[ref.MachineID]
	r.mu.Unlock()
	if cache == nil {
		return nil, false, fmt.Errorf("machine %q: %w", ref.MachineID, chart.ErrMachineNotFound)
	}
	if x, ok := cache.Get(ref); ok {
		// Ownership can change under a cached executor: a successor
		// overthrows this instance by pausing and re-owning its charts
		// in the store. Re-verify before handing the executor out, or a
		// dethroned instance would keep writing state it no longer owns.
		var row, readErr = r.eng.st.ReadChart(ctx, ref)
		if readErr != nil {
			return nil, false, readErr
		}
		if row.OwnerID != r.eng.id || row.Paused {
			cache.Remove(ref)
			return nil, false, nil
		}
		return x, true, nil
	}

	var row, readErr = r.eng.st.ReadChart(ctx, ref)
	if readErr != nil {
		return nil, false, readErr
	}
	if row.OwnerID != r.eng.id || row.Paused {
		return nil, false, nil
	}

	evaluator, err := r.evaluator(ref.MachineID)
	if err != nil {
		return nil, false, err
	}
	state, err := evaluator.Restore(row.State)
	if err != nil {
		return nil, false, fmt.Errorf("restoring chart %s: %w", ref, err)
	}

	x = newChartExecutor(r.eng, ref, row.ParentRef, evaluator, state)
	x.rehydrating = true

	// Lock before publishing in the cache so no event can step the
	// executor before its re-entry actions have run.
	if err = x.mutex.lock(ctx); err != nil {
		return nil, false, x.lockFailed(err)
	}
	if prev, won, _ := cache.PeekOrAdd(ref, x); won {
		// A concurrent rehydration beat us to it.
		x.mutex.unlock()
		return prev, true, nil
	}

	followups, err := x.runActions(ctx, x.state.Actions(), nil)
	x.rehydrating = false
	x.mutex.unlock()
	if err != nil {
		cache.Remove(ref)
		return nil, false, err
	}
	x.deliverFollowups(ctx, followups)
	return x, true, nil
}

// purge drops every cached executor, settling each. Used on shutdown.
func (r *machineRegistry) purge() {
	r.mu.Lock()
	var caches = make([]*lru.Cache[chart.Reference, *chartExecutor], 0, len(r.caches))
	for _, cache := range r.caches {
		caches = append(caches, cache)
	}
	r.mu.Unlock()

	for _, cache := range caches {
		cache.Purge()
	}
}
