package engine

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samihult/xjog/chart"
	"github.com/samihult/xjog/store"
)

// deferredEventManager keeps the in-memory schedule of reserved deferred
// events: one timer per reserved row, plus the recurring batched
// lookahead read against the store. Every event held in memory has its
// row locked by this instance.
type deferredEventManager struct {
	cfg    Config
	selfID string
	st     *store.Store

	// deliver routes a fired event; set by the engine before start.
	deliver func(ctx context.Context, row store.DeferredEventRow)

	mu         sync.Mutex
	ctx        context.Context
	timers     map[int64]*time.Timer
	rows       map[int64]store.DeferredEventRow
	readTimer  *time.Timer
	nextReadAt time.Time
	started    bool
	stopped    bool
}

func newDeferredEventManager(cfg Config, selfID string, st *store.Store) *deferredEventManager {
	return &deferredEventManager{
		cfg:    cfg,
		selfID: selfID,
		st:     st,
		timers: make(map[int64]*time.Timer),
		rows:   make(map[int64]store.DeferredEventRow),
	}
}

// start begins the batch cycle with an immediate read.
func (d *deferredEventManager) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.ctx = ctx
	d.scheduleReadLocked(0)
}

// scheduleReadLocked (re)arms the batch read timer for after wait.
func (d *deferredEventManager) scheduleReadLocked(wait time.Duration) {
	if d.stopped {
		return
	}
	if wait < 0 {
		wait = 0
	}
	d.nextReadAt = time.Now().Add(wait)
	if d.readTimer != nil {
		d.readTimer.Stop()
	}
	d.readTimer = time.AfterFunc(wait, d.scheduleUpcoming)
}

// scheduleUpcoming is one batch cycle: reserve due-soon rows, arm their
// timers, and schedule the next read. A full batch suggests more rows
// are waiting, so the next read lands at the last reserved due time;
// otherwise the regular interval applies.
func (d *deferredEventManager) scheduleUpcoming() {
	d.mu.Lock()
	var ctx = d.ctx
	var stopped = d.stopped
	d.mu.Unlock()
	if stopped || ctx == nil || ctx.Err() != nil {
		return
	}

	var batch, err = d.st.ReadDeferredEventRowBatch(
		ctx, d.selfID, d.cfg.DeferredBatchSize, d.cfg.DeferredLookAhead)
	if err != nil {
		if ctx.Err() == nil {
			log.WithField("error", err).Warn("deferred event batch read failed")
			d.mu.Lock()
			d.scheduleReadLocked(d.cfg.DeferredInterval)
			d.mu.Unlock()
		}
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	for _, row := range batch {
		var row = row
		if _, armed := d.timers[row.ID]; armed {
			continue
		}
		d.rows[row.ID] = row
		d.timers[row.ID] = time.AfterFunc(time.Until(row.Due), func() { d.fire(row) })
	}

	if len(batch) == d.cfg.DeferredBatchSize {
		d.scheduleReadLocked(time.Until(batch[len(batch)-1].Due))
	} else {
		d.scheduleReadLocked(d.cfg.DeferredInterval)
	}
}

// fire delivers one event and removes its row. Delivery happens at most
// once by this instance: the row is deleted after delivery, so a crashed
// retry finds nothing to deliver again.
func (d *deferredEventManager) fire(row store.DeferredEventRow) {
	d.mu.Lock()
	var ctx = d.ctx
	if d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, row.ID)
	delete(d.rows, row.ID)
	d.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	d.deliver(ctx, row)
	deferredDeliveredTotal.Inc()

	if err := d.st.DeleteDeferredEvent(ctx, row.ID); err != nil && ctx.Err() == nil {
		log.WithFields(log.Fields{
			"id":    row.ID,
			"error": err,
		}).Warn("failed to delete delivered deferred event")
	}
}

// Defer persists an event for future delivery. When the new event is due
// before the next scheduled read, the read moves up so the event is
// reserved in time.
func (d *deferredEventManager) Defer(ctx context.Context, row *store.DeferredEventRow) error {
	if err := d.st.InsertDeferredEvent(ctx, row); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started && !d.stopped && row.Due.Before(d.nextReadAt) {
		d.scheduleReadLocked(time.Until(row.Due))
	}
	return nil
}

// Cancel revokes the chart's pending events carrying eventID, both the
// persisted rows and any armed timers. Idempotent.
func (d *deferredEventManager) Cancel(ctx context.Context, ref chart.Reference, eventID string) error {
	var ids, err = d.st.DeleteDeferredEventByEventID(ctx, ref, eventID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.clearLocked(id)
	}
	return nil
}

// CancelAllForChart revokes every pending event of one chart.
func (d *deferredEventManager) CancelAllForChart(ctx context.Context, ref chart.Reference) error {
	if err := d.st.DeleteAllDeferredEvents(ctx, ref); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, row := range d.rows {
		if row.Ref == ref {
			d.clearLocked(id)
		}
	}
	return nil
}

func (d *deferredEventManager) clearLocked(id int64) {
	if timer, ok := d.timers[id]; ok {
		timer.Stop()
		delete(d.timers, id)
	}
	delete(d.rows, id)
}

// releaseAll stops the cycle, clears all timers and returns every held
// lock to the pool so another instance can claim the rows.
func (d *deferredEventManager) releaseAll(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	if d.readTimer != nil {
		d.readTimer.Stop()
	}
	for id := range d.timers {
		d.clearLocked(id)
	}
	d.mu.Unlock()

	return d.st.ReleaseAllDeferredEvents(ctx, d.selfID)
}
