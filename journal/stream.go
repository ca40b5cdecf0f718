package journal

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samihult/xjog/store"
)

// EntrySubscription is a live, ordered stream of new journal entries.
// Entries arrive in strictly increasing id order with no duplicates.
// After C closes, Err reports nil for cancellation or the terminal
// failure.
type EntrySubscription struct {
	C <-chan Entry

	cancel context.CancelFunc
	mu     sync.Mutex
	err    error
}

// Cancel detaches the subscription; C closes soon after.
func (s *EntrySubscription) Cancel() { s.cancel() }

// Err reports the terminal error, if any, once C has closed.
func (s *EntrySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *EntrySubscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// NewEntries subscribes to journal entries recorded after the call.
// Notifications wake the stream immediately for same-process writers;
// polling at the store's interval covers writers in other processes.
func (s *Store) NewEntries(ctx context.Context, filter *store.ChartFilter) *EntrySubscription {
	ctx, cancel := context.WithCancel(ctx)
	var out = make(chan Entry, 16)
	var sub = &EntrySubscription{C: out, cancel: cancel}

	var notes, unsubscribe = s.notifier.Subscribe(store.ChannelNewJournalEntry)

	// High-water mark: only entries strictly greater are emitted. Taken
	// synchronously so nothing recorded after this call can be missed.
	var hwm int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM journalEntries`).Scan(&hwm); err != nil {
		sub.fail(err)
		unsubscribe()
		close(out)
		return sub
	}

	go func() {
		defer close(out)
		defer unsubscribe()

		var ticker = time.NewTicker(s.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-notes:
			}

			var entries, err = s.QueryEntries(ctx, EntryFilter{After: &hwm})
			if err != nil {
				if ctx.Err() == nil {
					sub.fail(err)
				}
				return
			}
			logStreamLag("entries", len(entries))
			for _, e := range entries {
				hwm = e.ID
				if !filter.MatchRef(e.Ref) {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub
}

// FullStateSubscription is a live stream of full-state snapshot updates,
// in increasing journal-id order.
type FullStateSubscription struct {
	C <-chan FullState

	cancel context.CancelFunc
	mu     sync.Mutex
	err    error
}

// Cancel detaches the subscription; C closes soon after.
func (s *FullStateSubscription) Cancel() { s.cancel() }

// Err reports the terminal error, if any, once C has closed.
func (s *FullStateSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FullStateSubscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// NewFullStates subscribes to snapshot updates recorded after the call.
func (s *Store) NewFullStates(ctx context.Context, filter *store.ChartFilter) *FullStateSubscription {
	ctx, cancel := context.WithCancel(ctx)
	var out = make(chan FullState, 16)
	var sub = &FullStateSubscription{C: out, cancel: cancel}

	var notes, unsubscribe = s.notifier.Subscribe(store.ChannelNewJournalEntry)

	var hwm int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM fullJournalStates`).Scan(&hwm); err != nil {
		sub.fail(err)
		unsubscribe()
		close(out)
		return sub
	}

	go func() {
		defer close(out)
		defer unsubscribe()

		var ticker = time.NewTicker(s.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-notes:
			}

			var states, err = s.QueryFullStates(ctx, EntryFilter{After: &hwm})
			if err != nil {
				if ctx.Err() == nil {
					sub.fail(err)
				}
				return
			}
			logStreamLag("fullStates", len(states))
			for _, fs := range states {
				if fs.ID > hwm {
					hwm = fs.ID
				}
				if !filter.MatchRef(fs.Ref) || !filter.MatchState(fs.State) {
					continue
				}
				select {
				case out <- fs:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub
}

// logStreamLag is a hook point for observing stream catch-up; kept at
// debug to stay quiet in production.
func logStreamLag(kind string, n int) {
	if n > 0 {
		log.WithFields(log.Fields{"stream": kind, "entries": n}).Debug("journal stream catch-up")
	}
}
