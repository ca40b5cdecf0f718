// Package journal is the append-only delta log of chart transitions,
// with a latest-snapshot table and change subscriptions. Deltas run
// backward: applying an entry's delta to the entry's (newer) document
// reproduces the previous one, which makes reverse traversal possible
// without duplicating full state on every entry.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/samihult/xjog/chart"
	"github.com/samihult/xjog/store"
)

// Store records and queries journal entries. It shares the database of
// the persistence store.
type Store struct {
	db       *sql.DB
	notifier *store.Notifier
	poll     time.Duration
}

// New wraps the persistence store's database.
func New(s *store.Store) *Store {
	return &Store{db: s.DB(), notifier: s.Notifier(), poll: s.PollInterval()}
}

// nullJSON canonicalizes an absent document for patching.
func nullJSON(doc json.RawMessage) json.RawMessage {
	if len(doc) == 0 {
		return json.RawMessage("null")
	}
	return doc
}

// Merge patches are computed over an envelope object so that scalar
// documents (a bare state value like "at home") patch cleanly; RFC 7386
// merge patching is only defined between objects.
func wrapDoc(doc json.RawMessage) []byte {
	var env = append([]byte(`{"doc":`), nullJSON(doc)...)
	return append(env, '}')
}

func unwrapDoc(env []byte) (json.RawMessage, error) {
	var out struct {
		Doc json.RawMessage `json:"doc"`
	}
	if err := json.Unmarshal(env, &out); err != nil {
		return nil, fmt.Errorf("unwrapping patched document: %w", err)
	}
	return nullJSON(out.Doc), nil
}

// backwardDelta computes the stored delta: a merge patch which, applied
// to the newer document, reproduces the older one.
func backwardDelta(older, newer json.RawMessage) (json.RawMessage, error) {
	var delta, err = jsonpatch.CreateMergePatch(wrapDoc(newer), wrapDoc(older))
	if err != nil {
		return nil, fmt.Errorf("computing backward delta: %w", err)
	}
	return delta, nil
}

// ApplyDelta applies a stored delta to its newer document, yielding the
// older one.
func ApplyDelta(newer, delta json.RawMessage) (json.RawMessage, error) {
	var older, err = jsonpatch.MergePatch(wrapDoc(newer), delta)
	if err != nil {
		return nil, fmt.Errorf("applying delta: %w", err)
	}
	return unwrapDoc(older)
}

// Record writes one journal entry and refreshes the chart's full-state
// snapshot, in a single transaction. The returned id is monotonic across
// the entire journal. After commit a new-journal-entry notification is
// published.
func (s *Store) Record(
	ctx context.Context,
	ownerID string,
	ref chart.Reference,
	parentRef *chart.Reference,
	event *chart.Event,
	oldValue, oldContext, newValue, newContext json.RawMessage,
) (int64, error) {
	var stateDelta, err = backwardDelta(oldValue, newValue)
	if err != nil {
		return 0, err
	}
	contextDelta, err := backwardDelta(oldContext, newContext)
	if err != nil {
		return 0, err
	}

	var eventRaw []byte
	if event != nil {
		if eventRaw, err = json.Marshal(event); err != nil {
			return 0, fmt.Errorf("encoding journal event: %w", err)
		}
	}

	var parentMachine, parentChart sql.NullString
	if parentRef != nil {
		parentMachine = sql.NullString{String: parentRef.MachineID, Valid: true}
		parentChart = sql.NullString{String: parentRef.ChartID, Valid: true}
	}

	var id int64
	var now = time.Now().UnixMilli()
	err = s.withTransaction(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO journalEntries
			  (timestamp, machineId, chartId, event, state, context, stateDelta, contextDelta)
			VALUES (?, ?, ?, ?, NULL, NULL, ?, ?)
			RETURNING id`,
			now, ref.MachineID, ref.ChartID, eventRaw,
			[]byte(stateDelta), []byte(contextDelta),
		).Scan(&id); err != nil {
			return fmt.Errorf("inserting journal entry: %w", err)
		}

		// Guarded upsert: a concurrent out-of-order insert can never
		// move the snapshot backwards.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fullJournalStates
			  (id, created, timestamp, ownerId, machineId, chartId,
			   parentMachineId, parentChartId, event, state, context)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (machineId, chartId) DO UPDATE SET
			  id = excluded.id,
			  timestamp = excluded.timestamp,
			  ownerId = excluded.ownerId,
			  parentMachineId = excluded.parentMachineId,
			  parentChartId = excluded.parentChartId,
			  event = excluded.event,
			  state = excluded.state,
			  context = excluded.context
			WHERE excluded.id > fullJournalStates.id`,
			id, now, now, ownerID, ref.MachineID, ref.ChartID,
			parentMachine, parentChart, eventRaw,
			[]byte(nullJSON(newValue)), []byte(nullJSON(newContext)),
		); err != nil {
			return fmt.Errorf("upserting full journal state: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.notifier.Publish(store.Notification{
		Channel: store.ChannelNewJournalEntry, ID: id, Ref: ref,
	})
	return id, nil
}

func (s *Store) withTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning journal transaction: %w", err)
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing journal transaction: %w", err)
	}
	return nil
}

// ReadMergedEntry reconstructs the full state as it was at the moment of
// entry id, by walking deltas backward from the current snapshot. This is
// the journal's time-travel read.
func (s *Store) ReadMergedEntry(ctx context.Context, id int64) (MergedEntry, error) {
	var target, err = s.ReadEntry(ctx, id)
	if err != nil {
		return MergedEntry{}, err
	}
	full, err := s.ReadFullState(ctx, target.Ref)
	if err != nil {
		return MergedEntry{}, err
	}
	if full.ID < id {
		return MergedEntry{}, fmt.Errorf(
			"full state of %s (id %d) is older than entry %d", target.Ref, full.ID, id)
	}

	var state = full.State
	var ctxDoc = full.Context

	// Apply deltas of entries newer than the target, newest first; after
	// applying entry e's delta the documents are as of e's predecessor.
	var newer []Entry
	newer, err = s.QueryEntries(ctx, EntryFilter{
		Ref:        &target.Ref,
		After:      &id,
		Descending: true,
	})
	if err != nil {
		return MergedEntry{}, err
	}
	for _, e := range newer {
		if state, err = ApplyDelta(state, e.StateDelta); err != nil {
			return MergedEntry{}, fmt.Errorf("rewinding entry %d: %w", e.ID, err)
		}
		if ctxDoc, err = ApplyDelta(ctxDoc, e.ContextDelta); err != nil {
			return MergedEntry{}, fmt.Errorf("rewinding entry %d: %w", e.ID, err)
		}
	}

	return MergedEntry{
		ID:        target.ID,
		Ref:       target.Ref,
		Timestamp: target.Timestamp,
		Event:     target.Event,
		State:     state,
		Context:   ctxDoc,
	}, nil
}
