package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samihult/xjog/chart"
)

// DeferredEventRow is one persisted timer-scheduled event.
type DeferredEventRow struct {
	ID      int64
	Ref     chart.Reference
	EventID string // JSON encoding of the caller's idempotency key.
	EventTo string // "", chart URI, activity id, or chart.EventToParent.
	Event   chart.Event
	Delay   time.Duration
	Due     time.Time
	Lock    string // Instance currently processing, or "".
}

// EncodeEventID encodes an idempotency key (string or number) to its
// stored TEXT form. The column holds the JSON encoding so the key
// round-trips with JSON equality.
func EncodeEventID(key interface{}) (string, error) {
	var b, err = json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("encoding event id: %w", err)
	}
	return string(b), nil
}

// InsertDeferredEvent persists the event, computing due = now + delay,
// and returns the assigned id and due time.
func (s *Store) InsertDeferredEvent(ctx context.Context, row *DeferredEventRow) error {
	var eventTo sql.NullString
	if row.EventTo != "" {
		eventTo = sql.NullString{String: row.EventTo, Valid: true}
	}
	var event, err = json.Marshal(row.Event)
	if err != nil {
		return fmt.Errorf("encoding deferred event: %w", err)
	}

	var now = nowMillis()
	row.Due = time.UnixMilli(now).Add(row.Delay)

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO deferredEvents
		  (machineId, chartId, eventId, eventTo, event, timestamp, delay, due, lock)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		RETURNING id`,
		row.Ref.MachineID, row.Ref.ChartID, row.EventID, eventTo, string(event),
		now, row.Delay.Milliseconds(), row.Due.UnixMilli(),
	).Scan(&row.ID)
	return classify("inserting deferred event", err)
}

// ReadDeferredEventRowBatch atomically reserves up to batchSize unlocked
// rows due before now+lookAhead, marking them locked by selfID, and
// returns them ordered by (due ASC, id ASC).
func (s *Store) ReadDeferredEventRowBatch(
	ctx context.Context, selfID string, batchSize int, lookAhead time.Duration,
) ([]DeferredEventRow, error) {
	var horizon = time.UnixMilli(nowMillis()).Add(lookAhead).UnixMilli()

	var out []DeferredEventRow
	var err = s.WithTransaction(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		var rows, err = tx.QueryContext(ctx, `
			UPDATE deferredEvents SET lock = ?
			WHERE id IN (
			  SELECT id FROM deferredEvents
			  WHERE due < ? AND lock IS NULL
			  ORDER BY due ASC, id ASC
			  LIMIT ?
			)
			RETURNING id, machineId, chartId, eventId, eventTo, event, delay, due`,
			selfID, horizon, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row, err = scanDeferredEvent(rows)
			if err != nil {
				return err
			}
			row.Lock = selfID
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("reserving deferred event batch", err)
	}
	// RETURNING order is not guaranteed to follow the subquery's.
	sortDeferredEvents(out)
	return out, nil
}

func scanDeferredEvent(rows *sql.Rows) (DeferredEventRow, error) {
	var row DeferredEventRow
	var eventTo sql.NullString
	var event string
	var delayMs, dueMs int64

	if err := rows.Scan(&row.ID, &row.Ref.MachineID, &row.Ref.ChartID,
		&row.EventID, &eventTo, &event, &delayMs, &dueMs); err != nil {
		return row, err
	}
	if eventTo.Valid {
		row.EventTo = eventTo.String
	}
	if err := json.Unmarshal([]byte(event), &row.Event); err != nil {
		return row, fmt.Errorf("decoding deferred event %d: %w", row.ID, err)
	}
	row.Delay = time.Duration(delayMs) * time.Millisecond
	row.Due = time.UnixMilli(dueMs)
	return row, nil
}

func sortDeferredEvents(rows []DeferredEventRow) {
	// Insertion sort; batches are small and nearly ordered already.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && deferredBefore(rows[j], rows[j-1]); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func deferredBefore(a, b DeferredEventRow) bool {
	if !a.Due.Equal(b.Due) {
		return a.Due.Before(b.Due)
	}
	return a.ID < b.ID
}

// ReclaimDeferredEvents keeps the chart's pending rows carrying eventID
// but clears any lock left behind by another instance, so the rows
// become reservable here with their original due times. Reports whether
// any such row exists.
func (s *Store) ReclaimDeferredEvents(
	ctx context.Context, ref chart.Reference, eventID, selfID string,
) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deferredEvents
		WHERE machineId = ? AND chartId = ? AND eventId = ?`,
		ref.MachineID, ref.ChartID, eventID).Scan(&n); err != nil {
		return false, classify("reclaiming deferred events", err)
	}
	if n == 0 {
		return false, nil
	}
	var _, err = s.db.ExecContext(ctx, `
		UPDATE deferredEvents SET lock = NULL
		WHERE machineId = ? AND chartId = ? AND eventId = ?
		  AND lock IS NOT NULL AND lock != ?`,
		ref.MachineID, ref.ChartID, eventID, selfID)
	return true, classify("reclaiming deferred events", err)
}

// ReleaseDeferredEvent clears the lock so another instance may claim the
// row. Idempotent.
func (s *Store) ReleaseDeferredEvent(ctx context.Context, id int64) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE deferredEvents SET lock = NULL WHERE id = ?`, id)
	return classify("releasing deferred event", err)
}

// ReleaseAllDeferredEvents clears every lock held by selfID. Called on
// shutdown so another instance can claim the rows.
func (s *Store) ReleaseAllDeferredEvents(ctx context.Context, selfID string) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE deferredEvents SET lock = NULL WHERE lock = ?`, selfID)
	return classify("releasing all deferred events", err)
}

// DeleteDeferredEvent removes a delivered or cancelled event. Deleting a
// missing row is a no-op, which makes delivery idempotent on retry.
func (s *Store) DeleteDeferredEvent(ctx context.Context, id int64) error {
	var _, err = s.db.ExecContext(ctx,
		`DELETE FROM deferredEvents WHERE id = ?`, id)
	return classify("deleting deferred event", err)
}

// DeleteDeferredEventByEventID removes the chart's events carrying the
// given idempotency key, returning the removed row ids.
func (s *Store) DeleteDeferredEventByEventID(
	ctx context.Context, ref chart.Reference, eventID string,
) ([]int64, error) {
	var rows, err = s.db.QueryContext(ctx, `
		DELETE FROM deferredEvents
		WHERE machineId = ? AND chartId = ? AND eventId = ?
		RETURNING id`,
		ref.MachineID, ref.ChartID, eventID)
	if err != nil {
		return nil, classify("deleting deferred event by event id", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, classify("deleting deferred event by event id", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("deleting deferred event by event id", rows.Err())
}

// DeleteAllDeferredEvents removes every event addressed to the chart.
func (s *Store) DeleteAllDeferredEvents(ctx context.Context, ref chart.Reference) error {
	var _, err = s.db.ExecContext(ctx,
		`DELETE FROM deferredEvents WHERE machineId = ? AND chartId = ?`,
		ref.MachineID, ref.ChartID)
	return classify("deleting chart deferred events", err)
}

// CountDeferredEvents counts rows addressed to the chart.
func (s *Store) CountDeferredEvents(ctx context.Context, ref chart.Reference) (int, error) {
	var n int
	var err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deferredEvents WHERE machineId = ? AND chartId = ?`,
		ref.MachineID, ref.ChartID).Scan(&n)
	return n, classify("counting deferred events", err)
}
