package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samihult/xjog/chart"
)

// ErrEntryNotFound reports a journal entry id with no record.
var ErrEntryNotFound = errors.New("journal entry not found")

// Entry is one immutable delta record.
type Entry struct {
	ID           int64
	Ref          chart.Reference
	Timestamp    time.Time
	Event        json.RawMessage
	StateDelta   json.RawMessage
	ContextDelta json.RawMessage
}

// FullState is the latest snapshot of one chart.
type FullState struct {
	ID        int64
	Created   time.Time
	Timestamp time.Time
	OwnerID   string
	Ref       chart.Reference
	ParentRef *chart.Reference
	Event     json.RawMessage
	State     json.RawMessage
	Context   json.RawMessage
}

// MergedEntry is a time-travel read: the full documents as they were at
// the moment of one entry.
type MergedEntry struct {
	ID        int64
	Ref       chart.Reference
	Timestamp time.Time
	Event     json.RawMessage
	State     json.RawMessage
	Context   json.RawMessage
}

// EntryFilter narrows QueryEntries and QueryFullStates. Zero fields do
// not constrain. Id bounds are exclusive (After/Before) or inclusive
// (AfterAndIncluding/BeforeAndIncluding).
type EntryFilter struct {
	Ref                *chart.Reference
	ParentRef          *chart.Reference // Full states only; entries carry no parent.
	MachineID          string
	After              *int64
	AfterAndIncluding  *int64
	Before             *int64
	BeforeAndIncluding *int64
	Since              *time.Time
	Until              *time.Time
	Limit              int
	Offset             int
	Descending         bool
}

func (f EntryFilter) clauses(fullStates bool) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.Ref != nil {
		conds = append(conds, "machineId = ? AND chartId = ?")
		args = append(args, f.Ref.MachineID, f.Ref.ChartID)
	}
	if f.MachineID != "" {
		conds = append(conds, "machineId = ?")
		args = append(args, f.MachineID)
	}
	if fullStates && f.ParentRef != nil {
		conds = append(conds, "parentMachineId = ? AND parentChartId = ?")
		args = append(args, f.ParentRef.MachineID, f.ParentRef.ChartID)
	}
	if f.After != nil {
		conds = append(conds, "id > ?")
		args = append(args, *f.After)
	}
	if f.AfterAndIncluding != nil {
		conds = append(conds, "id >= ?")
		args = append(args, *f.AfterAndIncluding)
	}
	if f.Before != nil {
		conds = append(conds, "id < ?")
		args = append(args, *f.Before)
	}
	if f.BeforeAndIncluding != nil {
		conds = append(conds, "id <= ?")
		args = append(args, *f.BeforeAndIncluding)
	}
	if f.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if f.Until != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	var sql strings.Builder
	if len(conds) != 0 {
		sql.WriteString(" WHERE ")
		sql.WriteString(strings.Join(conds, " AND "))
	}
	sql.WriteString(" ORDER BY id ")
	if f.Descending {
		sql.WriteString("DESC")
	} else {
		sql.WriteString("ASC")
	}
	if f.Limit > 0 {
		fmt.Fprintf(&sql, " LIMIT %d", f.Limit)
		if f.Offset > 0 {
			fmt.Fprintf(&sql, " OFFSET %d", f.Offset)
		}
	}
	return sql.String(), args
}

// ReadEntry reads one entry by id.
func (s *Store) ReadEntry(ctx context.Context, id int64) (Entry, error) {
	var e = Entry{ID: id}
	var ts int64
	var event sql.NullString
	var err = s.db.QueryRowContext(ctx, `
		SELECT timestamp, machineId, chartId, event, stateDelta, contextDelta
		FROM journalEntries WHERE id = ?`, id,
	).Scan(&ts, &e.Ref.MachineID, &e.Ref.ChartID, &event, &e.StateDelta, &e.ContextDelta)
	if err == sql.ErrNoRows {
		return Entry{}, fmt.Errorf("journal entry %d: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading journal entry %d: %w", id, err)
	}
	e.Timestamp = time.UnixMilli(ts)
	if event.Valid {
		e.Event = json.RawMessage(event.String)
	}
	return e, nil
}

// QueryEntries reads entries matching the filter in id order.
func (s *Store) QueryEntries(ctx context.Context, f EntryFilter) ([]Entry, error) {
	var where, args = f.clauses(false)
	var rows, err = s.db.QueryContext(ctx, `
		SELECT id, timestamp, machineId, chartId, event, stateDelta, contextDelta
		FROM journalEntries`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var event sql.NullString
		if err = rows.Scan(&e.ID, &ts, &e.Ref.MachineID, &e.Ref.ChartID,
			&event, &e.StateDelta, &e.ContextDelta); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		if event.Valid {
			e.Event = json.RawMessage(event.String)
		}
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("querying journal entries: %w", err)
	}
	return out, nil
}

// ReadFullState reads the latest snapshot of one chart.
func (s *Store) ReadFullState(ctx context.Context, ref chart.Reference) (FullState, error) {
	var rows, err = s.queryFullStates(ctx,
		` WHERE machineId = ? AND chartId = ?`, ref.MachineID, ref.ChartID)
	if err != nil {
		return FullState{}, err
	}
	if len(rows) == 0 {
		return FullState{}, fmt.Errorf("full state of %s: %w", ref, chart.ErrChartNotFound)
	}
	return rows[0], nil
}

// QueryFullStates reads snapshots matching the filter in id order.
func (s *Store) QueryFullStates(ctx context.Context, f EntryFilter) ([]FullState, error) {
	var where, args = f.clauses(true)
	return s.queryFullStates(ctx, where, args...)
}

func (s *Store) queryFullStates(ctx context.Context, where string, args ...interface{}) ([]FullState, error) {
	var rows, err = s.db.QueryContext(ctx, `
		SELECT id, created, timestamp, ownerId, machineId, chartId,
		       parentMachineId, parentChartId, event, state, context
		FROM fullJournalStates`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying full journal states: %w", err)
	}
	defer rows.Close()

	var out []FullState
	for rows.Next() {
		var fs FullState
		var created, ts int64
		var parentMachine, parentChart, event sql.NullString
		if err = rows.Scan(&fs.ID, &created, &ts, &fs.OwnerID,
			&fs.Ref.MachineID, &fs.Ref.ChartID,
			&parentMachine, &parentChart, &event, &fs.State, &fs.Context); err != nil {
			return nil, fmt.Errorf("scanning full journal state: %w", err)
		}
		fs.Created, fs.Timestamp = time.UnixMilli(created), time.UnixMilli(ts)
		if parentMachine.Valid && parentChart.Valid {
			fs.ParentRef = &chart.Reference{
				MachineID: parentMachine.String, ChartID: parentChart.String,
			}
		}
		if event.Valid {
			fs.Event = json.RawMessage(event.String)
		}
		out = append(out, fs)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("querying full journal states: %w", err)
	}
	return out, nil
}

// DeleteChartEntries removes every journal trace of a destroyed chart.
func (s *Store) DeleteChartEntries(ctx context.Context, ref chart.Reference) error {
	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM journalEntries WHERE machineId = ? AND chartId = ?`,
			ref.MachineID, ref.ChartID); err != nil {
			return fmt.Errorf("deleting journal entries of %s: %w", ref, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fullJournalStates WHERE machineId = ? AND chartId = ?`,
			ref.MachineID, ref.ChartID); err != nil {
			return fmt.Errorf("deleting full state of %s: %w", ref, err)
		}
		return nil
	})
}
