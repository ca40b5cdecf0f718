package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/samihult/xjog/chart"
)

// ChartRow is one persisted chart.
type ChartRow struct {
	Ref       chart.Reference
	ParentRef *chart.Reference
	OwnerID   string
	State     []byte
	Paused    bool
}

// InsertChart creates the chart row. A reference already in use yields a
// ConflictError.
func (s *Store) InsertChart(ctx context.Context, row ChartRow) error {
	var parentMachine, parentChart sql.NullString
	if row.ParentRef != nil {
		parentMachine = sql.NullString{String: row.ParentRef.MachineID, Valid: true}
		parentChart = sql.NullString{String: row.ParentRef.ChartID, Valid: true}
	}
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO charts
		  (timestamp, ownerId, machineId, chartId, parentMachineId, parentChartId, state, paused)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nowMillis(), row.OwnerID, row.Ref.MachineID, row.Ref.ChartID,
		parentMachine, parentChart, row.State, row.Paused)
	return classify(fmt.Sprintf("inserting chart %s", row.Ref), err)
}

// ReadChart reads one chart row.
func (s *Store) ReadChart(ctx context.Context, ref chart.Reference) (ChartRow, error) {
	var row = ChartRow{Ref: ref}
	var parentMachine, parentChart sql.NullString

	var err = s.db.QueryRowContext(ctx, `
		SELECT ownerId, parentMachineId, parentChartId, state, paused
		FROM charts WHERE machineId = ? AND chartId = ?`,
		ref.MachineID, ref.ChartID,
	).Scan(&row.OwnerID, &parentMachine, &parentChart, &row.State, &row.Paused)
	if err != nil {
		return ChartRow{}, classify(fmt.Sprintf("reading chart %s", ref), err)
	}
	if parentMachine.Valid && parentChart.Valid {
		row.ParentRef = &chart.Reference{
			MachineID: parentMachine.String,
			ChartID:   parentChart.String,
		}
	}
	return row, nil
}

// UpdateChartState replaces the chart's opaque state snapshot.
func (s *Store) UpdateChartState(ctx context.Context, ref chart.Reference, state []byte) error {
	var res, err = s.db.ExecContext(ctx, `
		UPDATE charts SET state = ?, timestamp = ?
		WHERE machineId = ? AND chartId = ?`,
		state, nowMillis(), ref.MachineID, ref.ChartID)
	if err != nil {
		return classify(fmt.Sprintf("updating chart %s", ref), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Op: fmt.Sprintf("updating chart %s", ref)}
	}
	return nil
}

// DeleteChart removes the chart row together with its deferred events,
// external ids, activity markers and digests, in one transaction.
func (s *Store) DeleteChart(ctx context.Context, ref chart.Reference) error {
	var err = s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM deferredEvents WHERE machineId = ? AND chartId = ?`,
			ref.MachineID, ref.ChartID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM externalId WHERE machineId = ? AND chartId = ?`,
			ref.MachineID, ref.ChartID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ongoingActivities WHERE machineId = ? AND chartId = ?`,
			ref.MachineID, ref.ChartID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM digests WHERE machineId = ? AND chartId = ?`,
			ref.MachineID, ref.ChartID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM charts WHERE machineId = ? AND chartId = ?`,
			ref.MachineID, ref.ChartID)
		return err
	})
	return classify(fmt.Sprintf("deleting chart %s", ref), err)
}

// GentlyAdoptCharts adopts every paused chart that has no ongoing
// activity: those charts are idle and can change hands without tearing a
// side effect. Returns the adopted references. Idempotent; the idle
// criterion re-checks on every call.
func (s *Store) GentlyAdoptCharts(ctx context.Context, selfID string) ([]chart.Reference, error) {
	var refs []chart.Reference
	var err = s.WithTransaction(ctx, func(tx *sql.Tx) error {
		refs = refs[:0]
		var rows, err = tx.QueryContext(ctx, `
			UPDATE charts SET ownerId = ?, paused = 0
			WHERE paused = 1 AND NOT EXISTS (
			  SELECT 1 FROM ongoingActivities a
			  WHERE a.machineId = charts.machineId AND a.chartId = charts.chartId
			)
			RETURNING machineId, chartId`, selfID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ref chart.Reference
			if err = rows.Scan(&ref.MachineID, &ref.ChartID); err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("gently adopting charts", err)
	}
	return refs, nil
}

// ForciblyAdoptCharts wipes the activity markers of every still-paused
// chart and takes ownership of them. Used when the adoption grace period
// expires; the previous owner is treated as dead, so its leftover
// deferred-event locks on these charts are released as well.
func (s *Store) ForciblyAdoptCharts(ctx context.Context, selfID string) ([]chart.Reference, error) {
	var refs []chart.Reference
	var err = s.WithTransaction(ctx, func(tx *sql.Tx) error {
		refs = refs[:0]
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM ongoingActivities WHERE EXISTS (
			  SELECT 1 FROM charts c
			  WHERE c.machineId = ongoingActivities.machineId
			    AND c.chartId = ongoingActivities.chartId
			    AND c.paused = 1
			)`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE deferredEvents SET lock = NULL
			WHERE lock IS NOT NULL AND lock != ? AND EXISTS (
			  SELECT 1 FROM charts c
			  WHERE c.machineId = deferredEvents.machineId
			    AND c.chartId = deferredEvents.chartId
			    AND c.paused = 1
			)`, selfID); err != nil {
			return err
		}
		var rows, err = tx.QueryContext(ctx, `
			UPDATE charts SET ownerId = ?, paused = 0
			WHERE paused = 1
			RETURNING machineId, chartId`, selfID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ref chart.Reference
			if err = rows.Scan(&ref.MachineID, &ref.ChartID); err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("forcibly adopting charts", err)
	}
	return refs, nil
}

// CountPausedCharts counts charts awaiting adoption.
func (s *Store) CountPausedCharts(ctx context.Context) (int, error) {
	var n int
	var err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM charts WHERE paused = 1`).Scan(&n)
	return n, classify("counting paused charts", err)
}

// PauseOwnCharts pauses every chart owned by selfID so a later instance
// can adopt them. Called on voluntary shutdown; after an overthrow the
// successor has already paused them and this is a no-op.
func (s *Store) PauseOwnCharts(ctx context.Context, selfID string) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE charts SET paused = 1 WHERE ownerId = ?`, selfID)
	return classify("pausing own charts", err)
}

// CountChartsOwnedBy counts every chart still registered to selfID,
// paused or not. Drops to zero once a successor has adopted them all.
func (s *Store) CountChartsOwnedBy(ctx context.Context, selfID string) (int, error) {
	var n int
	var err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM charts WHERE ownerId = ?`, selfID).Scan(&n)
	return n, classify("counting charts owned", err)
}

// CountOwnCharts counts charts owned by selfID and not paused.
func (s *Store) CountOwnCharts(ctx context.Context, selfID string) (int, error) {
	var n int
	var err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM charts WHERE ownerId = ? AND paused = 0`, selfID).Scan(&n)
	return n, classify("counting own charts", err)
}

// ChartOwner reads the current owner of a chart.
func (s *Store) ChartOwner(ctx context.Context, ref chart.Reference) (string, error) {
	var owner string
	var err = s.db.QueryRowContext(ctx,
		`SELECT ownerId FROM charts WHERE machineId = ? AND chartId = ?`,
		ref.MachineID, ref.ChartID).Scan(&owner)
	return owner, classify(fmt.Sprintf("reading owner of %s", ref), err)
}
