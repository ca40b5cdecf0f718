package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/samihult/xjog/chart"
)

// RegisterActivity inserts the activity marker row consulted by adoption.
// Registering an already-registered activity is a no-op.
func (s *Store) RegisterActivity(ctx context.Context, ref chart.Reference, activityID string) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO ongoingActivities (machineId, chartId, activityId)
		VALUES (?, ?, ?)
		ON CONFLICT (machineId, chartId, activityId) DO NOTHING`,
		ref.MachineID, ref.ChartID, activityID)
	return classify(fmt.Sprintf("registering activity %s of %s", activityID, ref), err)
}

// UnregisterActivity drops the marker row. Idempotent.
func (s *Store) UnregisterActivity(ctx context.Context, ref chart.Reference, activityID string) error {
	var _, err = s.db.ExecContext(ctx, `
		DELETE FROM ongoingActivities
		WHERE machineId = ? AND chartId = ? AND activityId = ?`,
		ref.MachineID, ref.ChartID, activityID)
	return classify(fmt.Sprintf("unregistering activity %s of %s", activityID, ref), err)
}

// IsActivityRegistered reports whether the marker row exists.
func (s *Store) IsActivityRegistered(ctx context.Context, ref chart.Reference, activityID string) (bool, error) {
	var one int
	var err = s.db.QueryRowContext(ctx, `
		SELECT 1 FROM ongoingActivities
		WHERE machineId = ? AND chartId = ? AND activityId = ?`,
		ref.MachineID, ref.ChartID, activityID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, classify("reading activity registration", err)
}

// CountActivities counts marker rows for the chart.
func (s *Store) CountActivities(ctx context.Context, ref chart.Reference) (int, error) {
	var n int
	var err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ongoingActivities WHERE machineId = ? AND chartId = ?`,
		ref.MachineID, ref.ChartID).Scan(&n)
	return n, classify("counting activities", err)
}
