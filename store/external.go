package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/samihult/xjog/chart"
)

// RegisterExternalID associates (key, value) with a chart. The pair is
// unique per database; re-registering an existing pair for a different
// chart yields a ConflictError.
func (s *Store) RegisterExternalID(ctx context.Context, key, value string, ref chart.Reference) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO externalId (key, value, machineId, chartId)
		VALUES (?, ?, ?, ?)`,
		key, value, ref.MachineID, ref.ChartID)
	return classify(fmt.Sprintf("registering external id (%s, %s)", key, value), err)
}

// DropExternalID removes the association. Idempotent.
func (s *Store) DropExternalID(ctx context.Context, key, value string) error {
	var _, err = s.db.ExecContext(ctx,
		`DELETE FROM externalId WHERE key = ? AND value = ?`, key, value)
	return classify(fmt.Sprintf("dropping external id (%s, %s)", key, value), err)
}

// ChartByExternalID resolves (key, value) to its chart reference, or
// (zero, false) when no association exists.
func (s *Store) ChartByExternalID(ctx context.Context, key, value string) (chart.Reference, bool, error) {
	var ref chart.Reference
	var err = s.db.QueryRowContext(ctx,
		`SELECT machineId, chartId FROM externalId WHERE key = ? AND value = ?`,
		key, value).Scan(&ref.MachineID, &ref.ChartID)
	if err == sql.ErrNoRows {
		return chart.Reference{}, false, nil
	}
	if err != nil {
		return chart.Reference{}, false, classify("resolving external id", err)
	}
	return ref, true, nil
}

// ExternalIDsOfChart lists the (key, value) pairs registered for a chart.
func (s *Store) ExternalIDsOfChart(ctx context.Context, ref chart.Reference) (map[string]string, error) {
	var rows, err = s.db.QueryContext(ctx,
		`SELECT key, value FROM externalId WHERE machineId = ? AND chartId = ?`,
		ref.MachineID, ref.ChartID)
	if err != nil {
		return nil, classify("listing external ids", err)
	}
	defer rows.Close()

	var out = make(map[string]string)
	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return nil, classify("listing external ids", err)
		}
		out[k] = v
	}
	return out, classify("listing external ids", rows.Err())
}
