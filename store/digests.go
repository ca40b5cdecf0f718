package store

import (
	"context"
	"fmt"
	"time"

	"github.com/samihult/xjog/chart"
)

// DigestRow is one derived key/value attached to a chart, maintained by a
// digest update hook and queried through Filter trees.
type DigestRow struct {
	Ref       chart.Reference
	Key       string
	Value     string
	Created   time.Time
	Timestamp time.Time
}

// UpsertDigest writes (or refreshes) one digest value and publishes a
// new-digest-entry notification.
func (s *Store) UpsertDigest(ctx context.Context, ref chart.Reference, key, value string) error {
	var now = nowMillis()
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO digests (created, timestamp, machineId, chartId, key, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (machineId, chartId, key)
		DO UPDATE SET value = excluded.value, timestamp = excluded.timestamp`,
		now, now, ref.MachineID, ref.ChartID, key, value)
	if err != nil {
		return classify(fmt.Sprintf("upserting digest %s of %s", key, ref), err)
	}
	s.notifier.Publish(Notification{Channel: ChannelNewDigestEntry, Ref: ref})
	return nil
}

// DeleteDigest removes one digest key of a chart. Idempotent.
func (s *Store) DeleteDigest(ctx context.Context, ref chart.Reference, key string) error {
	var _, err = s.db.ExecContext(ctx,
		`DELETE FROM digests WHERE machineId = ? AND chartId = ? AND key = ?`,
		ref.MachineID, ref.ChartID, key)
	return classify(fmt.Sprintf("deleting digest %s of %s", key, ref), err)
}

// DeleteAllDigests removes every digest of a chart.
func (s *Store) DeleteAllDigests(ctx context.Context, ref chart.Reference) error {
	var _, err = s.db.ExecContext(ctx,
		`DELETE FROM digests WHERE machineId = ? AND chartId = ?`,
		ref.MachineID, ref.ChartID)
	return classify(fmt.Sprintf("deleting digests of %s", ref), err)
}

// ReadDigests reads all digests of one chart.
func (s *Store) ReadDigests(ctx context.Context, ref chart.Reference) ([]DigestRow, error) {
	var rows, err = s.db.QueryContext(ctx, `
		SELECT created, timestamp, key, value FROM digests
		WHERE machineId = ? AND chartId = ?
		ORDER BY key ASC`,
		ref.MachineID, ref.ChartID)
	if err != nil {
		return nil, classify("reading digests", err)
	}
	defer rows.Close()

	var out []DigestRow
	for rows.Next() {
		var d = DigestRow{Ref: ref}
		var created, ts int64
		if err = rows.Scan(&created, &ts, &d.Key, &d.Value); err != nil {
			return nil, classify("reading digests", err)
		}
		d.Created, d.Timestamp = time.UnixMilli(created), time.UnixMilli(ts)
		out = append(out, d)
	}
	return out, classify("reading digests", rows.Err())
}

// QueryCharts returns the references of charts whose digests and metadata
// satisfy the filter. The candidate set is loaded with plain SQL; the
// boolean tree (which may contain regular expressions) is evaluated in
// process.
func (s *Store) QueryCharts(ctx context.Context, f Filter) ([]chart.Reference, error) {
	var rows, err = s.db.QueryContext(ctx, `
		SELECT machineId, chartId, timestamp FROM charts ORDER BY machineId, chartId`)
	if err != nil {
		return nil, classify("querying charts", err)
	}
	defer rows.Close()

	type candidate struct {
		ref     chart.Reference
		updated time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var ts int64
		if err = rows.Scan(&c.ref.MachineID, &c.ref.ChartID, &ts); err != nil {
			return nil, classify("querying charts", err)
		}
		c.updated = time.UnixMilli(ts)
		candidates = append(candidates, c)
	}
	if err = rows.Err(); err != nil {
		return nil, classify("querying charts", err)
	}

	var out []chart.Reference
	for _, c := range candidates {
		var subject, err = s.loadFilterSubject(ctx, c.ref, c.updated)
		if err != nil {
			return nil, err
		}
		if f == nil || f.Match(subject) {
			out = append(out, c.ref)
		}
	}
	return out, nil
}

func (s *Store) loadFilterSubject(
	ctx context.Context, ref chart.Reference, updated time.Time,
) (FilterSubject, error) {
	var digests, err = s.ReadDigests(ctx, ref)
	if err != nil {
		return FilterSubject{}, err
	}
	externalIDs, err := s.ExternalIDsOfChart(ctx, ref)
	if err != nil {
		return FilterSubject{}, err
	}

	var subject = FilterSubject{
		Ref:         ref,
		Updated:     updated,
		Digests:     make(map[string]string, len(digests)),
		ExternalIDs: externalIDs,
	}
	for _, d := range digests {
		subject.Digests[d.Key] = d.Value
		if subject.Created.IsZero() || d.Created.Before(subject.Created) {
			subject.Created = d.Created
		}
	}
	return subject, nil
}
