package store

import (
	"context"
	"database/sql"
	"time"

	log "github.com/sirupsen/logrus"
)

// OverthrowOtherInstances flags every existing instance as dying, pauses
// every chart, and registers selfID as the sole live instance, all in one
// transaction. After commit any other running engine sees itself flagged
// and must drain.
func (s *Store) OverthrowOtherInstances(ctx context.Context, selfID string) error {
	var err = s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE instances SET dying = 1`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE charts SET paused = 1`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO instances (timestamp, instanceId, dying) VALUES (?, ?, 0)`,
			nowMillis(), selfID)
		return err
	})
	return classify("overthrowing other instances", err)
}

// RemoveInstance deletes this instance's registration row.
func (s *Store) RemoveInstance(ctx context.Context, selfID string) error {
	var _, err = s.db.ExecContext(ctx,
		`DELETE FROM instances WHERE instanceId = ?`, selfID)
	return classify("removing instance", err)
}

// CountAliveInstances counts instances not flagged dying.
func (s *Store) CountAliveInstances(ctx context.Context) (int, error) {
	var n int
	var err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE dying = 0`).Scan(&n)
	return n, classify("counting alive instances", err)
}

// CountInstances counts all instance rows.
func (s *Store) CountInstances(ctx context.Context) (int, error) {
	var n int
	var err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances`).Scan(&n)
	return n, classify("counting instances", err)
}

// IsInstanceDying reads the dying flag of selfID. A missing row reads as
// dying: the instance has been removed and must not continue.
func (s *Store) IsInstanceDying(ctx context.Context, selfID string) (bool, error) {
	var dying bool
	var err = s.db.QueryRowContext(ctx,
		`SELECT dying FROM instances WHERE instanceId = ?`, selfID).Scan(&dying)
	if err == sql.ErrNoRows {
		return true, nil
	}
	return dying, classify("reading instance dying flag", err)
}

// OnDeathNote watches the dying flag of selfID and invokes cb exactly
// once when it flips. Best-effort within the store's poll interval; the
// watch stops when ctx is cancelled or after cb fires.
func (s *Store) OnDeathNote(ctx context.Context, selfID string, cb func()) {
	go func() {
		var ticker = time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			var dying, err = s.IsInstanceDying(ctx, selfID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithFields(log.Fields{
					"instance": selfID,
					"error":    err,
				}).Warn("death note poll failed")
				continue
			}
			if dying {
				cb()
				return
			}
		}
	}()
}
