// Package store is the transactional persistence layer of the engine:
// instances, charts, deferred events, ongoing activities, external ids,
// digests, and the append-only journal tables consumed by package journal.
// It speaks portable SQL through database/sql with the bundled SQLite
// driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	log "github.com/sirupsen/logrus"
)

// SQLite is fickle about raced opens of a newly created database; ensure
// one sql.Open completes before the next starts.
var openMu sync.Mutex

// Store provides the persistence operations of the engine over one
// database.
type Store struct {
	db *sql.DB

	// PollInterval bounds the latency of change notifications that have
	// no listen/notify backing (death notes, journal entries).
	pollInterval time.Duration

	notifier *Notifier
}

// Option customizes an opened Store.
type Option func(*Store)

// WithPollInterval overrides the default 500ms notification poll.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollInterval = d }
}

// Open opens (and creates, if necessary) the database at path. The path
// is passed through to SQLite, so file paths, file: URIs and :memory:
// all work.
func Open(path string, opts ...Option) (*Store, error) {
	openMu.Lock()
	var db, err = sql.Open("sqlite3", path+sqliteParams(path))
	if err == nil {
		err = db.Ping()
	}
	openMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	// Serialized connection use sidesteps SQLITE_BUSY between this
	// process's own connections; cross-process contention is retried.
	db.SetMaxOpenConns(1)

	var s = &Store{
		db:           db,
		pollInterval: 500 * time.Millisecond,
		notifier:     NewNotifier(),
	}
	for _, o := range opts {
		o(s)
	}

	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	log.WithField("path", path).Info("opened xjog database")
	return s, nil
}

func sqliteParams(path string) string {
	var sep = "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return sep + "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.notifier.Close()
	return s.db.Close()
}

// DB exposes the raw handle for package journal, which shares this
// database.
func (s *Store) DB() *sql.DB { return s.db }

// Notifier is the in-process notification hub for this database.
func (s *Store) Notifier() *Notifier { return s.notifier }

// PollInterval is the configured notification poll period.
func (s *Store) PollInterval() time.Duration { return s.pollInterval }

// WithTransaction runs fn inside one database transaction, retrying
// transient (busy/locked) failures with exponential backoff. On any
// returned error the transaction is rolled back and the error propagates.
// Nested calls must not share transactions; fn receives the transaction
// it must use.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var attempt = func() error {
		var tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		if err = fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	}

	var policy = backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 5), ctx)

	return backoff.Retry(func() error {
		var err = attempt()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err // Retryable.
		}
		return backoff.Permanent(err)
	}, policy)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var msg = err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) migrate() error {
	var _, err = s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS instances (
  timestamp   INTEGER NOT NULL,
  instanceId  TEXT PRIMARY KEY,
  dying       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS charts (
  timestamp        INTEGER NOT NULL,
  ownerId          TEXT NOT NULL,
  machineId        TEXT NOT NULL,
  chartId          TEXT NOT NULL,
  parentMachineId  TEXT,
  parentChartId    TEXT,
  state            BLOB NOT NULL,
  paused           INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (machineId, chartId)
);

CREATE TABLE IF NOT EXISTS deferredEvents (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  machineId  TEXT NOT NULL,
  chartId    TEXT NOT NULL,
  eventId    TEXT NOT NULL,
  eventTo    TEXT,
  event      TEXT NOT NULL,
  timestamp  INTEGER NOT NULL,
  delay      INTEGER NOT NULL,
  due        INTEGER NOT NULL,
  lock       TEXT
);
CREATE INDEX IF NOT EXISTS deferredEventsChart
  ON deferredEvents (machineId, chartId);

CREATE TABLE IF NOT EXISTS ongoingActivities (
  machineId   TEXT NOT NULL,
  chartId     TEXT NOT NULL,
  activityId  TEXT NOT NULL,
  PRIMARY KEY (machineId, chartId, activityId)
);

CREATE TABLE IF NOT EXISTS externalId (
  key        TEXT NOT NULL,
  value      TEXT NOT NULL,
  machineId  TEXT NOT NULL,
  chartId    TEXT NOT NULL,
  PRIMARY KEY (key, value)
);
CREATE INDEX IF NOT EXISTS externalIdKey ON externalId (key);
CREATE INDEX IF NOT EXISTS externalIdChart ON externalId (machineId, chartId);

CREATE TABLE IF NOT EXISTS journalEntries (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  timestamp     INTEGER NOT NULL,
  machineId     TEXT NOT NULL,
  chartId       TEXT NOT NULL,
  event         BLOB,
  state         BLOB,
  context       BLOB,
  stateDelta    BLOB NOT NULL,
  contextDelta  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS journalEntriesChart
  ON journalEntries (machineId, chartId);

CREATE TABLE IF NOT EXISTS fullJournalStates (
  id               INTEGER NOT NULL,
  created          INTEGER NOT NULL,
  timestamp        INTEGER NOT NULL,
  ownerId          TEXT NOT NULL,
  machineId        TEXT NOT NULL,
  chartId          TEXT NOT NULL,
  parentMachineId  TEXT,
  parentChartId    TEXT,
  event            BLOB,
  state            BLOB,
  context          BLOB,
  PRIMARY KEY (machineId, chartId)
);

CREATE TABLE IF NOT EXISTS digests (
  created    INTEGER NOT NULL,
  timestamp  INTEGER NOT NULL,
  machineId  TEXT NOT NULL,
  chartId    TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      TEXT NOT NULL,
  PRIMARY KEY (machineId, chartId, key)
);
`

// nowMillis is the single clock of the store, stubbed in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
