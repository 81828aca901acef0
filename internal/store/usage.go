// Package store provides the SQLite-backed persistence layer: the
// append-only usage ledger and the encrypted policy store.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS samples (
    app        TEXT    NOT NULL,
    ts_unix    INTEGER NOT NULL,
    sent_delta INTEGER NOT NULL,
    recv_delta INTEGER NOT NULL,
    PRIMARY KEY (app, ts_unix)
);
CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples (ts_unix);

CREATE TABLE IF NOT EXISTS counters (
    app        TEXT    NOT NULL PRIMARY KEY,
    sent_total INTEGER NOT NULL,
    recv_total INTEGER NOT NULL,
    seen_unix  INTEGER NOT NULL
);
`

// UsageStore implements domain.UsageStore on a local SQLite database.
// The samples table is the append-only ledger; the counters table keeps
// the last cumulative snapshot per application so delta computation
// survives daemon restarts.
type UsageStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenUsage opens (creating if needed) the usage database at path.
func OpenUsage(path string, logger *zap.Logger) (*UsageStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open usage db: %v", domain.ErrStoreUnavailable, err)
	}

	// One writer (the daemon tick); readers are short-lived CLI queries.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, pragma, err)
		}
	}

	if _, err := db.Exec(usageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create usage schema: %v", domain.ErrStoreUnavailable, err)
	}

	return &UsageStore{db: db, logger: logger}, nil
}

// AppendTick persists one tick's samples and the new cumulative baseline
// in a single transaction. A crash between ticks loses at most the
// in-flight tick, never previously committed samples.
func (s *UsageStore) AppendTick(samples []domain.Sample, baseline domain.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin tick tx: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	insertSample, err := tx.Prepare(
		`INSERT OR IGNORE INTO samples (app, ts_unix, sent_delta, recv_delta) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare sample insert: %v", domain.ErrStoreUnavailable, err)
	}
	defer insertSample.Close()

	for _, sample := range samples {
		_, err := insertSample.Exec(string(sample.App), sample.Timestamp.Unix(),
			int64(sample.SentDelta), int64(sample.RecvDelta))
		if err != nil {
			return fmt.Errorf("%w: insert sample for %s: %v", domain.ErrStoreUnavailable, sample.App, err)
		}
	}

	upsertCounter, err := tx.Prepare(`
		INSERT INTO counters (app, sent_total, recv_total, seen_unix) VALUES (?, ?, ?, ?)
		ON CONFLICT (app) DO UPDATE SET
			sent_total = excluded.sent_total,
			recv_total = excluded.recv_total,
			seen_unix  = excluded.seen_unix`)
	if err != nil {
		return fmt.Errorf("%w: prepare counter upsert: %v", domain.ErrStoreUnavailable, err)
	}
	defer upsertCounter.Close()

	now := time.Now().Unix()
	for app, c := range baseline {
		_, err := upsertCounter.Exec(string(app), int64(c.Sent), int64(c.Recv), now)
		if err != nil {
			return fmt.Errorf("%w: upsert counters for %s: %v", domain.ErrStoreUnavailable, app, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tick: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// QueryRange returns samples with timestamp in [start, end) in ascending
// timestamp order. An empty app selects all applications.
func (s *UsageStore) QueryRange(app domain.AppID, start, end time.Time) ([]domain.Sample, error) {
	query := `SELECT app, ts_unix, sent_delta, recv_delta FROM samples
		WHERE ts_unix >= ? AND ts_unix < ?`
	args := []any{start.Unix(), end.Unix()}
	if app != "" {
		query += ` AND app = ?`
		args = append(args, string(app))
	}
	query += ` ORDER BY ts_unix ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query samples: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var samples []domain.Sample
	for rows.Next() {
		var (
			name       string
			tsUnix     int64
			sent, recv int64
		)
		if err := rows.Scan(&name, &tsUnix, &sent, &recv); err != nil {
			return nil, fmt.Errorf("%w: scan sample: %v", domain.ErrStoreUnavailable, err)
		}
		samples = append(samples, domain.Sample{
			App:       domain.AppID(name),
			Timestamp: time.Unix(tsUnix, 0),
			SentDelta: uint64(sent),
			RecvDelta: uint64(recv),
		})
	}
	return samples, rows.Err()
}

// UsageSince sums deltas of all samples at or after since, grouped by
// application. Applications whose total in range is zero are excluded.
func (s *UsageStore) UsageSince(since time.Time) (map[domain.AppID]domain.AggregateUsage, error) {
	rows, err := s.db.Query(`
		SELECT app, SUM(sent_delta), SUM(recv_delta)
		FROM samples
		WHERE ts_unix >= ?
		GROUP BY app
		HAVING SUM(sent_delta) + SUM(recv_delta) > 0`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate usage: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	now := time.Now()
	usage := make(map[domain.AppID]domain.AggregateUsage)
	for rows.Next() {
		var (
			name       string
			sent, recv int64
		)
		if err := rows.Scan(&name, &sent, &recv); err != nil {
			return nil, fmt.Errorf("%w: scan aggregate: %v", domain.ErrStoreUnavailable, err)
		}
		app := domain.AppID(name)
		usage[app] = domain.AggregateUsage{
			App:         app,
			WindowStart: since,
			WindowEnd:   now,
			TotalSent:   uint64(sent),
			TotalRecv:   uint64(recv),
		}
	}
	return usage, rows.Err()
}

// Baseline returns the last persisted cumulative snapshot.
func (s *UsageStore) Baseline() (domain.Snapshot, error) {
	rows, err := s.db.Query(`SELECT app, sent_total, recv_total FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("%w: read counters: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	snap := make(domain.Snapshot)
	for rows.Next() {
		var (
			name       string
			sent, recv int64
		)
		if err := rows.Scan(&name, &sent, &recv); err != nil {
			return nil, fmt.Errorf("%w: scan counters: %v", domain.ErrStoreUnavailable, err)
		}
		snap[domain.AppID(name)] = domain.Counters{Sent: uint64(sent), Recv: uint64(recv)}
	}
	return snap, rows.Err()
}

// Close closes the underlying database.
func (s *UsageStore) Close() error {
	return s.db.Close()
}

// Ensure UsageStore implements domain.UsageStore.
var _ domain.UsageStore = (*UsageStore)(nil)
