package store

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

const policySchema = `
CREATE TABLE IF NOT EXISTS policy (
    app          TEXT NOT NULL PRIMARY KEY,
    path         TEXT NOT NULL,
    state        TEXT NOT NULL,
    last_changed INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT NOT NULL PRIMARY KEY,
    value TEXT NOT NULL
);
`

const defaultStateKey = "default_state"

// PolicyStore implements domain.PolicyStore on an encrypted SQLite
// database (SQLCipher). Encryption keeps the block list from being
// trivially edited out from under the enforcer.
type PolicyStore struct {
	db *sql.DB
}

// OpenPolicy opens (creating if needed) the policy database at path,
// encrypted with the given 256-bit key.
func OpenPolicy(path string, key []byte) (*PolicyStore, error) {
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
		path, hex.EncodeToString(key))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open policy db: %v", domain.ErrStoreUnavailable, err)
	}

	// A wrong key only surfaces on first read.
	if _, err := db.Exec(policySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create policy schema (wrong key?): %v", domain.ErrStoreUnavailable, err)
	}

	return &PolicyStore{db: db}, nil
}

// Set upserts the entry for one application.
func (s *PolicyStore) Set(entry domain.PolicyEntry) error {
	if entry.LastChanged.IsZero() {
		entry.LastChanged = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO policy (app, path, state, last_changed) VALUES (?, ?, ?, ?)
		ON CONFLICT (app) DO UPDATE SET
			path         = excluded.path,
			state        = excluded.state,
			last_changed = excluded.last_changed`,
		string(entry.App), entry.Path, string(entry.State), entry.LastChanged.Unix())
	if err != nil {
		return fmt.Errorf("%w: set policy for %s: %v", domain.ErrStoreUnavailable, entry.App, err)
	}
	return nil
}

// SetAll sets every known entry plus the given extras to state, and
// flips the default for applications first seen afterwards. One
// transaction: readers never observe a half-toggled store.
func (s *PolicyStore) SetAll(state domain.PolicyState, extra []domain.PolicyEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin bulk toggle: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, entry := range extra {
		_, err := tx.Exec(`INSERT OR IGNORE INTO policy (app, path, state, last_changed) VALUES (?, ?, ?, ?)`,
			string(entry.App), entry.Path, string(state), now)
		if err != nil {
			return fmt.Errorf("%w: insert entry for %s: %v", domain.ErrStoreUnavailable, entry.App, err)
		}
	}

	if _, err := tx.Exec(`UPDATE policy SET state = ?, last_changed = ?`, string(state), now); err != nil {
		return fmt.Errorf("%w: bulk update: %v", domain.ErrStoreUnavailable, err)
	}

	_, err = tx.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		defaultStateKey, string(state))
	if err != nil {
		return fmt.Errorf("%w: set default state: %v", domain.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit bulk toggle: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the state for app, or the store default when absent.
func (s *PolicyStore) Get(app domain.AppID) (domain.PolicyState, error) {
	entry, err := s.GetEntry(app)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return s.DefaultState()
	}
	return entry.State, nil
}

// GetEntry returns the stored entry, or nil when absent.
func (s *PolicyStore) GetEntry(app domain.AppID) (*domain.PolicyEntry, error) {
	row := s.db.QueryRow(`SELECT app, path, state, last_changed FROM policy WHERE app = ?`, string(app))
	entry, err := scanPolicyEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get policy for %s: %v", domain.ErrStoreUnavailable, app, err)
	}
	return entry, nil
}

// List returns all entries currently in the given state.
func (s *PolicyStore) List(state domain.PolicyState) ([]domain.PolicyEntry, error) {
	return s.queryEntries(`SELECT app, path, state, last_changed FROM policy WHERE state = ? ORDER BY app`,
		string(state))
}

// Entries returns every stored entry.
func (s *PolicyStore) Entries() ([]domain.PolicyEntry, error) {
	return s.queryEntries(`SELECT app, path, state, last_changed FROM policy ORDER BY app`)
}

// DefaultState is the state applied to applications with no entry.
// Allowed unless a block-all flipped it.
func (s *PolicyStore) DefaultState() (domain.PolicyState, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, defaultStateKey).Scan(&value)
	if err == sql.ErrNoRows {
		return domain.StateAllowed, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read default state: %v", domain.ErrStoreUnavailable, err)
	}
	return domain.PolicyState(value), nil
}

// Close closes the underlying database.
func (s *PolicyStore) Close() error {
	return s.db.Close()
}

func (s *PolicyStore) queryEntries(query string, args ...any) ([]domain.PolicyEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list policy: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []domain.PolicyEntry
	for rows.Next() {
		entry, err := scanPolicyEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan policy: %v", domain.ErrStoreUnavailable, err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicyEntry(row rowScanner) (*domain.PolicyEntry, error) {
	var (
		app, path, state string
		changedUnix      int64
	)
	if err := row.Scan(&app, &path, &state, &changedUnix); err != nil {
		return nil, err
	}
	return &domain.PolicyEntry{
		App:         domain.AppID(app),
		Path:        path,
		State:       domain.PolicyState(state),
		LastChanged: time.Unix(changedUnix, 0),
	}, nil
}

// Ensure PolicyStore implements domain.PolicyStore.
var _ domain.PolicyStore = (*PolicyStore)(nil)
