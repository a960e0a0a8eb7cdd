package challenge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/majorcontext/origin/internal/attest"
)

// SQLiteCache persists challenge records in a SQLite database so a restarted
// verifier does not refetch them.
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache opens or creates a cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCache{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS challenge_records (
			process_id TEXT    NOT NULL,
			slot       INTEGER NOT NULL,
			challenge  TEXT    NOT NULL,
			record     TEXT    NOT NULL,
			PRIMARY KEY (process_id, slot)
		);
		CREATE INDEX IF NOT EXISTS idx_challenge_records_challenge ON challenge_records(challenge);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// Get returns the cached record or ErrNotFound.
func (c *SQLiteCache) Get(ctx context.Context, processID string, slot uint64) (*attest.ChallengeRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT record FROM challenge_records WHERE process_id = ? AND slot = ?
	`, processID, int64(slot)) //nolint:gosec // slots fit in int64

	var data string
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}

	var rec attest.ChallengeRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

// Put stores rec. Existing entries are left untouched since records never
// change.
func (c *SQLiteCache) Put(ctx context.Context, rec *attest.ChallengeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO challenge_records (process_id, slot, challenge, record)
		VALUES (?, ?, ?, ?)
	`, rec.ProcessID, int64(rec.Slot), rec.Challenge.String(), string(data)) //nolint:gosec // slots fit in int64
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

// Count returns the number of cached records.
func (c *SQLiteCache) Count() uint64 {
	var count uint64
	c.db.QueryRow(`SELECT COUNT(*) FROM challenge_records`).Scan(&count)
	return count
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
