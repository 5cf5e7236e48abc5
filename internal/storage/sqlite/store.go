package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ledgerstream/internal/document"
	"ledgerstream/internal/domain"
	"ledgerstream/internal/storage"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sink_records (
	identity TEXT NOT NULL,
	sort_key TEXT NOT NULL,
	attributes_json TEXT NOT NULL,
	PRIMARY KEY (identity, sort_key)
);

CREATE TABLE IF NOT EXISTS shard_checkpoints (
	shard_id TEXT PRIMARY KEY,
	sequence_number TEXT NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);
`

// Store keeps the projection and shard checkpoints in one SQLite file.
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{path: filepath.Join(baseDir, "ledgerstream.db")}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Upsert replaces any row with the same identity and sort key. A replay writes
// the same row again; nothing outside the sink record is stored.
func (s *Store) Upsert(ctx context.Context, rec storage.SinkRecord) error {
	if len(rec.Key.Identity) == 0 {
		return storage.ErrMissingIdentity
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	attrs, err := document.FieldsJSON(rec.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO sink_records(identity, sort_key, attributes_json)
VALUES(?, ?, ?)
ON CONFLICT(identity, sort_key)
DO UPDATE SET attributes_json=excluded.attributes_json`,
		rec.Key.IdentityString(), rec.Key.SortKey, string(attrs))
	return err
}

func (s *Store) GetCheckpoint(ctx context.Context, shardID string) (domain.Checkpoint, bool, error) {
	db, err := s.handle()
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	cp := domain.Checkpoint{ShardID: shardID}
	var updated int64
	err = db.QueryRowContext(ctx, `SELECT sequence_number, updated_at_utc_ns FROM shard_checkpoints WHERE shard_id=?`, shardID).
		Scan(&cp.SequenceNumber, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	cp.UpdatedAt = time.Unix(0, updated).UTC()
	return cp, true, nil
}

func (s *Store) PutCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO shard_checkpoints(shard_id, sequence_number, updated_at_utc_ns) VALUES(?, ?, ?)
ON CONFLICT(shard_id) DO UPDATE SET sequence_number=excluded.sequence_number, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		cp.ShardID, cp.SequenceNumber, cp.UpdatedAt.UTC().UnixNano())
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := openSQLite(s.path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
