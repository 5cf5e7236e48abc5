// Package postgres keeps a relational copy of the projection, one jsonb row
// per (identity, txTime).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"ledgerstream/internal/document"
	"ledgerstream/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// C is the part of a pool or connection the store runs statements on.
type C interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Config struct {
	DSN   string
	Table string
}

func (c *Config) withDefaults() {
	if c.Table == "" {
		c.Table = "ledger_revisions"
	}
}

func (c Config) Validate() error {
	if !tableName.MatchString(c.Table) {
		return fmt.Errorf("postgres table %q is not a plain identifier", c.Table)
	}
	return nil
}

// Open connects a pool and checks the first connection.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pgx connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, "SELECT 1"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening first pgx connection: %w", err)
	}
	return pool, nil
}

type Store struct {
	db    C
	table string
}

// NewStore creates the table if needed.
func NewStore(ctx context.Context, db C, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres connection is required")
	}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{db: db, table: pgx.Identifier{cfg.Table}.Sanitize()}
	if _, err := db.Exec(ctx, s.schema()); err != nil {
		return nil, fmt.Errorf("create %s: %w", cfg.Table, err)
	}
	return s, nil
}

func (s *Store) schema() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	identity TEXT NOT NULL,
	tx_time TEXT NOT NULL,
	attributes JSONB NOT NULL,
	PRIMARY KEY (identity, tx_time)
)`
}

// Upsert writes the row for rec's key. Replays store identical rows: the table
// holds nothing but the key and the sink record.
func (s *Store) Upsert(ctx context.Context, rec storage.SinkRecord) error {
	if len(rec.Key.Identity) == 0 {
		return storage.ErrMissingIdentity
	}
	attrs, err := document.FieldsJSON(rec.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO `+s.table+` (identity, tx_time, attributes)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (identity, tx_time)
DO UPDATE SET attributes = EXCLUDED.attributes`,
		rec.Key.IdentityString(), rec.Key.SortKey, string(attrs))
	return err
}
