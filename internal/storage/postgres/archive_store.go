// Package postgres provides a Postgres-backed ArchiveStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

const defaultTable = "archive_snapshots"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for archive snapshots.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ArchiveStore keeps every saved archive as an append-only snapshot row; Load
// returns the newest one.
//
//	CREATE TABLE archive_snapshots (
//		id         UUID PRIMARY KEY,
//		updated_at TIMESTAMPTZ NOT NULL,
//		listings   INTEGER NOT NULL,
//		payload    JSONB NOT NULL
//	);
type ArchiveStore struct {
	pool   pool
	table  string
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// New connects to Postgres and ensures the snapshot table exists.
func New(ctx context.Context, cfg Config, ids crawler.IDGenerator, logger *zap.Logger) (*ArchiveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table, ids, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, ids crawler.IDGenerator, logger *zap.Logger) (*ArchiveStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveStore{pool: p, table: table, ids: ids, logger: logger}, nil
}

// EnsureSchema creates the snapshot table when missing.
func (s *ArchiveStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	updated_at TIMESTAMPTZ NOT NULL,
	listings INTEGER NOT NULL,
	payload JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create snapshot table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ArchiveStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Load returns the newest snapshot, or an empty archive when there is none.
func (s *ArchiveStore) Load(ctx context.Context) (crawler.Archive, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s ORDER BY updated_at DESC, id DESC LIMIT 1`, s.table)
	var payload []byte
	err := s.pool.QueryRow(ctx, query).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Info("no archive snapshot found, starting fresh", zap.String("table", s.table))
		return crawler.NewArchive(nil, time.Time{}), nil
	}
	if err != nil {
		return crawler.Archive{}, fmt.Errorf("select latest snapshot: %w", err)
	}
	archive, err := crawler.DecodeArchive(payload)
	if errors.Is(err, crawler.ErrCorruptArchive) {
		s.logger.Info("latest snapshot unreadable, starting fresh", zap.String("table", s.table), zap.Error(err))
		return crawler.NewArchive(nil, time.Time{}), nil
	}
	return archive, err
}

// Save inserts a new snapshot row.
func (s *ArchiveStore) Save(ctx context.Context, archive crawler.Archive) error {
	payload, err := crawler.EncodeArchive(archive)
	if err != nil {
		return err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate snapshot id: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, updated_at, listings, payload) VALUES ($1, $2, $3, $4)`, s.table)
	if _, err := s.pool.Exec(ctx, query, id, archive.UpdatedAt, len(archive.Results), payload); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}
