// Package sqlite provides an ArchiveStore backed by a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
    url        TEXT PRIMARY KEY,
    position   INTEGER NOT NULL,
    title      TEXT NOT NULL,
    location   TEXT NOT NULL,
    date       TEXT NOT NULL,
    scraped_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_listings_position ON listings(position);
CREATE TABLE IF NOT EXISTS archive_meta (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    updated_at TEXT NOT NULL
);
`

// ArchiveStore keeps one row per listing plus a single metadata row. Save
// replaces the whole table in one transaction.
type ArchiveStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*ArchiveStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// modernc sqlite uses DSN like: file:foo.db?_pragma=busy_timeout(5000)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite wants a single writer
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &ArchiveStore{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *ArchiveStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Load reads every listing in archive order.
func (s *ArchiveStore) Load(ctx context.Context) (crawler.Archive, error) {
	var updatedRaw string
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM archive_meta WHERE id = 1`).Scan(&updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Info("no archive metadata found, starting fresh")
		return crawler.NewArchive(nil, time.Time{}), nil
	}
	if err != nil {
		return crawler.Archive{}, fmt.Errorf("select archive metadata: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updatedRaw)
	if err != nil {
		s.logger.Info("archive metadata unreadable, starting fresh", zap.Error(err))
		return crawler.NewArchive(nil, time.Time{}), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT title, location, date, scraped_at, url FROM listings ORDER BY position ASC`)
	if err != nil {
		return crawler.Archive{}, fmt.Errorf("select listings: %w", err)
	}
	defer rows.Close()

	var results []crawler.Listing
	for rows.Next() {
		var (
			l          crawler.Listing
			scrapedRaw string
		)
		if err := rows.Scan(&l.Title, &l.Location, &l.Date, &scrapedRaw, &l.URL); err != nil {
			return crawler.Archive{}, fmt.Errorf("scan listing: %w", err)
		}
		if l.ScrapedAt, err = time.Parse(time.RFC3339Nano, scrapedRaw); err != nil {
			s.logger.Info("listing has unreadable scraped_at, starting fresh", zap.String("url", l.URL), zap.Error(err))
			return crawler.NewArchive(nil, time.Time{}), nil
		}
		results = append(results, l)
	}
	if err := rows.Err(); err != nil {
		return crawler.Archive{}, fmt.Errorf("iterate listings: %w", err)
	}
	return crawler.NewArchive(results, updatedAt), nil
}

// Save replaces the stored archive.
func (s *ArchiveStore) Save(ctx context.Context, archive crawler.Archive) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM listings`); err != nil {
		return fmt.Errorf("clear listings: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO listings (url, position, title, location, date, scraped_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, l := range archive.Results {
		if _, err = stmt.ExecContext(ctx,
			l.URL, i, l.Title, l.Location, l.Date, l.ScrapedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert listing %s: %w", l.URL, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO archive_meta (id, updated_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		archive.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upsert archive metadata: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}
