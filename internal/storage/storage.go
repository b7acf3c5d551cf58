// Package storage selects the archive backend named by configuration.
// Backends live in the subpackages; each implements crawler.ArchiveStore.
package storage

import (
	"context"
	"fmt"

	gcsapi "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/config"
	"github.com/JakeFAU/jobs-archiver/internal/crawler"
	"github.com/JakeFAU/jobs-archiver/internal/storage/gcs"
	"github.com/JakeFAU/jobs-archiver/internal/storage/local"
	"github.com/JakeFAU/jobs-archiver/internal/storage/memory"
	"github.com/JakeFAU/jobs-archiver/internal/storage/postgres"
	"github.com/JakeFAU/jobs-archiver/internal/storage/sqlite"
)

// Store is an ArchiveStore that may hold connections.
type Store interface {
	crawler.ArchiveStore
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.ArchiveConfig, ids crawler.IDGenerator, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("archive").With(zap.String("backend", cfg.Backend))

	switch cfg.Backend {
	case config.BackendFile, "":
		s, err := local.New(local.Config{Path: cfg.Path}, logger)
		if err != nil {
			return nil, fmt.Errorf("init file archive: %w", err)
		}
		return nopCloser{s}, nil
	case config.BackendMemory:
		return nopCloser{memory.NewArchiveStore()}, nil
	case config.BackendGCS:
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		s, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, Object: cfg.GCSObject}, logger)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN, Table: cfg.PostgresTable}, ids, logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres archive: %w", err)
		}
		return s, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite archive: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
}

type nopCloser struct {
	crawler.ArchiveStore
}

func (nopCloser) Close() error { return nil }
