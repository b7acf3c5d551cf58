// Package local implements an ArchiveStore backed by a JSON file on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

// Config captures the parameters for the file-backed archive store.
type Config struct {
	// Path is the archive file, e.g. jobs.json.
	Path string `mapstructure:"path" yaml:"path"`
}

// ArchiveStore reads and writes the archive as a single JSON document.
// Writes go through a temp file and rename so readers never see a partial file,
// and an advisory lock on <path>.lock keeps two processes from interleaving.
type ArchiveStore struct {
	path     string
	lockPath string
	logger   *zap.Logger
}

const lockRetryDelay = 50 * time.Millisecond

// New creates a file-backed archive store.
func New(cfg Config, logger *zap.Logger) (*ArchiveStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Clean(cfg.Path)
	return &ArchiveStore{
		path:     path,
		lockPath: path + ".lock",
		logger:   logger,
	}, nil
}

// Path returns the archive file location.
func (s *ArchiveStore) Path() string {
	return s.path
}

// Load reads the archive. A missing, empty or corrupt file yields an empty archive.
func (s *ArchiveStore) Load(ctx context.Context) (crawler.Archive, error) {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no archive found, starting fresh", zap.String("path", s.path))
		return crawler.NewArchive(nil, time.Time{}), nil
	}
	lock := flock.New(s.lockPath)
	if err := s.acquire(ctx, lock, lock.TryRLockContext); err != nil {
		return crawler.Archive{}, err
	}
	defer s.release(lock)

	// #nosec G304 -- the archive path comes from operator configuration.
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no archive found, starting fresh", zap.String("path", s.path))
		return crawler.NewArchive(nil, time.Time{}), nil
	}
	if err != nil {
		return crawler.Archive{}, fmt.Errorf("read archive: %w", err)
	}

	archive, err := crawler.DecodeArchive(data)
	if errors.Is(err, crawler.ErrCorruptArchive) {
		s.logger.Info("archive unreadable, starting fresh", zap.String("path", s.path), zap.Error(err))
		return crawler.NewArchive(nil, time.Time{}), nil
	}
	if err != nil {
		return crawler.Archive{}, err
	}
	return archive, nil
}

// Save replaces the archive file atomically.
func (s *ArchiveStore) Save(ctx context.Context, archive crawler.Archive) error {
	payload, err := crawler.EncodeArchive(archive)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	lock := flock.New(s.lockPath)
	if err := s.acquire(ctx, lock, lock.TryLockContext); err != nil {
		return err
	}
	defer s.release(lock)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}
	// #nosec G302 -- the archive is meant to be readable by other tools.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp archive: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace archive: %w", err)
	}
	committed = true

	s.logger.Debug("archive written", zap.String("path", s.path), zap.Int("count", archive.Count))
	return nil
}

func (s *ArchiveStore) acquire(
	ctx context.Context,
	lock *flock.Flock,
	try func(context.Context, time.Duration) (bool, error),
) error {
	locked, err := try(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock archive: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock archive: %s is held by another process", lock.Path())
	}
	return nil
}

func (s *ArchiveStore) release(lock *flock.Flock) {
	if err := lock.Unlock(); err != nil {
		s.logger.Warn("unlock archive failed", zap.String("path", lock.Path()), zap.Error(err))
	}
}
