// Package gcs provides an ArchiveStore backed by a Google Cloud Storage object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

// Config captures the archive object location.
type Config struct {
	Bucket string
	Object string
}

// ArchiveStore reads and writes the archive JSON as one GCS object.
type ArchiveStore struct {
	client *storage.Client
	bucket string
	object string
	logger *zap.Logger
}

// New creates a GCS-backed archive store.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*ArchiveStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(cfg.Object) == "" {
		return nil, fmt.Errorf("object name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveStore{
		client: client,
		bucket: cfg.Bucket,
		object: cfg.Object,
		logger: logger,
	}, nil
}

// URI returns the gs:// location of the archive.
func (s *ArchiveStore) URI() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Load downloads the archive. A missing or corrupt object yields an empty archive.
func (s *ArchiveStore) Load(ctx context.Context) (crawler.Archive, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		s.logger.Info("no archive object found, starting fresh", zap.String("uri", s.URI()))
		return crawler.NewArchive(nil, time.Time{}), nil
	}
	if err != nil {
		return crawler.Archive{}, fmt.Errorf("open archive object: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return crawler.Archive{}, fmt.Errorf("read archive object: %w", err)
	}
	archive, err := crawler.DecodeArchive(data)
	if errors.Is(err, crawler.ErrCorruptArchive) {
		s.logger.Info("archive object unreadable, starting fresh", zap.String("uri", s.URI()), zap.Error(err))
		return crawler.NewArchive(nil, time.Time{}), nil
	}
	return archive, err
}

// Save uploads the archive, replacing the object.
func (s *ArchiveStore) Save(ctx context.Context, archive crawler.Archive) error {
	payload, err := crawler.EncodeArchive(archive)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(payload); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write archive object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write archive object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Close releases the storage client.
func (s *ArchiveStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
