// Package memory keeps the archive in-memory for development and dry runs.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

// ArchiveStore holds the encoded archive bytes, so it decodes exactly like the
// file-backed store does.
type ArchiveStore struct {
	mu    sync.RWMutex
	data  []byte
	saves int
}

// NewArchiveStore constructs an empty ArchiveStore.
func NewArchiveStore() *ArchiveStore {
	return &ArchiveStore{}
}

// NewArchiveStoreWithContent seeds the store with raw content, which may be corrupt.
func NewArchiveStoreWithContent(data []byte) *ArchiveStore {
	return &ArchiveStore{data: append([]byte(nil), data...)}
}

// Load decodes the held content. Empty or corrupt content yields an empty archive.
func (s *ArchiveStore) Load(_ context.Context) (crawler.Archive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	archive, err := crawler.DecodeArchive(s.data)
	if errors.Is(err, crawler.ErrCorruptArchive) {
		return crawler.NewArchive(nil, time.Time{}), nil
	}
	return archive, err
}

// Save encodes and stores the archive.
func (s *ArchiveStore) Save(_ context.Context, archive crawler.Archive) error {
	payload, err := crawler.EncodeArchive(archive)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = payload
	s.saves++
	return nil
}

// Bytes returns a copy of the stored content.
func (s *ArchiveStore) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.data...)
}

// Saves reports how many times Save succeeded.
func (s *ArchiveStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
