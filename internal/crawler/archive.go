package crawler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCorruptArchive marks stored content that does not decode as an archive.
var ErrCorruptArchive = errors.New("corrupt archive")

// NewArchive builds the snapshot persisted at the end of a run.
func NewArchive(results []Listing, updatedAt time.Time) Archive {
	if results == nil {
		results = []Listing{}
	}
	return Archive{
		UpdatedAt: updatedAt.UTC(),
		Count:     len(results),
		Results:   results,
	}
}

// EncodeArchive renders the archive in its on-disk JSON form.
func EncodeArchive(a Archive) ([]byte, error) {
	if a.Results == nil {
		a.Results = []Listing{}
	}
	a.Count = len(a.Results)
	payload, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal archive: %w", err)
	}
	return payload, nil
}

// DecodeArchive parses stored archive content. Empty input decodes to an empty
// archive; anything that is not an archive object wraps ErrCorruptArchive.
func DecodeArchive(data []byte) (Archive, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewArchive(nil, time.Time{}), nil
	}
	var a Archive
	if err := json.Unmarshal(data, &a); err != nil {
		return Archive{}, fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	if a.Results == nil {
		a.Results = []Listing{}
	}
	a.Count = len(a.Results)
	return a, nil
}
