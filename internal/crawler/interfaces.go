package crawler

import (
	"context"
	"time"
)

// Fetcher returns the raw content of one page of the listing source.
type Fetcher interface {
	Fetch(ctx context.Context, page int) ([]byte, error)
}

// Extractor turns raw page content into records in page order.
type Extractor interface {
	Extract(body []byte) ([]RawRecord, error)
}

// ArchiveStore loads and persists archive snapshots.
// Load returns an empty Archive when nothing (or nothing readable) is stored.
type ArchiveStore interface {
	Load(ctx context.Context) (Archive, error)
	Save(ctx context.Context, archive Archive) error
}

// Publisher pushes run summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
