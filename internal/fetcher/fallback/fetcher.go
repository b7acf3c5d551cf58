// Package fallback fetches pages over plain HTTP and re-fetches them with a
// headless browser when the response looks client-rendered.
package fallback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

// Detector decides whether a plain HTTP body needs headless rendering.
type Detector interface {
	ShouldPromote(body []byte) bool
}

// Fetcher implements crawler.Fetcher with a headless fallback.
type Fetcher struct {
	primary  crawler.Fetcher
	headless crawler.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New wires the primary and headless fetchers behind the detector.
func New(primary, headless crawler.Fetcher, detector Detector, logger *zap.Logger) (*Fetcher, error) {
	switch {
	case primary == nil:
		return nil, fmt.Errorf("primary fetcher is required")
	case headless == nil:
		return nil, fmt.Errorf("headless fetcher is required")
	case detector == nil:
		return nil, fmt.Errorf("detector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{primary: primary, headless: headless, detector: detector, logger: logger}, nil
}

// Fetch returns the primary body unless the detector promotes it. A failed
// headless fetch falls back to the primary body.
func (f *Fetcher) Fetch(ctx context.Context, page int) ([]byte, error) {
	body, err := f.primary.Fetch(ctx, page)
	if err != nil {
		return nil, err
	}
	if !f.detector.ShouldPromote(body) {
		return body, nil
	}

	f.logger.Info("promoting page to headless fetch", zap.Int("page", page), zap.Int("bytes", len(body)))
	rendered, err := f.headless.Fetch(ctx, page)
	if err != nil {
		f.logger.Warn("headless fetch failed, using plain response",
			zap.Int("page", page),
			zap.Error(err),
		)
		return body, nil
	}
	return rendered, nil
}
