package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// DefaultMaxPages bounds a crawl against an unbounded or misbehaving source.
const DefaultMaxPages = 250

// ErrFirstPageFailed is returned in full mode when page 1 cannot be fetched.
var ErrFirstPageFailed = errors.New("first page fetch failed")

// Config holds the settings for a crawl session.
type Config struct {
	// LinkBase resolves relative listing links.
	LinkBase string
	// MaxPages is the page safety cap. Zero means DefaultMaxPages.
	MaxPages int
	Mode     Mode
}

// Crawler drives pagination over the listing source.
type Crawler struct {
	cfg       Config
	base      *url.URL
	fetcher   Fetcher
	extractor Extractor
	clock     Clock
	logger    *zap.Logger
	onPage    func(page int, found int)
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithPageObserver registers a callback invoked after each successfully extracted
// page, including the empty page that ends the results.
func WithPageObserver(fn func(page int, found int)) Option {
	return func(c *Crawler) {
		c.onPage = fn
	}
}

// New constructs a Crawler.
func New(
	cfg Config,
	fetcher Fetcher,
	extractor Extractor,
	clock Clock,
	logger *zap.Logger,
	opts ...Option,
) (*Crawler, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeIncremental
	}
	var base *url.URL
	if strings.TrimSpace(cfg.LinkBase) != "" {
		parsed, err := url.Parse(cfg.LinkBase)
		if err != nil {
			return nil, fmt.Errorf("parse link base: %w", err)
		}
		base = parsed
	}
	c := &Crawler{
		cfg:       cfg,
		base:      base,
		fetcher:   fetcher,
		extractor: extractor,
		clock:     clock,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Decide applies the stopping condition to one resolved URL.
func Decide(resolvedURL string, existing map[string]struct{}) Decision {
	if _, ok := existing[resolvedURL]; ok {
		return DecisionStop
	}
	return DecisionKeep
}

// Crawl walks pages from 1 until a previously archived URL, an empty page, a fetch
// failure or the page cap. Fetch failures are not returned as errors: the result
// carries the partial listings with StateFailed. The only error returned is
// ErrFirstPageFailed in full mode.
func (c *Crawler) Crawl(ctx context.Context, existing map[string]struct{}) (CrawlResult, error) {
	result := CrawlResult{State: StateScanning}
	seen := make(map[string]struct{})

	for page := 1; result.State == StateScanning; {
		if err := ctx.Err(); err != nil {
			return c.fail(result, page, fmt.Errorf("crawl canceled: %w", err))
		}

		c.logger.Debug("checking page", zap.Int("page", page))
		body, err := c.fetcher.Fetch(ctx, page)
		if err != nil {
			return c.fail(result, page, err)
		}
		result.Pages++

		records, err := c.extractor.Extract(body)
		if err != nil {
			return c.fail(result, page, fmt.Errorf("extract page %d: %w", page, err))
		}
		if len(records) == 0 {
			c.observe(page, 0)
			c.logger.Info("empty page, end of results", zap.Int("page", page))
			result.State = StateExhausted
			break
		}

		c.observe(page, c.scanPage(page, records, existing, seen, &result))
		if result.State != StateScanning {
			break
		}

		page++
		if page > c.cfg.MaxPages {
			c.logger.Warn("page cap reached", zap.Int("max_pages", c.cfg.MaxPages))
			result.State = StateCapped
		}
	}
	return result, nil
}

// observe reports every page that was fetched and extracted, so observers see
// the same page count as CrawlResult.Pages.
func (c *Crawler) observe(page, found int) {
	if c.onPage != nil {
		c.onPage(page, found)
	}
}

// scanPage appends new listings from one page and returns how many were added.
// It sets result.State to StateStopped on the first archived URL.
func (c *Crawler) scanPage(
	page int,
	records []RawRecord,
	existing map[string]struct{},
	seen map[string]struct{},
	result *CrawlResult,
) int {
	added := 0
	for _, rec := range records {
		resolved, err := ResolveURL(c.base, rec.URL)
		if err != nil {
			c.logger.Debug("skipping record with bad url",
				zap.Int("page", page),
				zap.String("url", rec.URL),
				zap.Error(err),
			)
			continue
		}
		if c.cfg.Mode == ModeIncremental && Decide(resolved, existing) == DecisionStop {
			c.logger.Info("reached previously scraped data, stopping",
				zap.Int("page", page),
				zap.String("url", resolved),
			)
			result.State = StateStopped
			return added
		}
		if _, dup := seen[resolved]; dup {
			continue
		}
		seen[resolved] = struct{}{}
		result.Listings = append(result.Listings, Listing{
			Title:     strings.TrimSpace(rec.Title),
			Location:  strings.TrimSpace(rec.Location),
			Date:      strings.TrimSpace(rec.Date),
			ScrapedAt: c.clock.Now(),
			URL:       resolved,
		})
		added++
	}
	return added
}

func (c *Crawler) fail(result CrawlResult, page int, err error) (CrawlResult, error) {
	result.State = StateFailed
	result.Err = err
	if c.cfg.Mode == ModeFull && page == 1 {
		c.logger.Error("first page fetch failed", zap.Error(err))
		return result, fmt.Errorf("%w: %w", ErrFirstPageFailed, err)
	}
	c.logger.Warn("scrape error, keeping partial results",
		zap.Int("page", page),
		zap.Int("collected", len(result.Listings)),
		zap.Error(err),
	)
	return result, nil
}
