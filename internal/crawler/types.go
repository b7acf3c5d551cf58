package crawler

import (
	"encoding/json"
	"strings"
	"time"
)

// Listing is one discovered job posting. URL is its identity within an archive.
type Listing struct {
	Title     string    `json:"title"`
	Location  string    `json:"location"`
	Date      string    `json:"date"`
	ScrapedAt time.Time `json:"scraped_at"`
	URL       string    `json:"url"`
}

// scrapedAtLayouts are the ISO-8601 forms accepted for stored scraped_at values.
var scrapedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// UnmarshalJSON decodes a stored listing. A scraped_at value that is not a
// recognized timestamp leaves ScrapedAt zero instead of rejecting the listing.
func (l *Listing) UnmarshalJSON(data []byte) error {
	type plain Listing
	var aux struct {
		plain
		ScrapedAt json.RawMessage `json:"scraped_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*l = Listing(aux.plain)
	l.ScrapedAt = parseScrapedAt(aux.ScrapedAt)
	return nil
}

func parseScrapedAt(raw json.RawMessage) time.Time {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return time.Time{}
	}
	text = strings.TrimSpace(text)
	for _, layout := range scrapedAtLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Archive is the persisted aggregate of listings.
type Archive struct {
	UpdatedAt time.Time `json:"updated_at"`
	Count     int       `json:"count"`
	Results   []Listing `json:"results"`
}

// URLSet returns the identity keys of every listing in the archive.
func (a Archive) URLSet() map[string]struct{} {
	set := make(map[string]struct{}, len(a.Results))
	for _, l := range a.Results {
		set[l.URL] = struct{}{}
	}
	return set
}

// RawRecord is what an Extractor yields for one listing on a page.
// URL may still be relative.
type RawRecord struct {
	Title    string
	Location string
	Date     string
	URL      string
}

// Mode selects how the crawler treats already archived listings.
type Mode string

// Crawl modes.
const (
	// ModeIncremental stops at the first listing that is already archived.
	ModeIncremental Mode = "incremental"
	// ModeFull walks every page until the source runs dry or the page cap is hit.
	ModeFull Mode = "full"
)

// CrawlState is the terminal (or current) state of the pagination state machine.
type CrawlState string

// Crawl states.
const (
	StateScanning  CrawlState = "SCANNING_PAGE"
	StateStopped   CrawlState = "STOPPED"
	StateExhausted CrawlState = "EXHAUSTED"
	StateFailed    CrawlState = "FAILED"
	StateCapped    CrawlState = "CAPPED"
)

// Decision is the per-record verdict of the stopping condition.
type Decision int

// Record decisions.
const (
	DecisionKeep Decision = iota
	DecisionStop
)

func (d Decision) String() string {
	switch d {
	case DecisionKeep:
		return "keep"
	case DecisionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// CrawlResult is returned by Crawler.Crawl.
type CrawlResult struct {
	// Listings holds newly discovered listings in discovery order.
	Listings []Listing
	State    CrawlState
	// Pages counts pages fetched successfully.
	Pages int
	// Err is the fetch error that ended the crawl when State is StateFailed.
	Err error
}

// RunSummary describes one load-crawl-merge-save cycle.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	Mode       Mode       `json:"mode"`
	State      CrawlState `json:"state"`
	Pages      int        `json:"pages"`
	Added      int        `json:"added"`
	Pruned     int        `json:"pruned"`
	Total      int        `json:"total"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Error      string     `json:"error,omitempty"`
}

// Attributes returns the message attributes used when publishing the summary.
func (s RunSummary) Attributes() map[string]string {
	return map[string]string{
		"run_id": s.RunID,
		"mode":   string(s.Mode),
		"state":  string(s.State),
	}
}
