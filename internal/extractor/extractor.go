// Package extractor turns a listing page into raw records using CSS selectors.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

// Config names the selectors for one source layout.
type Config struct {
	// Item matches one listing container per record.
	Item string
	// Title matches the title element inside Item; its href is the listing link.
	Title    string
	Location string
	Date     string
	// DatePrefix is a label removed from the date text, e.g. "Posting Date:".
	DatePrefix string
}

// Extractor implements crawler.Extractor with goquery.
type Extractor struct {
	cfg Config
}

// New validates cfg and returns an Extractor.
func New(cfg Config) (*Extractor, error) {
	if strings.TrimSpace(cfg.Item) == "" {
		return nil, errors.New("item selector is required")
	}
	if strings.TrimSpace(cfg.Title) == "" {
		return nil, errors.New("title selector is required")
	}
	return &Extractor{cfg: cfg}, nil
}

// Extract returns one record per Item match, in document order. Items without a
// link still yield a record with an empty URL, so a page of malformed items is
// not mistaken for the end of the results.
func (e *Extractor) Extract(body []byte) ([]crawler.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var records []crawler.RawRecord
	doc.Find(e.cfg.Item).Each(func(_ int, item *goquery.Selection) {
		titleEl := item.Find(e.cfg.Title).First()
		title := strings.TrimSpace(titleEl.Text())
		records = append(records, crawler.RawRecord{
			Title:    title,
			Location: e.text(item, e.cfg.Location),
			Date:     e.date(item),
			URL:      linkOf(titleEl),
		})
	})
	return records, nil
}

func (e *Extractor) text(item *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(item.Find(selector).First().Text())
}

func (e *Extractor) date(item *goquery.Selection) string {
	raw := e.text(item, e.cfg.Date)
	if e.cfg.DatePrefix != "" {
		raw = strings.Replace(raw, e.cfg.DatePrefix, "", 1)
	}
	return strings.TrimSpace(raw)
}

// linkOf reads href from the title element, falling back to the first link inside it.
func linkOf(sel *goquery.Selection) string {
	if href, ok := sel.Attr("href"); ok {
		return strings.TrimSpace(href)
	}
	if href, ok := sel.Find("a[href]").First().Attr("href"); ok {
		return strings.TrimSpace(href)
	}
	return ""
}
