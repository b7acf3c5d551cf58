package crawler

import (
	"sort"
	"time"
)

// DefaultRetentionDays is the retention window applied when none is configured.
const DefaultRetentionDays = 30

// Merge combines fresh listings with the archived ones and applies retention.
//
// Fresh listings come first, so on a URL collision the fresh record wins; the
// archived ScrapedAt is carried over because discovery time never changes.
// Listings whose date cannot be parsed are always kept and sort ahead of dated
// ones. The sort is stable. Neither input is modified.
func Merge(fresh, existing []Listing, retentionDays int, now time.Time) []Listing {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := now.AddDate(0, 0, -retentionDays)

	firstSeen := make(map[string]time.Time, len(existing))
	for _, l := range existing {
		if _, ok := firstSeen[l.URL]; !ok {
			firstSeen[l.URL] = l.ScrapedAt
		}
	}

	type dated struct {
		listing Listing
		date    time.Time
		known   bool
	}

	kept := make([]dated, 0, len(fresh)+len(existing))
	taken := make(map[string]struct{}, len(fresh)+len(existing))
	consider := func(l Listing, isFresh bool) {
		if _, dup := taken[l.URL]; dup {
			return
		}
		taken[l.URL] = struct{}{}
		if isFresh {
			if ts, ok := firstSeen[l.URL]; ok && !ts.IsZero() {
				l.ScrapedAt = ts
			}
		}
		d, ok := ParseDate(l.Date)
		if ok && d.Before(cutoff) {
			return
		}
		kept = append(kept, dated{listing: l, date: d, known: ok})
	}
	for _, l := range fresh {
		consider(l, true)
	}
	for _, l := range existing {
		consider(l, false)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		switch {
		case !a.known && !b.known:
			return false
		case !a.known:
			return true
		case !b.known:
			return false
		default:
			return a.date.After(b.date)
		}
	})

	out := make([]Listing, len(kept))
	for i, d := range kept {
		out[i] = d.listing
	}
	return out
}

// Pruned reports how many distinct input listings Merge dropped.
func Pruned(fresh, existing, merged []Listing) int {
	distinct := make(map[string]struct{}, len(fresh)+len(existing))
	for _, l := range fresh {
		distinct[l.URL] = struct{}{}
	}
	for _, l := range existing {
		distinct[l.URL] = struct{}{}
	}
	return len(distinct) - len(merged)
}
