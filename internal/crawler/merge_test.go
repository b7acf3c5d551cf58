package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var mergeNow = time.Date(2024, time.March, 31, 15, 0, 0, 0, time.UTC)

func daysAgo(n int) string {
	return mergeNow.AddDate(0, 0, -n).Format("01/02/2006")
}

func listing(url, date string) Listing {
	return Listing{Title: "t-" + url, URL: url, Date: date}
}

func TestMerge_ScenarioNewBeforeExisting(t *testing.T) {
	t.Parallel()

	existing := []Listing{listing("X", daysAgo(10))}
	fresh := []Listing{listing("Y", daysAgo(2))}

	got := Merge(fresh, existing, 30, mergeNow)
	require.Equal(t, []string{"Y", "X"}, urlsOf(got))
	require.Len(t, NewArchive(got, mergeNow).Results, 2)
	require.Equal(t, 2, NewArchive(got, mergeNow).Count)
}

func TestMerge_RetentionWindow(t *testing.T) {
	t.Parallel()

	existing := []Listing{
		listing("fresh", daysAgo(1)),
		listing("edge", daysAgo(29)),
		listing("stale", daysAgo(31)),
		listing("ancient", "01/01/1999"),
		listing("tbd", "TBD"),
		listing("empty", ""),
	}

	got := Merge(nil, existing, 30, mergeNow)
	require.ElementsMatch(t, []string{"fresh", "edge", "tbd", "empty"}, urlsOf(got))
	for _, l := range got {
		if d, ok := ParseDate(l.Date); ok {
			require.False(t, d.Before(mergeNow.AddDate(0, 0, -30)), "listing %s expired", l.URL)
		}
	}
}

func TestMerge_CutoffUsesTimeOfDay(t *testing.T) {
	t.Parallel()

	// The cutoff keeps now's time of day, so a listing dated exactly window days
	// ago (midnight) falls just outside it.
	got := Merge(nil, []Listing{listing("boundary", daysAgo(30))}, 30, mergeNow)
	require.Empty(t, got)

	midnight := time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC)
	got = Merge(nil, []Listing{listing("boundary", daysAgo(30))}, 30, midnight)
	require.Len(t, got, 1)
}

func TestMerge_DefaultRetentionWindow(t *testing.T) {
	t.Parallel()

	existing := []Listing{listing("a", daysAgo(20)), listing("b", daysAgo(40))}
	got := Merge(nil, existing, 0, mergeNow)
	require.Equal(t, []string{"a"}, urlsOf(got))
}

func TestMerge_UnparsableDateSurvivesAnyAge(t *testing.T) {
	t.Parallel()

	old := Listing{Title: "mystery", URL: "m", Date: "TBD", ScrapedAt: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)}
	got := Merge(nil, []Listing{old}, 30, mergeNow)
	require.Equal(t, []Listing{old}, got)
}

func TestMerge_DeduplicatesFreshWins(t *testing.T) {
	t.Parallel()

	discovered := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)
	existing := []Listing{{Title: "old title", URL: "A", Date: daysAgo(5), ScrapedAt: discovered}}
	fresh := []Listing{
		{Title: "new title", URL: "A", Date: daysAgo(3), ScrapedAt: mergeNow},
		{Title: "dup in run", URL: "A", Date: daysAgo(1), ScrapedAt: mergeNow},
	}

	got := Merge(fresh, existing, 30, mergeNow)
	require.Len(t, got, 1)
	require.Equal(t, "new title", got[0].Title)
	require.Equal(t, daysAgo(3), got[0].Date)
	require.Equal(t, discovered, got[0].ScrapedAt)
}

func TestMerge_UniqueURLs(t *testing.T) {
	t.Parallel()

	existing := []Listing{listing("a", "TBD"), listing("b", daysAgo(1)), listing("a", daysAgo(2))}
	fresh := []Listing{listing("b", daysAgo(1)), listing("c", daysAgo(1))}

	got := Merge(fresh, existing, 30, mergeNow)
	seen := map[string]bool{}
	for _, l := range got {
		require.False(t, seen[l.URL], "duplicate url %s", l.URL)
		seen[l.URL] = true
	}
	require.Len(t, got, 3)
}

func TestMerge_SortOrder(t *testing.T) {
	t.Parallel()

	existing := []Listing{
		listing("d5", daysAgo(5)),
		listing("u1", "Open until filled"),
		listing("d1", daysAgo(1)),
		listing("iso", mergeNow.AddDate(0, 0, -3).Format("2006-01-02")),
		listing("u2", "TBD"),
		listing("d9", daysAgo(9)),
	}

	got := Merge(nil, existing, 30, mergeNow)
	require.Equal(t, []string{"u1", "u2", "d1", "iso", "d5", "d9"}, urlsOf(got))

	for i := 1; i < len(got); i++ {
		a, okA := ParseDate(got[i-1].Date)
		b, okB := ParseDate(got[i].Date)
		if okA && okB {
			require.False(t, a.Before(b), "%s sorted before %s", got[i-1].URL, got[i].URL)
		}
	}
}

func TestMerge_StableForEqualDates(t *testing.T) {
	t.Parallel()

	fresh := []Listing{listing("n1", daysAgo(2)), listing("n2", daysAgo(2))}
	existing := []Listing{listing("e1", daysAgo(2))}

	got := Merge(fresh, existing, 30, mergeNow)
	require.Equal(t, []string{"n1", "n2", "e1"}, urlsOf(got))
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	discovered := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	existing := []Listing{listing("b", daysAgo(4)), {URL: "a", Date: daysAgo(9), ScrapedAt: discovered}}
	fresh := []Listing{{URL: "a", Date: daysAgo(1), ScrapedAt: mergeNow}}
	existingCopy := append([]Listing(nil), existing...)
	freshCopy := append([]Listing(nil), fresh...)

	_ = Merge(fresh, existing, 30, mergeNow)
	require.Equal(t, existingCopy, existing)
	require.Equal(t, freshCopy, fresh)
}

func TestMerge_IdempotentWithoutNewData(t *testing.T) {
	t.Parallel()

	existing := []Listing{
		listing("a", daysAgo(1)),
		listing("b", daysAgo(45)),
		listing("c", "TBD"),
		listing("d", daysAgo(12)),
	}

	got := Merge(nil, existing, 30, mergeNow)
	require.ElementsMatch(t, []string{"a", "c", "d"}, urlsOf(got))
}

func TestMerge_EmptyInputs(t *testing.T) {
	t.Parallel()

	got := Merge(nil, nil, 30, mergeNow)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestPruned(t *testing.T) {
	t.Parallel()

	existing := []Listing{listing("a", daysAgo(1)), listing("b", daysAgo(45)), listing("c", daysAgo(60))}
	fresh := []Listing{listing("n", daysAgo(0)), listing("a", daysAgo(0))}

	merged := Merge(fresh, existing, 30, mergeNow)
	require.Equal(t, 2, Pruned(fresh, existing, merged))
}
