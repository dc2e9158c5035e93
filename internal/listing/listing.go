package listing

import (
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const DefaultTitle = "Untitled"

// SortNewestFirst returns a copy of items ordered by creation time, newest
// first. Items whose time is missing or unparsable go last; ties keep their
// input order, so sorting twice gives the same result.
func SortNewestFirst[T any](items []T, createdAt func(T) Timestamp) []T {
	keys := make([]int64, len(items))
	index := make([]int, len(items))
	for i, item := range items {
		index[i] = i
		keys[i] = createdAt(item).SortKey()
	}
	sort.SliceStable(index, func(a, b int) bool {
		return keys[index[a]] > keys[index[b]]
	})
	sorted := make([]T, len(items))
	for i, idx := range index {
		sorted[i] = items[idx]
	}
	return sorted
}

// Title reads the reserved title key, defaulting when absent or blank.
func Title(metadata map[string]any) string {
	raw, ok := metadata["title"]
	if !ok {
		return DefaultTitle
	}
	title, ok := raw.(string)
	if !ok || strings.TrimSpace(title) == "" {
		return DefaultTitle
	}
	return title
}

// CreatedLabel renders the list subtitle. Unknown dates are reported as such
// instead of showing a fabricated time.
func CreatedLabel(ts Timestamp, now time.Time) string {
	ms, ok := ts.Millis()
	if !ok {
		return "Created date unknown"
	}
	return "Created about " + humanize.RelTime(time.UnixMilli(ms), now, "ago", "from now")
}

func DocumentPath(id string) string {
	return "/documents/" + id
}
