// Package threads orders a room's comment threads for display.
package threads

import (
	"math"
	"sort"
	"time"
)

type Thread struct {
	ID             string     `json:"id"`
	RoomID         string     `json:"roomId"`
	Resolved       bool       `json:"resolved"`
	LastActivityAt *time.Time `json:"lastActivityAt"`
}

// Order returns unresolved threads before resolved ones, most recent activity
// first within each group. Threads without activity sort as the oldest of
// their group. The full set is re-sorted on every call.
func Order(items []Thread) []Thread {
	out := make([]Thread, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Resolved != out[j].Resolved {
			return !out[i].Resolved
		}
		return activity(out[i]) > activity(out[j])
	})
	return out
}

// OpenCount is the number of unresolved threads.
func OpenCount(items []Thread) int {
	count := 0
	for _, item := range items {
		if !item.Resolved {
			count++
		}
	}
	return count
}

func activity(t Thread) int64 {
	if t.LastActivityAt == nil {
		return math.MinInt64
	}
	return t.LastActivityAt.UnixNano()
}
