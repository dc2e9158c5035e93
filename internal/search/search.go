package search

import (
	"context"
	"errors"
)

var errNoGrantSource = errors.New("no grant source to verify index hits")

// Result is a single search hit returned to the caller.
type Result struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Href  string `json:"href"`
}

// Query describes a search request. Only rooms UserKey holds a grant on are
// eligible.
type Query struct {
	Text    string
	UserKey string
	Limit   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a title search. The index and the Postgres fallback
// both implement it.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// RoomRecord is the data we index for a room.
type RoomRecord struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Members []string `json:"members"`
}
