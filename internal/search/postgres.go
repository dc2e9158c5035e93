package search

import (
	"context"
	"strings"

	"liveroom/api/internal/listing"
	"liveroom/api/internal/store"
)

type roomFinder interface {
	SearchRoomsByTitle(ctx context.Context, userKey, query string, limit int) ([]store.Room, error)
	ListAllRooms(ctx context.Context) ([]store.Room, error)
	AccessibleRoomIDs(ctx context.Context, userKey string, roomIDs []string) ([]string, error)
}

// Postgres implements Searcher with a title match in the database. It is the
// fallback while Meilisearch is down or not configured.
type Postgres struct {
	rooms roomFinder
}

func NewPostgres(rooms roomFinder) *Postgres {
	return &Postgres{rooms: rooms}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *Postgres) Healthy() bool {
	return true
}

func (p *Postgres) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.UserKey == "" {
		return nil, 0, nil
	}
	rooms, err := p.rooms.SearchRoomsByTitle(ctx, q.UserKey, q.Text, q.Limit)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(rooms))
	for _, room := range rooms {
		results = append(results, Result{
			ID:    room.ID,
			Title: listing.Title(room.Metadata),
			Href:  listing.DocumentPath(room.ID),
		})
	}
	return results, len(results), nil
}

// Accessible reports which of roomIDs userKey currently holds a grant on.
func (p *Postgres) Accessible(ctx context.Context, userKey string, roomIDs []string) (map[string]bool, error) {
	allowed := make(map[string]bool, len(roomIDs))
	if userKey == "" || len(roomIDs) == 0 {
		return allowed, nil
	}
	ids, err := p.rooms.AccessibleRoomIDs(ctx, userKey, roomIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		allowed[id] = true
	}
	return allowed, nil
}

// LoadAllRecords returns every room as an index record for full reindexing.
func (p *Postgres) LoadAllRecords(ctx context.Context) ([]RoomRecord, error) {
	rooms, err := p.rooms.ListAllRooms(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]RoomRecord, 0, len(rooms))
	for _, room := range rooms {
		records = append(records, RecordOf(room))
	}
	return records, nil
}

// RecordOf is the index record for room. The stored title is indexed as is;
// the "Untitled" default is a display concern.
func RecordOf(room store.Room) RoomRecord {
	title, _ := room.Metadata["title"].(string)
	return RoomRecord{ID: room.ID, Title: title, Members: room.Grants.Keys()}
}
