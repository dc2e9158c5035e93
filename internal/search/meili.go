package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"liveroom/api/internal/listing"
)

const idxRooms = "liveroom_rooms"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
	// onRecover runs after the index comes back from an outage.
	onRecover func()
}

// NewMeili creates a Meilisearch client and configures the room index. An
// unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log.Named("meili"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

// OnRecover registers fn to run whenever the index recovers from an outage.
func (m *Meili) OnRecover(fn func()) {
	m.onRecover = fn
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxRooms, PrimaryKey: "id"}); err != nil {
		m.log.Debug("create index (may already exist)", zap.String("index", idxRooms), zap.Error(err))
	}
	index := m.client.Index(idxRooms)
	filterable := []interface{}{"members"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"title"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
				if m.onRecover != nil {
					m.onRecover()
				}
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{searchRequest(q)},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func searchRequest(q Query) *meili.SearchRequest {
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	return &meili.SearchRequest{
		IndexUID:              idxRooms,
		Query:                 q.Text,
		Limit:                 limit,
		Filter:                fmt.Sprintf("members = %q", q.UserKey),
		AttributesToHighlight: []string{"title"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
}

func hitToResult(hit meili.Hit) Result {
	id := decodeString(hit, "id")
	title := firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"), listing.DefaultTitle)
	return Result{ID: id, Title: title, Href: listing.DocumentPath(id)}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRooms adds or replaces rooms in the index.
func (m *Meili) IndexRooms(records []RoomRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRooms).AddDocuments(records, nil)
	return err
}

// ReplaceRooms clears the index and loads records. Meilisearch runs the two
// tasks in submission order.
func (m *Meili) ReplaceRooms(records []RoomRecord) error {
	index := m.client.Index(idxRooms)
	if _, err := index.DeleteAllDocuments(nil); err != nil {
		return fmt.Errorf("clear room index: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	if _, err := index.AddDocuments(records, nil); err != nil {
		return fmt.Errorf("load room index: %w", err)
	}
	return nil
}

func (m *Meili) DeleteRoom(id string) error {
	_, err := m.client.Index(idxRooms).DeleteDocument(id, nil)
	return err
}
