package search

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const indexQueueSize = 1024

// roomIndex is the external index behind the facade. *Meili implements it.
type roomIndex interface {
	Searcher
	IndexRooms(records []RoomRecord) error
	DeleteRoom(id string) error
	ReplaceRooms(records []RoomRecord) error
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres. Index hits are only returned for rooms the caller still holds a
// grant on in Postgres, so a stale index can never widen access.
//
// Index writes run on a single worker goroutine in the order they were
// submitted.
type Service struct {
	index    roomIndex
	fallback *Postgres
	log      *zap.Logger

	jobs      chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback *Postgres, log *zap.Logger) *Service {
	var index roomIndex
	if meili != nil {
		index = meili
	}
	return newService(index, fallback, log)
}

func newService(index roomIndex, fallback *Postgres, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{index: index, fallback: fallback, log: log.Named("search")}
	if index != nil {
		s.jobs = make(chan func(), indexQueueSize)
		s.done = make(chan struct{})
		go s.work()
	}
	return s
}

func (s *Service) work() {
	for {
		select {
		case <-s.done:
			return
		case job := <-s.jobs:
			job()
		}
	}
}

// Close stops the index worker. Queued writes that have not started are
// dropped; the next ReindexAll catches up.
func (s *Service) Close() {
	if s.done == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Service) enqueue(job func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.jobs <- job:
		return true
	default:
		s.log.Warn("index queue full, dropping write")
		return false
	}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			verified, err := s.verify(ctx, q.UserKey, results)
			if err == nil {
				total -= len(results) - len(verified)
				if total < len(verified) {
					total = len(verified)
				}
				return Response{Results: nonNil(verified), Total: total, Query: q.Text}
			}
			s.log.Warn("verify index hits, falling back to postgres", zap.Error(err))
		} else {
			s.log.Warn("meilisearch error, falling back to postgres", zap.Error(err))
		}
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// verify drops hits for rooms the user no longer holds a grant on, or that no
// longer exist.
func (s *Service) verify(ctx context.Context, userKey string, results []Result) ([]Result, error) {
	if len(results) == 0 {
		return results, nil
	}
	if s.fallback == nil {
		return nil, errNoGrantSource
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	allowed, err := s.fallback.Accessible(ctx, userKey, ids)
	if err != nil {
		return nil, err
	}
	kept := make([]Result, 0, len(results))
	for _, r := range results {
		if allowed[r.ID] {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// IndexRoom queues an add-or-replace of one room.
func (s *Service) IndexRoom(record RoomRecord) {
	if s.index == nil {
		return
	}
	s.enqueue(func() {
		if !s.index.Healthy() {
			return
		}
		if err := s.index.IndexRooms([]RoomRecord{record}); err != nil {
			s.log.Warn("index room", zap.String("room", record.ID), zap.Error(err))
		}
	})
}

// DeleteRoom queues removal of a room from the index.
func (s *Service) DeleteRoom(id string) {
	if s.index == nil {
		return
	}
	s.enqueue(func() {
		if !s.index.Healthy() {
			return
		}
		if err := s.index.DeleteRoom(id); err != nil {
			s.log.Warn("delete room from index", zap.String("room", id), zap.Error(err))
		}
	})
}

// ReindexAll replaces the whole index with every room in Postgres, dropping
// documents for rooms deleted while the index was unreachable. It runs on the
// index worker and returns once it has finished or ctx is done.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.index == nil || s.fallback == nil {
		return
	}
	finished := make(chan struct{})
	if !s.enqueue(func() {
		defer close(finished)
		s.reindex(ctx)
	}) {
		return
	}
	select {
	case <-finished:
	case <-ctx.Done():
	case <-s.done:
	}
}

func (s *Service) reindex(ctx context.Context) {
	if !s.index.Healthy() {
		return
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.index.ReplaceRooms(records); err != nil {
		s.log.Warn("reindex rooms", zap.Error(err))
		return
	}
	s.log.Info("rooms reindexed", zap.Int("count", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
