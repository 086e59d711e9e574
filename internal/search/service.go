// Package search indexes planet nodes in Meilisearch with a Postgres
// full-text fallback. Indexing is best-effort and asynchronous; Postgres
// remains the source of truth.
package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexNode indexes a node (fire-and-forget to Meilisearch).
func (s *Service) IndexNode(record NodeRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNode(record); err != nil {
			log.Printf("search: index node %s: %v", record.ID, err)
		}
	}()
}

// DeleteNode removes a node from the search index (fire-and-forget).
func (s *Service) DeleteNode(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNode(id); err != nil {
			log.Printf("search: delete node %s: %v", id, err)
		}
	}()
}

// ReindexPlanet reads a planet's nodes from Postgres and pushes them to
// Meilisearch. Called after an editing session is applied or discarded so
// the index converges on the committed tree.
func (s *Service) ReindexPlanet(ctx context.Context, planetID string) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadPlanetRecords(ctx, planetID)
	if err != nil {
		log.Printf("search: reindex load failed for planet %s: %v", planetID, err)
		return
	}
	go func() {
		if err := s.meili.IndexNodes(records); err != nil {
			log.Printf("search: reindex planet %s: %v", planetID, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
