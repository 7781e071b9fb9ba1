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

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
// Hits outside q.AllowedIssueIDs are stripped after the backend returns, so
// neither backend needs to know about grants.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return restrict(results, total, q)
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return restrict(results, total, q)
}

// IndexIssue indexes an issue (fire-and-forget to Meilisearch).
func (s *Service) IndexIssue(rec IssueRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexIssue(rec); err != nil {
			log.Printf("search: index issue %s: %v", rec.ID, err)
		}
	}()
}

// ReindexAllFromPG reads all issues from PostgreSQL and pushes them into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.meili.IndexIssues(records); err != nil {
		log.Printf("search: reindex issues: %v", err)
	}
}

func restrict(results []Result, total int, q Query) Response {
	if results == nil {
		results = []Result{}
	}
	if q.AllowedIssueIDs == nil {
		return Response{Results: results, Total: total, Query: q.Text}
	}

	allowed := make(map[string]struct{}, len(q.AllowedIssueIDs))
	for _, id := range q.AllowedIssueIDs {
		allowed[id] = struct{}{}
	}
	filtered := make([]Result, 0, len(results))
	for _, r := range results {
		if _, ok := allowed[r.ID]; ok {
			filtered = append(filtered, r)
		}
	}
	return Response{Results: filtered, Total: len(filtered), Query: q.Text}
}
