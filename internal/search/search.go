// Package search provides full-text search over issues, backed by
// Meilisearch with a PostgreSQL FTS fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Severity   string `json:"severity"`
	Status     string `json:"status"`
	ReportedBy string `json:"reportedBy"`
}

// Query describes a search request. AllowedIssueIDs restricts hits to the
// listed issues; nil means no restriction (admin callers).
type Query struct {
	Text            string
	FilterSeverity  string
	FilterStatus    string
	Limit           int
	Offset          int
	AllowedIssueIDs []string
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push issues into a search index. There is no delete: issues are
// never removed once reported.
type Indexer interface {
	IndexIssue(rec IssueRecord) error
}

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Status      string `json:"status"`
	ReportedBy  string `json:"reportedBy"`
}
