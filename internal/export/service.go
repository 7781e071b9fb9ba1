package export

import (
	"context"
	"fmt"
	"html/template"
	"log"
)

// DataStore defines the data access the export service needs.
type DataStore interface {
	GetIssueInfo(ctx context.Context, id string) (IssueInfo, error)
	ListGrantInfo(ctx context.Context, issueID string) ([]GrantInfo, error)
}

// Service renders issue reports.
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates a PDF report for an issue. Access control happens in the
// caller; by the time a request reaches here the viewer can read the issue.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	issue, err := s.store.GetIssueInfo(ctx, req.IssueID)
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}

	data := TemplateData{
		Title:           issue.Title,
		Severity:        issue.Severity,
		Status:          issue.Status,
		Reporter:        issue.ReportedBy,
		CreatedAt:       issue.CreatedAt,
		UpdatedAt:       issue.UpdatedAt,
		DescriptionHTML: template.HTML(MarkdownToHTML(issue.Description)),
		Grants:          []GrantInfo{},
	}

	if req.IncludeGrants {
		grants, err := s.store.ListGrantInfo(ctx, req.IssueID)
		if err != nil {
			// the report is still useful without the access table
			log.Printf("export: list grants for %s: %v", req.IssueID, err)
		} else {
			data.Grants = grants
		}
	}

	html, err := RenderIssueHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	return exportPDF(html, issue.Title)
}
