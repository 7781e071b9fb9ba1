// Package export renders issue reports as PDF files.
package export

import (
	"errors"
	"time"
)

// Request contains parameters for an export operation.
type Request struct {
	IssueID       string
	IncludeGrants bool
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// IssueInfo holds the issue metadata rendered into the report.
type IssueInfo struct {
	ID          string
	Title       string
	Description string
	Severity    string
	Status      string
	ReportedBy  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GrantInfo holds one access grant line for the report.
type GrantInfo struct {
	Username string
	Role     string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
