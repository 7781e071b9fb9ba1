package store

import "time"

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Issue struct {
	ID          string
	Title       string
	Description string
	FileURL     string
	Severity    string
	Status      string
	ReportedBy  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Grant struct {
	ID        string
	IssueID   string
	UserID    string
	Role      string
	CreatedAt time.Time
}
