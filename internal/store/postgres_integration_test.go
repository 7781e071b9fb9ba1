package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// openTestStore connects to the database named by TRACKER_TEST_DATABASE_URL,
// applies migrations and returns a store over a clean schema. Tests that call
// it are skipped when the variable is unset.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TRACKER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TRACKER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestDuplicateUsernameIsUniqueViolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, User{ID: "usr_1", Username: "alice", PasswordHash: "x", Role: "read"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err := s.CreateUser(ctx, User{ID: "usr_2", Username: "alice", PasswordHash: "x", Role: "read"})
	if err == nil {
		t.Fatal("expected duplicate username to fail")
	}
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got: %v", err)
	}
}

func TestUpsertGrantKeepsOnePerPair(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, User{ID: "usr_1", Username: "alice", PasswordHash: "x", Role: "read"}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	issue := Issue{ID: "iss_1", Title: "Crash on save", Description: "d", Severity: "P2", Status: "Open", ReportedBy: "usr_1"}
	reporter := Grant{ID: "grt_1", IssueID: "iss_1", UserID: "usr_1", Role: "reporter"}
	if err := s.CreateIssueWithGrant(ctx, issue, reporter); err != nil {
		t.Fatalf("create issue: %v", err)
	}

	upserted, err := s.UpsertGrant(ctx, Grant{ID: "grt_2", IssueID: "iss_1", UserID: "usr_1", Role: "manager"})
	if err != nil {
		t.Fatalf("upsert grant: %v", err)
	}
	if upserted.ID != "grt_1" {
		t.Errorf("expected existing grant to be updated, got id %s", upserted.ID)
	}
	if upserted.Role != "manager" {
		t.Errorf("expected role manager, got %s", upserted.Role)
	}

	count, err := s.GrantCountForIssue(ctx, "iss_1")
	if err != nil {
		t.Fatalf("count grants: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 grant for the pair, got %d", count)
	}
}

func TestDeleteIssueCascadeRemovesGrants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := openTestStore(t)
	ctx := context.Background()

	for _, user := range []User{
		{ID: "usr_1", Username: "alice", PasswordHash: "x", Role: "read"},
		{ID: "usr_2", Username: "bob", PasswordHash: "x", Role: "read"},
	} {
		if err := s.CreateUser(ctx, user); err != nil {
			t.Fatalf("insert user %s: %v", user.ID, err)
		}
	}
	issue := Issue{ID: "iss_1", Title: "Crash on save", Description: "d", Severity: "P2", Status: "Open", ReportedBy: "usr_1"}
	if err := s.CreateIssueWithGrant(ctx, issue, Grant{ID: "grt_1", IssueID: "iss_1", UserID: "usr_1", Role: "reporter"}); err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if _, err := s.UpsertGrant(ctx, Grant{ID: "grt_2", IssueID: "iss_1", UserID: "usr_2", Role: "manager"}); err != nil {
		t.Fatalf("share issue: %v", err)
	}

	if err := s.DeleteIssueCascade(ctx, "iss_1"); err != nil {
		t.Fatalf("delete cascade: %v", err)
	}

	if _, err := s.GetIssue(ctx, "iss_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected issue gone, got: %v", err)
	}
	count, err := s.GrantCountForIssue(ctx, "iss_1")
	if err != nil {
		t.Fatalf("count grants: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no grants left, got %d", count)
	}
}
