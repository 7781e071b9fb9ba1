package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (duplicate username, duplicate grant pair).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// retryRead retries fn a bounded number of times when the driver reports the
// failure as safe to retry (connection-level, nothing reached the server).
func retryRead(ctx context.Context, fn func() error) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !pgconn.SafeToRetry(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := retryRead(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, username, password_hash, role, created_at
			FROM users WHERE id=$1
		`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM users WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateIssueWithGrant persists the issue and its reporter grant in a single
// transaction. A grant-less issue must never be observable.
func (s *PostgresStore) CreateIssueWithGrant(ctx context.Context, issue Issue, grant Grant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create issue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issues (id, title, description, file_url, severity, status, reported_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, issue.ID, issue.Title, issue.Description, issue.FileURL, issue.Severity, issue.Status, issue.ReportedBy); err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO grants (id, issue_id, user_id, role)
		VALUES ($1, $2, $3, $4)
	`, grant.ID, grant.IssueID, grant.UserID, grant.Role); err != nil {
		return fmt.Errorf("insert reporter grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create issue tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var item Issue
	err := retryRead(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, title, description, file_url, severity, status, reported_by, created_at, updated_at
			FROM issues WHERE id=$1
		`, issueID).Scan(&item.ID, &item.Title, &item.Description, &item.FileURL, &item.Severity, &item.Status, &item.ReportedBy, &item.CreatedAt, &item.UpdatedAt)
	})
	if err != nil {
		return Issue{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, file_url, severity, status, reported_by, created_at, updated_at
		FROM issues
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return scanIssues(rows)
}

func (s *PostgresStore) ListIssuesForUser(ctx context.Context, userID string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.title, i.description, i.file_url, i.severity, i.status, i.reported_by, i.created_at, i.updated_at
		FROM issues i
		JOIN grants g ON g.issue_id = i.id
		WHERE g.user_id = $1
		ORDER BY i.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list issues for user: %w", err)
	}
	return scanIssues(rows)
}

func scanIssues(rows *sql.Rows) ([]Issue, error) {
	defer rows.Close()
	items := make([]Issue, 0)
	for rows.Next() {
		var item Issue
		if err := rows.Scan(&item.ID, &item.Title, &item.Description, &item.FileURL, &item.Severity, &item.Status, &item.ReportedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// UpdateIssueStatus returns false when the issue does not exist.
func (s *PostgresStore) UpdateIssueStatus(ctx context.Context, issueID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET status=$2, updated_at=NOW() WHERE id=$1
	`, issueID, status)
	if err != nil {
		return false, fmt.Errorf("update issue status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update issue status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetIssueFileURL(ctx context.Context, issueID, fileURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues SET file_url=$2, updated_at=NOW() WHERE id=$1
	`, issueID, fileURL)
	if err != nil {
		return fmt.Errorf("set issue file url: %w", err)
	}
	return nil
}

// DeleteIssueCascade removes the issue and every grant referencing it in one
// transaction. Grants go first so no dangling grant is ever committed.
func (s *PostgresStore) DeleteIssueCascade(ctx context.Context, issueID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete issue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM grants WHERE issue_id=$1`, issueID); err != nil {
		return fmt.Errorf("delete issue grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id=$1`, issueID); err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete issue tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGrants(ctx context.Context) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, user_id, role, created_at
		FROM grants
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return scanGrants(rows)
}

func (s *PostgresStore) ListGrantsForIssue(ctx context.Context, issueID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, user_id, role, created_at
		FROM grants
		WHERE issue_id=$1
		ORDER BY created_at
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list grants for issue: %w", err)
	}
	return scanGrants(rows)
}

func scanGrants(rows *sql.Rows) ([]Grant, error) {
	defer rows.Close()
	items := make([]Grant, 0)
	for rows.Next() {
		var item Grant
		if err := rows.Scan(&item.ID, &item.IssueID, &item.UserID, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, grantID string) (Grant, error) {
	var item Grant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, user_id, role, created_at
		FROM grants WHERE id=$1
	`, grantID).Scan(&item.ID, &item.IssueID, &item.UserID, &item.Role, &item.CreatedAt)
	if err != nil {
		return Grant{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetGrantForUser(ctx context.Context, issueID, userID string) (Grant, error) {
	var item Grant
	err := retryRead(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, issue_id, user_id, role, created_at
			FROM grants WHERE issue_id=$1 AND user_id=$2
		`, issueID, userID).Scan(&item.ID, &item.IssueID, &item.UserID, &item.Role, &item.CreatedAt)
	})
	if err != nil {
		return Grant{}, err
	}
	return item, nil
}

// UpsertGrant creates a grant or, when one already exists for the
// (issue, user) pair, updates its role. One grant per pair.
func (s *PostgresStore) UpsertGrant(ctx context.Context, grant Grant) (Grant, error) {
	var item Grant
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO grants (id, issue_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (issue_id, user_id) DO UPDATE SET role=EXCLUDED.role
		RETURNING id, issue_id, user_id, role, created_at
	`, grant.ID, grant.IssueID, grant.UserID, grant.Role).Scan(&item.ID, &item.IssueID, &item.UserID, &item.Role, &item.CreatedAt)
	if err != nil {
		return Grant{}, fmt.Errorf("upsert grant: %w", err)
	}
	return item, nil
}

// UpdateGrantRole returns false when the grant does not exist.
func (s *PostgresStore) UpdateGrantRole(ctx context.Context, grantID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE grants SET role=$2 WHERE id=$1`, grantID, role)
	if err != nil {
		return false, fmt.Errorf("update grant role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update grant role rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteGrant returns false when the grant does not exist.
func (s *PostgresStore) DeleteGrant(ctx context.Context, grantID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE id=$1`, grantID)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete grant rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GrantCountForIssue(ctx context.Context, issueID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM grants WHERE issue_id=$1`, issueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count grants: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.password_hash, u.role, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
