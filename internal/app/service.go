package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"tracker/api/internal/auth"
	"tracker/api/internal/authpw"
	"tracker/api/internal/config"
	"tracker/api/internal/email"
	"tracker/api/internal/export"
	"tracker/api/internal/rbac"
	"tracker/api/internal/search"
	"tracker/api/internal/store"
	"tracker/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	ExpiresAt    time.Time
}

type CreateIssueInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type CreateGrantInput struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

var allowedSeverities = map[string]struct{}{
	"P0": {},
	"P1": {},
	"P2": {},
	"P3": {},
}

var allowedStatuses = map[string]struct{}{
	"Open":        {},
	"triaged":     {},
	"in_progress": {},
	"done":        {},
}

// nextStatus is the only forward transition from each status when the strict
// flow is enabled.
var nextStatus = map[string]string{
	"Open":        "triaged",
	"triaged":     "in_progress",
	"in_progress": "done",
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	CreateIssueWithGrant(context.Context, store.Issue, store.Grant) error
	GetIssue(context.Context, string) (store.Issue, error)
	ListIssues(context.Context) ([]store.Issue, error)
	ListIssuesForUser(context.Context, string) ([]store.Issue, error)
	UpdateIssueStatus(context.Context, string, string) (bool, error)
	SetIssueFileURL(context.Context, string, string) error
	ListGrants(context.Context) ([]store.Grant, error)
	ListGrantsForIssue(context.Context, string) ([]store.Grant, error)
	GetGrant(context.Context, string) (store.Grant, error)
	GetGrantForUser(context.Context, string, string) (store.Grant, error)
	UpsertGrant(context.Context, store.Grant) (store.Grant, error)
	UpdateGrantRole(context.Context, string, string) (bool, error)
	DeleteGrant(context.Context, string) (bool, error)
	GrantCountForIssue(context.Context, string) (int, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type notifier interface {
	Notify(event string, data any, userIDs []string)
}

type fileStore interface {
	Upload(ctx context.Context, issueID, filename, contentType string, size int64, body io.Reader) (string, error)
	PresignedURL(ctx context.Context, key, filename string) (string, error)
	Remove(ctx context.Context, key string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	access   *rbac.Engine
	hub      notifier
	search   *search.Service
	exporter *export.Service
	email    *email.Service
	files    fileStore
}

type Options struct {
	Sessions sessionStore
	Search   *search.Service
	Email    *email.Service
	Files    fileStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, hub notifier, opts Options) *Service {
	sessions := opts.Sessions
	if sessions == nil {
		sessions = dataStore
	}
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		accounts: authpw.NewService(dataStore),
		access:   rbac.NewEngine(dataStore),
		hub:      hub,
		search:   opts.Search,
		email:    opts.Email,
		files:    opts.Files,
	}
	svc.exporter = export.NewService(exportAdapter{store: svc.store})
	return svc
}

// Register creates an account with the default read role.
func (s *Service) Register(ctx context.Context, username, password string) (map[string]any, error) {
	user, err := s.accounts.Register(ctx, authpw.RegisterRequest{Username: username, Password: password})
	if err != nil {
		if errors.Is(err, authpw.ErrUsernameTaken) {
			return nil, domainError(http.StatusConflict, "USERNAME_EXISTS", "Username already exists", nil)
		}
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return userView(user), nil
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.accounts.Login(ctx, username, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	record, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	// The session backend may only store the user id; the primary store is
	// the source of truth for username and current role.
	user, err := s.store.GetUserByID(ctx, record.ID)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Username, user.Role, util.NewID("jti"), expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		Role:         user.Role,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Role:      user.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ListIssues returns every issue for admins, and granted issues for everyone
// else.
func (s *Service) ListIssues(ctx context.Context, session Session) ([]map[string]any, error) {
	var (
		issues []store.Issue
		err    error
	)
	if rbac.NormalizeUserRole(session.Role) == rbac.UserRoleAdmin {
		issues, err = s.store.ListIssues(ctx)
	} else {
		issues, err = s.store.ListIssuesForUser(ctx, session.UserID)
	}
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, issueView(issue))
	}
	return items, nil
}

// CreateIssue persists the issue together with the reporter's own grant, then
// pushes a new_issue event to everyone who can see it.
func (s *Service) CreateIssue(ctx context.Context, session Session, input CreateIssueInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if len(title) > 255 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must be at most 255 characters", nil)
	}
	severity := input.Severity
	if severity == "" {
		severity = "P2"
	}
	if _, ok := allowedSeverities[severity]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "severity must be one of P0, P1, P2, P3", nil)
	}

	issue := store.Issue{
		ID:          util.NewID("iss"),
		Title:       title,
		Description: input.Description,
		Severity:    severity,
		Status:      "Open",
		ReportedBy:  session.UserID,
	}
	grant := store.Grant{
		ID:      util.NewID("grt"),
		IssueID: issue.ID,
		UserID:  session.UserID,
		Role:    string(rbac.GrantRoleReporter),
	}
	if err := s.store.CreateIssueWithGrant(ctx, issue, grant); err != nil {
		return nil, err
	}

	s.notifyGrantees(ctx, issue)
	s.indexIssue(issue)
	return issueView(issue), nil
}

// GetIssue checks access before touching the issue: a caller without a grant
// gets the same denial whether the id exists or not.
func (s *Service) GetIssue(ctx context.Context, session Session, issueID string) (map[string]any, error) {
	ok, err := s.access.CanRead(ctx, session.UserID, issueID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return issueView(issue), nil
}

// UpdateStatus changes an issue's status and pushes the updated issue to every
// grantee. Grantee membership is read at emit time, not at request time.
func (s *Service) UpdateStatus(ctx context.Context, session Session, issueID, status string) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	ok, err := s.access.CanEdit(ctx, session.UserID, issueID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	if _, valid := allowedStatuses[status]; !valid {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of Open, triaged, in_progress, done", nil)
	}
	if s.cfg.StrictStatusFlow && status != issue.Status && nextStatus[issue.Status] != status {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"status may only advance from "+issue.Status+" to "+nextStatus[issue.Status], nil)
	}

	updated, err := s.store.UpdateIssueStatus(ctx, issueID, status)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, sql.ErrNoRows
	}
	issue.Status = status

	s.notifyGrantees(ctx, issue)
	s.indexIssue(issue)
	return issueView(issue), nil
}

// DeleteIssue is not supported: issues are a permanent record. The operation
// is rejected for every caller, admins included.
func (s *Service) DeleteIssue(ctx context.Context, session Session, issueID string) error {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Issues cannot be deleted", nil)
}

// ListAllGrants returns every grant in the system. Admin only: the full list
// reveals which issues exist.
func (s *Service) ListAllGrants(ctx context.Context, session Session) ([]map[string]any, error) {
	if rbac.NormalizeUserRole(session.Role) != rbac.UserRoleAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	grants, err := s.store.ListGrants(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(grants))
	for _, grant := range grants {
		items = append(items, grantView(grant))
	}
	return items, nil
}

func (s *Service) ListGrants(ctx context.Context, session Session, issueID string) ([]map[string]any, error) {
	ok, err := s.access.CanRead(ctx, session.UserID, issueID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if _, err := s.store.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrantsForIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(grants))
	for _, grant := range grants {
		items = append(items, grantView(grant))
	}
	return items, nil
}

// CreateGrant shares an issue with another user. Granting the same pair twice
// updates the role instead of stacking a second grant.
func (s *Service) CreateGrant(ctx context.Context, session Session, issueID string, input CreateGrantInput) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	ok, err := s.canManageGrants(ctx, session, issueID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !rbac.ValidGrantRole(input.Role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of reporter, manager, admin", nil)
	}

	target, err := s.store.GetUserByID(ctx, input.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "user does not exist", nil)
	}
	if err != nil {
		return nil, err
	}

	grant, err := s.store.UpsertGrant(ctx, store.Grant{
		ID:      util.NewID("grt"),
		IssueID: issueID,
		UserID:  target.ID,
		Role:    input.Role,
	})
	if err != nil {
		return nil, err
	}

	s.sendGrantEmail(target, issue, grant.Role)
	return grantView(grant), nil
}

func (s *Service) UpdateGrant(ctx context.Context, session Session, grantID, role string) (map[string]any, error) {
	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	ok, err := s.canManageGrants(ctx, session, grant.IssueID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !rbac.ValidGrantRole(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of reporter, manager, admin", nil)
	}

	updated, err := s.store.UpdateGrantRole(ctx, grantID, role)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, sql.ErrNoRows
	}
	grant.Role = role
	return grantView(grant), nil
}

// DeleteGrant revokes access. Removing the last grant leaves the issue
// visible to admins only; that is allowed but worth a log line.
func (s *Service) DeleteGrant(ctx context.Context, session Session, grantID string) error {
	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	ok, err := s.canManageGrants(ctx, session, grant.IssueID)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	if count, err := s.store.GrantCountForIssue(ctx, grant.IssueID); err == nil && count == 1 {
		log.Printf("grants: revoking last grant on issue %s, only admins can see it now", grant.IssueID)
	}

	deleted, err := s.store.DeleteGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if !deleted {
		return sql.ErrNoRows
	}
	return nil
}

// canManageGrants allows global admins and holders of a manager grant on the
// issue. Reporter and issue-admin grants do not confer grant management.
func (s *Service) canManageGrants(ctx context.Context, session Session, issueID string) (bool, error) {
	if rbac.NormalizeUserRole(session.Role) == rbac.UserRoleAdmin {
		return true, nil
	}
	grant, err := s.store.GetGrantForUser(ctx, issueID, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rbac.GrantRole(grant.Role) == rbac.GrantRoleManager, nil
}

// Search runs a full-text query restricted to the issues the caller can read.
func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if rbac.NormalizeUserRole(session.Role) != rbac.UserRoleAdmin {
		issues, err := s.store.ListIssuesForUser(ctx, session.UserID)
		if err != nil {
			return search.Response{}, err
		}
		allowed := make([]string, 0, len(issues))
		for _, issue := range issues {
			allowed = append(allowed, issue.ID)
		}
		q.AllowedIssueIDs = allowed
	}
	return s.search.Search(q), nil
}

// ExportIssue renders the issue as a PDF report.
func (s *Service) ExportIssue(ctx context.Context, session Session, issueID string, includeGrants bool) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export not configured", nil)
	}
	ok, err := s.access.CanRead(ctx, session.UserID, issueID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if _, err := s.store.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{IssueID: issueID, IncludeGrants: includeGrants})
}

// UploadAttachment stores a file against the issue and records its key. An
// issue holds one attachment; uploading again replaces it and the old object
// is removed best-effort.
func (s *Service) UploadAttachment(ctx context.Context, session Session, issueID, filename, contentType string, size int64, body io.Reader) (map[string]any, error) {
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	ok, err := s.access.CanEdit(ctx, session.UserID, issueID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	key, err := s.files.Upload(ctx, issueID, filename, contentType, size, body)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "UPLOAD_FAILED", err.Error(), nil)
	}
	if err := s.store.SetIssueFileURL(ctx, issueID, key); err != nil {
		return nil, err
	}
	if issue.FileURL != "" && issue.FileURL != key {
		if err := s.files.Remove(ctx, issue.FileURL); err != nil {
			log.Printf("files: remove replaced attachment %s: %v", issue.FileURL, err)
		}
	}

	url, err := s.files.PresignedURL(ctx, key, filename)
	if err != nil {
		return nil, err
	}
	return map[string]any{"fileUrl": url, "key": key}, nil
}

// AttachmentURL returns a short-lived download link for the issue's file.
func (s *Service) AttachmentURL(ctx context.Context, session Session, issueID string) (map[string]any, error) {
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	ok, err := s.access.CanRead(ctx, session.UserID, issueID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.FileURL == "" {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Issue has no attachment", nil)
	}

	url, err := s.files.PresignedURL(ctx, issue.FileURL, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{"fileUrl": url}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// notifyGrantees pushes the issue to every user currently holding a grant on
// it. Delivery is best-effort; a failed lookup only costs the event.
func (s *Service) notifyGrantees(ctx context.Context, issue store.Issue) {
	if s.hub == nil {
		return
	}
	grants, err := s.store.ListGrantsForIssue(ctx, issue.ID)
	if err != nil {
		log.Printf("notify: list grants for %s: %v", issue.ID, err)
		return
	}
	userIDs := make([]string, 0, len(grants))
	for _, grant := range grants {
		userIDs = append(userIDs, grant.UserID)
	}
	s.hub.Notify("new_issue", issueView(issue), userIDs)
}

func (s *Service) indexIssue(issue store.Issue) {
	if s.search == nil {
		return
	}
	s.search.IndexIssue(search.IssueRecord{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Severity:    issue.Severity,
		Status:      issue.Status,
		ReportedBy:  issue.ReportedBy,
	})
}

// sendGrantEmail notifies the grantee when their username is a mail address.
// Accounts are username-only, so this is all the addressing we have.
func (s *Service) sendGrantEmail(target store.User, issue store.Issue, role string) {
	if s.email == nil || !s.email.IsConfigured() || !strings.Contains(target.Username, "@") {
		return
	}
	go func() {
		issueURL := strings.TrimSuffix(s.cfg.CORSOrigin, "/") + "/issues/" + issue.ID
		if err := s.email.SendGrantEmail(target.Username, target.Username, issue.Title, role, issueURL); err != nil {
			log.Printf("email: grant notification to %s: %v", target.Username, err)
		}
	}()
}

func issueView(issue store.Issue) map[string]any {
	return map[string]any{
		"id":          issue.ID,
		"title":       issue.Title,
		"description": issue.Description,
		"fileUrl":     issue.FileURL,
		"severity":    issue.Severity,
		"status":      issue.Status,
		"reportedBy":  issue.ReportedBy,
		"createdAt":   issue.CreatedAt,
		"updatedAt":   issue.UpdatedAt,
	}
}

func grantView(grant store.Grant) map[string]any {
	return map[string]any{
		"id":        grant.ID,
		"issueId":   grant.IssueID,
		"userId":    grant.UserID,
		"role":      grant.Role,
		"createdAt": grant.CreatedAt,
	}
}

func userView(user store.User) map[string]any {
	return map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	}
}

// exportAdapter feeds the export service from the issue store.
type exportAdapter struct {
	store dataStore
}

func (a exportAdapter) GetIssueInfo(ctx context.Context, id string) (export.IssueInfo, error) {
	issue, err := a.store.GetIssue(ctx, id)
	if err != nil {
		return export.IssueInfo{}, err
	}
	reporter := issue.ReportedBy
	if user, err := a.store.GetUserByID(ctx, issue.ReportedBy); err == nil {
		reporter = user.Username
	}
	return export.IssueInfo{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Severity:    issue.Severity,
		Status:      issue.Status,
		ReportedBy:  reporter,
		CreatedAt:   issue.CreatedAt,
		UpdatedAt:   issue.UpdatedAt,
	}, nil
}

func (a exportAdapter) ListGrantInfo(ctx context.Context, issueID string) ([]export.GrantInfo, error) {
	grants, err := a.store.ListGrantsForIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	items := make([]export.GrantInfo, 0, len(grants))
	for _, grant := range grants {
		username := grant.UserID
		if user, err := a.store.GetUserByID(ctx, grant.UserID); err == nil {
			username = user.Username
		}
		items = append(items, export.GrantInfo{Username: username, Role: grant.Role})
	}
	return items, nil
}
