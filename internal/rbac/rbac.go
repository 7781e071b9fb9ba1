// Package rbac decides per-issue read and edit eligibility. A user's global
// role and their per-issue grant are two distinct enumerations: UserRole
// governs the admin bypass, GrantRole governs what a grant on one issue
// confers.
package rbac

import (
	"context"
	"database/sql"
	"errors"

	"tracker/api/internal/store"
)

type UserRole string
type GrantRole string

const (
	UserRoleRead  UserRole = "read"
	UserRoleAdmin UserRole = "admin"
)

const (
	GrantRoleReporter GrantRole = "reporter"
	GrantRoleManager  GrantRole = "manager"
	GrantRoleAdmin    GrantRole = "admin"
)

func ValidGrantRole(role string) bool {
	switch GrantRole(role) {
	case GrantRoleReporter, GrantRoleManager, GrantRoleAdmin:
		return true
	default:
		return false
	}
}

func NormalizeUserRole(role string) UserRole {
	if UserRole(role) == UserRoleAdmin {
		return UserRoleAdmin
	}
	return UserRoleRead
}

// Store is the subset of the entity store the engine consults. Lookups are
// fresh on every call; grants are mutable and must not be cached.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetGrantForUser(ctx context.Context, issueID, userID string) (store.Grant, error)
}

type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// CanRead reports whether the user may read the issue: global admins always,
// anyone else only while holding a grant on it (any grant role). Unknown
// users and unknown issues fail closed.
func (e *Engine) CanRead(ctx context.Context, userID, issueID string) (bool, error) {
	user, err := e.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if NormalizeUserRole(user.Role) == UserRoleAdmin {
		return true, nil
	}
	if issueID == "" {
		return false, nil
	}
	_, err = e.store.GetGrantForUser(ctx, issueID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CanEdit reports whether the user may change the issue: global admins
// always, anyone else only with a manager grant on it. Reporter and
// issue-admin grants confer visibility, not edit rights.
func (e *Engine) CanEdit(ctx context.Context, userID, issueID string) (bool, error) {
	user, err := e.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if NormalizeUserRole(user.Role) == UserRoleAdmin {
		return true, nil
	}
	if issueID == "" {
		return false, nil
	}
	grant, err := e.store.GetGrantForUser(ctx, issueID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return GrantRole(grant.Role) == GrantRoleManager, nil
}
