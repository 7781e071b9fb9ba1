// Package authpw provides username/password authentication.
package authpw

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"tracker/api/internal/rbac"
	"tracker/api/internal/store"
	"tracker/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username already exists")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// Service provides username/password authentication
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// RegisterRequest contains registration parameters
type RegisterRequest struct {
	Username string
	Password string
}

// Register creates a new user account with the default "read" role.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	if len(req.Username) < 3 || len(req.Username) > 50 {
		return store.User{}, errors.New("username must be between 3 and 50 characters")
	}
	if len(req.Password) < 6 {
		return store.User{}, errors.New("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, err
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         string(rbac.UserRoleRead),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if store.IsUniqueViolation(err) {
			return store.User{}, ErrUsernameTaken
		}
		return store.User{}, err
	}
	return user, nil
}

// Login verifies the password hash and returns the stored user.
// Unknown usernames and wrong passwords produce the same error.
func (s *Service) Login(ctx context.Context, username, password string) (store.User, error) {
	if username == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
