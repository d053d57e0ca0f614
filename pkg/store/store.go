package store

import (
	"context"
	"errors"
	"time"

	"codecollab/pkg/domain"
)

var (
	// ErrStorage wraps every failure of the underlying database.
	ErrStorage          = errors.New("storage error")
	ErrEmailTaken       = errors.New("email already registered")
	ErrProjectNotFound  = errors.New("project not found")
	ErrProjectNameTaken = errors.New("project name already exists")
	ErrInvalidSession   = errors.New("invalid session")
)

// UserStore persists accounts for the auth service.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// ProjectStore resolves projects and their member lists.
type ProjectStore interface {
	CreateProject(ctx context.Context, project domain.Project) error
	GetProject(ctx context.Context, id string) (domain.Project, bool, error)
	AddMembers(ctx context.Context, projectID string, userIDs []string) error
}

// ChatStore is the durable, deduplicated log of chat entries.
//
// AppendEntry returns created=false together with the stored entry when an
// entry with the same id already exists. Failures wrap ErrStorage.
type ChatStore interface {
	EntryExists(ctx context.Context, id string) (bool, error)
	AppendEntry(ctx context.Context, entry domain.ChatEntry) (stored domain.ChatEntry, created bool, err error)
	ListEntriesByProject(ctx context.Context, projectID string) ([]domain.ChatEntry, error)
}

// SessionStore issues and validates bearer tokens.
type SessionStore interface {
	NewSession(ctx context.Context, userID string) (token string, expiresAt time.Time, err error)
	GetUserIDByToken(ctx context.Context, token string) (string, error)
	DeleteSession(ctx context.Context, token string) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is implemented by session stores that publish signing keys.
type JWKSProvider interface {
	JWKS() []JWK
}
