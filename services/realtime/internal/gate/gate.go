// Package gate admits WebSocket connections into a project before the
// transport upgrade.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"codecollab/internal/usertoken"
	"codecollab/pkg/domain"
	"codecollab/pkg/store"
	"codecollab/services/realtime/internal/authclient"
)

// TokenCookie is the cookie consulted when no Authorization header is sent.
const TokenCookie = "token"

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrInvalidProject    = errors.New("invalid project id")
	ErrProjectNotFound   = errors.New("project not found")
	ErrNotProjectMember  = errors.New("not a project member")
	ErrAuthUnavailable   = errors.New("authentication unavailable")
)

// TokenVerifier checks an access token's signature and claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Claims, error)
}

// Authenticator resolves the account behind a token with the auth service,
// which also sees revocations.
type Authenticator interface {
	Me(ctx context.Context, token string) (domain.Identity, error)
}

// Session is an admitted connection.
type Session struct {
	ID          string
	ProjectID   string
	Identity    domain.Identity
	ConnectedAt time.Time
}

type Gate struct {
	verifier TokenVerifier
	auth     Authenticator
	projects store.ProjectStore
	logger   *slog.Logger
	now      func() time.Time
}

func New(verifier TokenVerifier, auth Authenticator, projects store.ProjectStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{verifier: verifier, auth: auth, projects: projects, logger: logger, now: time.Now}
}

// Admit runs every admission check in order and returns the new session.
// It never writes to storage.
func (g *Gate) Admit(ctx context.Context, credential, projectID string) (Session, error) {
	projectID = strings.TrimSpace(projectID)
	if !domain.ValidProjectID(projectID) {
		return Session{}, ErrInvalidProject
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Session{}, ErrMissingCredential
	}

	claims, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, usertoken.ErrKeysUnavailable) {
			return Session{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
		}
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	who, err := g.auth.Me(ctx, credential)
	if err != nil {
		var apiErr *authclient.APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return Session{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return Session{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if who.UserID != claims.Subject {
		g.logger.Warn("gate_subject_mismatch", "token_sub", claims.Subject, "user_id", who.UserID)
		return Session{}, ErrInvalidCredential
	}

	project, ok, err := g.projects.GetProject(ctx, projectID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrProjectNotFound
	}
	if !project.HasMember(who.UserID) {
		return Session{}, ErrNotProjectMember
	}

	return Session{
		ID:          uuid.NewString(),
		ProjectID:   project.ID,
		Identity:    who,
		ConnectedAt: g.now().UTC(),
	}, nil
}

// CredentialFromRequest reads the bearer token, falling back to the token
// cookie.
func CredentialFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// StatusFor maps an admission error to the HTTP status returned before the
// upgrade.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrMissingCredential), errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidProject):
		return http.StatusBadRequest
	case errors.Is(err, ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotProjectMember):
		return http.StatusForbidden
	case errors.Is(err, ErrAuthUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Outcome is the metrics label for an admission result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrInvalidProject):
		return "invalid_project"
	case errors.Is(err, ErrProjectNotFound):
		return "project_not_found"
	case errors.Is(err, ErrNotProjectMember):
		return "not_member"
	case errors.Is(err, ErrAuthUnavailable):
		return "auth_unavailable"
	default:
		return "error"
	}
}

// PublicMessage is the error text sent to the client.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "authentication required"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid or expired token"
	case errors.Is(err, ErrInvalidProject):
		return "invalid projectId"
	case errors.Is(err, ErrProjectNotFound):
		return "project not found"
	case errors.Is(err, ErrNotProjectMember):
		return "not a member of this project"
	case errors.Is(err, ErrAuthUnavailable):
		return "authentication service unavailable"
	default:
		return "internal error"
	}
}
