package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codecollab/pkg/auth"
	"codecollab/pkg/domain"
	"codecollab/pkg/store"
)

// Config holds the stores the application runs on.
type Config struct {
	Users    store.UserStore
	Sessions store.SessionStore
	Now      func() time.Time
}

// App is the account service: sign up, log in, log out, and resolve tokens.
type App struct {
	users    store.UserStore
	sessions store.SessionStore
	now      func() time.Time
}

// Session is an issued access token.
type Session struct {
	User      domain.User
	Token     string
	ExpiresAt time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Users == nil {
		return nil, errors.New("user store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{users: cfg.Users, sessions: cfg.Sessions, now: cfg.Now}, nil
}

// SignUp registers a new account and issues its first token.
func (a *App) SignUp(ctx context.Context, email, password string) (Session, error) {
	email = auth.NormalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrEmailAndPasswordRequired
	}
	if !auth.ValidEmail(email) {
		return Session{}, ErrInvalidEmail
	}
	if err := auth.ValidatePassword(password); err != nil {
		return Session{}, err
	}
	_, exists, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return Session{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return Session{}, ErrEmailAlreadyExists
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return Session{}, ErrEmailAlreadyExists
		}
		return Session{}, fmt.Errorf("save user: %w", err)
	}
	return a.issue(ctx, user)
}

// Login validates credentials and issues a token.
func (a *App) Login(ctx context.Context, email, password string) (Session, error) {
	email = auth.NormalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrEmailAndPasswordRequired
	}
	user, ok, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return Session{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	return a.issue(ctx, user)
}

// Logout revokes the token until it would have expired.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.sessions.DeleteSession(ctx, token)
}

// UserFromToken resolves the account behind a live token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	uid, err := a.sessions.GetUserIDByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrInvalidSession) {
			return domain.User{}, ErrUnauthorized
		}
		return domain.User{}, fmt.Errorf("resolve token: %w", err)
	}
	user, found, err := a.users.GetUserByID(ctx, uid)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// JWKS returns public signing keys when the session store publishes them.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (a *App) issue(ctx context.Context, user domain.User) (Session, error) {
	token, expiresAt, err := a.sessions.NewSession(ctx, user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}
	return Session{User: user, Token: token, ExpiresAt: expiresAt}, nil
}
