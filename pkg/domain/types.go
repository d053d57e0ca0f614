package domain

import (
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether userID is listed on the project.
func (p Project) HasMember(userID string) bool {
	for _, m := range p.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Identity is the authenticated principal behind a realtime session.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// NewProjectID allocates a project identifier. Project ids are ObjectID hex
// strings regardless of which store holds them.
func NewProjectID() string {
	return primitive.NewObjectID().Hex()
}

// ValidProjectID reports whether id is a well-formed project identifier.
func ValidProjectID(id string) bool {
	return primitive.IsValidObjectID(strings.TrimSpace(id))
}

type AuthorKind string

const (
	AuthorUser        AuthorKind = "user"
	AuthorAI          AuthorKind = "ai"
	AuthorSystemError AuthorKind = "system-error"
)

// Author identifies who wrote a chat entry. UserID and Email are set only
// for AuthorUser.
type Author struct {
	Kind   AuthorKind `json:"kind" bson:"kind"`
	UserID string     `json:"userId,omitempty" bson:"userId,omitempty"`
	Email  string     `json:"email,omitempty" bson:"email,omitempty"`
}

var ErrInvalidAuthor = errors.New("invalid author")

func UserAuthor(id Identity) Author {
	return Author{Kind: AuthorUser, UserID: id.UserID, Email: id.Email}
}

func AIAuthor() Author { return Author{Kind: AuthorAI} }

func SystemErrorAuthor() Author { return Author{Kind: AuthorSystemError} }

// Validate enforces the closed set of author shapes.
func (a Author) Validate() error {
	switch a.Kind {
	case AuthorUser:
		if strings.TrimSpace(a.UserID) == "" {
			return ErrInvalidAuthor
		}
		return nil
	case AuthorAI, AuthorSystemError:
		if a.UserID != "" || a.Email != "" {
			return ErrInvalidAuthor
		}
		return nil
	default:
		return ErrInvalidAuthor
	}
}

// ChatEntry is one persisted, immutable conversation turn.
type ChatEntry struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Body      string    `json:"body"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// EntryLess orders entries by (CreatedAt, ID).
func EntryLess(a, b ChatEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
