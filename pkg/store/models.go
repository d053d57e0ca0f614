package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"codecollab/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ProjectModel struct {
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type ProjectMemberModel struct {
	ProjectID string    `gorm:"primaryKey"`
	UserID    string    `gorm:"primaryKey;index"`
	CreatedAt time.Time `gorm:"not null"`
}

type ChatEntryModel struct {
	ID         string         `gorm:"primaryKey"`
	ProjectID  string         `gorm:"not null;index:idx_chat_project_created,priority:1"`
	Body       string         `gorm:"type:text;not null"`
	AuthorKind string         `gorm:"not null"`
	Author     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_chat_project_created,priority:2"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func chatEntryToModel(e domain.ChatEntry) (ChatEntryModel, error) {
	author, err := json.Marshal(e.Author)
	if err != nil {
		return ChatEntryModel{}, err
	}
	return ChatEntryModel{
		ID:         e.ID,
		ProjectID:  e.ProjectID,
		Body:       e.Body,
		AuthorKind: string(e.Author.Kind),
		Author:     datatypes.JSON(author),
		CreatedAt:  e.CreatedAt.UTC(),
	}, nil
}

func chatEntryFromModel(m ChatEntryModel) (domain.ChatEntry, error) {
	var author domain.Author
	if len(m.Author) > 0 {
		if err := json.Unmarshal(m.Author, &author); err != nil {
			return domain.ChatEntry{}, err
		}
	}
	if author.Kind == "" {
		author.Kind = domain.AuthorKind(m.AuthorKind)
	}
	return domain.ChatEntry{
		ID:        m.ID,
		ProjectID: m.ProjectID,
		Body:      m.Body,
		Author:    author,
		CreatedAt: m.CreatedAt.UTC(),
	}, nil
}
