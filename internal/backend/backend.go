// Package backend opens the project and chat stores selected by config.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"codecollab/pkg/store"
)

const (
	Mongo    = "mongo"
	Postgres = "postgres"
	Memory   = "memory"
)

// Options names the backend and its connection settings.
type Options struct {
	Backend       string
	MongoURI      string
	MongoDatabase string
	DatabaseURL   string
}

// Stores is an opened backend. Close releases its connections.
type Stores struct {
	Name     string
	Projects store.ProjectStore
	Chats    store.ChatStore
	Close    func(ctx context.Context) error
}

// Open connects to the configured backend. Mongo and Postgres create their
// indexes or tables on first use.
func Open(ctx context.Context, opts Options) (Stores, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Backend))
	switch name {
	case Mongo:
		if opts.MongoURI == "" {
			return Stores{}, errors.New("mongo backend requires a mongo uri")
		}
		db := opts.MongoDatabase
		if db == "" {
			db = "codecollab"
		}
		s, err := store.NewMongoStore(ctx, opts.MongoURI, db)
		if err != nil {
			return Stores{}, fmt.Errorf("open mongo: %w", err)
		}
		return Stores{Name: name, Projects: s, Chats: s, Close: s.Close}, nil
	case Postgres:
		if opts.DatabaseURL == "" {
			return Stores{}, errors.New("postgres backend requires a database url")
		}
		s, err := store.NewGormStore(opts.DatabaseURL)
		if err != nil {
			return Stores{}, fmt.Errorf("open postgres: %w", err)
		}
		return Stores{Name: name, Projects: s, Chats: s, Close: func(context.Context) error { return s.Close() }}, nil
	case Memory:
		s := store.NewMemoryStore()
		return Stores{Name: name, Projects: s, Chats: s, Close: func(context.Context) error { return nil }}, nil
	default:
		return Stores{}, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
