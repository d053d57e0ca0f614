package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"codecollab/internal/backend"
)

// storageFile is the subset of the realtime config that selects storage.
type storageFile struct {
	StorageBackend string `yaml:"storageBackend"`
	MongoURI       string `yaml:"mongoURI"`
	MongoDatabase  string `yaml:"mongoDatabase"`
	DatabaseURL    string `yaml:"databaseURL"`
}

type opener func(ctx context.Context, configPath, backendOverride string) (backend.Stores, error)

// openFromConfig reads the storage keys of the realtime config. A missing
// file is accepted when the backend is given on the command line.
func openFromConfig(ctx context.Context, configPath, backendOverride string) (backend.Stores, error) {
	opts, err := loadStorageOptions(configPath, backendOverride)
	if err != nil {
		return backend.Stores{}, err
	}
	return backend.Open(ctx, opts)
}

func loadStorageOptions(path, backendOverride string) (backend.Options, error) {
	var file storageFile
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return backend.Options{}, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && backendOverride != "":
	default:
		return backend.Options{}, fmt.Errorf("read config: %w", err)
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		file.StorageBackend = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		file.MongoURI = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		file.DatabaseURL = v
	}
	if backendOverride != "" {
		file.StorageBackend = backendOverride
	}
	if file.StorageBackend == "" {
		file.StorageBackend = backend.Mongo
	}
	return backend.Options{
		Backend:       file.StorageBackend,
		MongoURI:      file.MongoURI,
		MongoDatabase: file.MongoDatabase,
		DatabaseURL:   file.DatabaseURL,
	}, nil
}
