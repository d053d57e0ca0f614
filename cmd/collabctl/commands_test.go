package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codecollab/internal/backend"
	"codecollab/pkg/domain"
	"codecollab/pkg/store"
)

func sharedMemory(mem *store.MemoryStore) opener {
	return func(context.Context, string, string) (backend.Stores, error) {
		return backend.Stores{
			Name:     backend.Memory,
			Projects: mem,
			Chats:    mem,
			Close:    func(context.Context) error { return nil },
		}, nil
	}
}

func run(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(open)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProjectLifecycle(t *testing.T) {
	mem := store.NewMemoryStore()
	open := sharedMemory(mem)

	out, err := run(t, open, "project", "create", "--name", "demo", "--member", "u-alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := strings.TrimSpace(out)
	if !domain.ValidProjectID(id) {
		t.Fatalf("expected project id, got %q", out)
	}

	if _, err := run(t, open, "project", "add-member", id, "u-bob", "u-alice"); err != nil {
		t.Fatalf("add-member: %v", err)
	}
	p, ok, err := mem.GetProject(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get project: ok=%v err=%v", ok, err)
	}
	if len(p.Members) != 2 || !p.HasMember("u-bob") {
		t.Fatalf("unexpected members %v", p.Members)
	}

	out, err = run(t, open, "project", "show", id)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "name:    demo") || !strings.Contains(out, "u-alice, u-bob") {
		t.Fatalf("unexpected show output:\n%s", out)
	}
}

func TestCreateRequiresName(t *testing.T) {
	if _, err := run(t, sharedMemory(store.NewMemoryStore()), "project", "create"); err == nil {
		t.Fatalf("expected error without --name")
	}
}

func TestShowUnknownProject(t *testing.T) {
	_, err := run(t, sharedMemory(store.NewMemoryStore()), "project", "show", domain.NewProjectID())
	if !errors.Is(err, store.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestAddMemberRejectsBadProjectID(t *testing.T) {
	if _, err := run(t, sharedMemory(store.NewMemoryStore()), "project", "add-member", "nope", "u-bob"); err == nil {
		t.Fatalf("expected invalid project id error")
	}
}

func TestHistoryOutput(t *testing.T) {
	mem := store.NewMemoryStore()
	projectID := domain.NewProjectID()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := []domain.ChatEntry{
		{ID: "m2", ProjectID: projectID, Body: "@ai scaffold a CLI", Author: domain.UserAuthor(domain.Identity{UserID: "u-alice", Email: "alice@example.com"}), CreatedAt: base.Add(time.Millisecond)},
		{ID: "m1", ProjectID: projectID, Body: "hello", Author: domain.UserAuthor(domain.Identity{UserID: "u-bob"}), CreatedAt: base},
		{ID: "m3", ProjectID: projectID, Body: "Here is a layout", Author: domain.AIAuthor(), CreatedAt: base.Add(2 * time.Millisecond)},
	}
	for _, e := range entries {
		if _, _, err := mem.AppendEntry(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	open := sharedMemory(mem)

	out, err := run(t, open, "history", projectID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got:\n%s", out)
	}
	if !strings.Contains(lines[0], "u-bob") || !strings.Contains(lines[1], "alice@example.com") || !strings.Contains(lines[2], "ai") {
		t.Fatalf("unexpected order or labels:\n%s", out)
	}

	out, err = run(t, open, "history", projectID, "--json")
	if err != nil {
		t.Fatalf("history --json: %v", err)
	}
	var decoded []domain.ChatEntry
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 3 || decoded[0].ID != "m1" || decoded[2].Author.Kind != domain.AuthorAI {
		t.Fatalf("unexpected json history: %+v", decoded)
	}

	out, err = run(t, open, "history", domain.NewProjectID(), "--json")
	if err != nil || strings.TrimSpace(out) != "[]" {
		t.Fatalf("empty history should print [], got %q %v", out, err)
	}
}

func TestLoadStorageOptions(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("MONGO_URI", "")
	t.Setenv("DATABASE_URL", "")

	if _, err := loadStorageOptions(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Fatalf("missing config without --backend should fail")
	}
	opts, err := loadStorageOptions(filepath.Join(t.TempDir(), "missing.yaml"), backend.Memory)
	if err != nil || opts.Backend != backend.Memory {
		t.Fatalf("expected memory backend, got %+v %v", opts, err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "storageBackend: postgres\ndatabaseURL: postgres://localhost/chat\nmongoURI: mongodb://localhost\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	opts, err = loadStorageOptions(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.Backend != backend.Postgres || opts.DatabaseURL != "postgres://localhost/chat" {
		t.Fatalf("unexpected options %+v", opts)
	}
	opts, _ = loadStorageOptions(path, backend.Mongo)
	if opts.Backend != backend.Mongo || opts.MongoURI != "mongodb://localhost" {
		t.Fatalf("--backend should override the file, got %+v", opts)
	}
}
