package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"codecollab/pkg/domain"
)

func testEntry(id, project string, at time.Time) domain.ChatEntry {
	return domain.ChatEntry{
		ID:        id,
		ProjectID: project,
		Body:      "body " + id,
		Author:    domain.UserAuthor(domain.Identity{UserID: "u1", Email: "u1@example.com"}),
		CreatedAt: at,
	}
}

func TestMemoryStoreAppendIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, created, err := s.AppendEntry(ctx, testEntry("m1", "p1", at))
	if err != nil || !created {
		t.Fatalf("first append: created=%v err=%v", created, err)
	}

	dup := testEntry("m1", "p1", at.Add(time.Hour))
	dup.Body = "changed"
	got, created, err := s.AppendEntry(ctx, dup)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate to be ignored")
	}
	if got.Body != first.Body || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("duplicate must return stored entry unchanged, got %+v", got)
	}
	if s.EntryCount() != 1 {
		t.Fatalf("expected exactly one entry, got %d", s.EntryCount())
	}
	ok, err := s.EntryExists(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("expected m1 to exist: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreConcurrentAppendCreatesOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.AppendEntry(ctx, testEntry("same", "p1", at))
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if createdCount != 1 {
		t.Fatalf("expected one creation, got %d", createdCount)
	}
}

func TestMemoryStoreListOrdersByCreatedAtThenID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, e := range []domain.ChatEntry{
		testEntry("c", "p1", base.Add(2*time.Second)),
		testEntry("b", "p1", base),
		testEntry("a", "p1", base),
		testEntry("x", "p2", base),
	} {
		if _, _, err := s.AppendEntry(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.ID, err)
		}
	}

	got, err := s.ListEntriesByProject(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: want %s got %s", i, id, got[i].ID)
		}
	}
}

func TestMemoryStoreFailureSurfacesAsStorageError(t *testing.T) {
	s := NewMemoryStore()
	outage := errors.New("disk on fire")
	s.SetFailure(func(op string) error {
		if op == "append_entry" {
			return outage
		}
		return nil
	})
	_, _, err := s.AppendEntry(context.Background(), testEntry("m1", "p1", time.Now()))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if !errors.Is(err, outage) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if ok, _ := s.EntryExists(context.Background(), "m1"); ok {
		t.Fatalf("failed append must not store the entry")
	}
}

func TestMemoryStoreProjects(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := domain.NewProjectID()

	if err := s.CreateProject(ctx, domain.Project{ID: id, Name: "demo", Members: []string{"u1", "u1"}}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := s.CreateProject(ctx, domain.Project{ID: domain.NewProjectID(), Name: "demo"}); !errors.Is(err, ErrProjectNameTaken) {
		t.Fatalf("expected name conflict, got %v", err)
	}
	if err := s.AddMembers(ctx, id, []string{"u2", "u1"}); err != nil {
		t.Fatalf("add members: %v", err)
	}
	p, ok, err := s.GetProject(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get project: ok=%v err=%v", ok, err)
	}
	if fmt.Sprint(p.Members) != "[u1 u2]" {
		t.Fatalf("unexpected members %v", p.Members)
	}
	if err := s.AddMembers(ctx, domain.NewProjectID(), []string{"u3"}); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected project not found, got %v", err)
	}
}

func TestMemoryStoreUsers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	u := domain.User{ID: "u1", Email: "ada@example.com", PasswordHash: "h"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, domain.User{ID: "u2", Email: "ada@example.com"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected email taken, got %v", err)
	}
	got, ok, err := s.GetUserByEmail(ctx, "ada@example.com")
	if err != nil || !ok || got.ID != "u1" {
		t.Fatalf("get by email: %+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := s.GetUserByID(ctx, "missing"); ok {
		t.Fatalf("expected missing user")
	}
}
