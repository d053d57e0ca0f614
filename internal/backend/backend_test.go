package backend

import (
	"context"
	"testing"

	"codecollab/pkg/domain"
)

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), Options{Backend: " Memory "})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close(context.Background())
	if s.Name != Memory {
		t.Fatalf("unexpected name %q", s.Name)
	}
	id := domain.NewProjectID()
	if err := s.Projects.CreateProject(context.Background(), domain.Project{ID: id, Name: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := s.Chats.EntryExists(context.Background(), "nope"); err != nil || ok {
		t.Fatalf("unexpected exists result %v %v", ok, err)
	}
}

func TestOpenRejectsIncompleteOptions(t *testing.T) {
	for _, opts := range []Options{
		{Backend: Mongo},
		{Backend: Postgres},
		{Backend: "sqlite"},
		{},
	} {
		if _, err := Open(context.Background(), opts); err == nil {
			t.Fatalf("expected error for %+v", opts)
		}
	}
}
