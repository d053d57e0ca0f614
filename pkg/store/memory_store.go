package store

import (
	"context"
	"sort"
	"sync"

	"codecollab/pkg/domain"
)

// MemoryStore is a process-local implementation of UserStore, ProjectStore
// and ChatStore, used for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	emails   map[string]string
	projects map[string]domain.Project
	entries  map[string]domain.ChatEntry
	byProj   map[string][]string

	// failure injection for tests; nil means healthy.
	fail func(op string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		emails:   make(map[string]string),
		projects: make(map[string]domain.Project),
		entries:  make(map[string]domain.ChatEntry),
		byProj:   make(map[string][]string),
	}
}

// SetFailure installs a hook consulted before every operation. A non-nil
// return is surfaced as ErrStorage.
func (s *MemoryStore) SetFailure(fn func(op string) error) {
	s.mu.Lock()
	s.fail = fn
	s.mu.Unlock()
}

func (s *MemoryStore) check(op string) error {
	if s.fail == nil {
		return nil
	}
	if err := s.fail(op); err != nil {
		return &opError{op: op, err: err}
	}
	return nil
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return ErrStorage.Error() + ": " + e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() []error {
	return []error{ErrStorage, e.err}
}

func (s *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create_user"); err != nil {
		return err
	}
	if _, ok := s.emails[u.Email]; ok {
		return ErrEmailTaken
	}
	s.users[u.ID] = u
	s.emails[u.Email] = u.ID
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("get_user_by_email"); err != nil {
		return domain.User{}, false, err
	}
	id, ok := s.emails[email]
	if !ok {
		return domain.User{}, false, nil
	}
	return s.users[id], true, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("get_user"); err != nil {
		return domain.User{}, false, err
	}
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) CreateProject(_ context.Context, p domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create_project"); err != nil {
		return err
	}
	for _, existing := range s.projects {
		if existing.Name == p.Name {
			return ErrProjectNameTaken
		}
	}
	p.Members = dedupeMembers(nil, p.Members)
	s.projects[p.ID] = p
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (domain.Project, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("get_project"); err != nil {
		return domain.Project{}, false, err
	}
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, false, nil
	}
	p.Members = append([]string(nil), p.Members...)
	return p, true, nil
}

func (s *MemoryStore) AddMembers(_ context.Context, projectID string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("add_members"); err != nil {
		return err
	}
	p, ok := s.projects[projectID]
	if !ok {
		return ErrProjectNotFound
	}
	p.Members = dedupeMembers(p.Members, userIDs)
	s.projects[projectID] = p
	return nil
}

func dedupeMembers(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, id := range list {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (s *MemoryStore) EntryExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("entry_exists"); err != nil {
		return false, err
	}
	_, ok := s.entries[id]
	return ok, nil
}

func (s *MemoryStore) AppendEntry(_ context.Context, e domain.ChatEntry) (domain.ChatEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("append_entry"); err != nil {
		return domain.ChatEntry{}, false, err
	}
	if existing, ok := s.entries[e.ID]; ok {
		return existing, false, nil
	}
	s.entries[e.ID] = e
	s.byProj[e.ProjectID] = append(s.byProj[e.ProjectID], e.ID)
	return e, true, nil
}

func (s *MemoryStore) ListEntriesByProject(_ context.Context, projectID string) ([]domain.ChatEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list_entries"); err != nil {
		return nil, err
	}
	ids := s.byProj[projectID]
	out := make([]domain.ChatEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entries[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return domain.EntryLess(out[i], out[j]) })
	return out, nil
}

// EntryCount returns the number of stored chat entries.
func (s *MemoryStore) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
