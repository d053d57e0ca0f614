package rooms

import (
	"sync"
)

// Member is a live session as seen by the registry. Enqueue must not block:
// it returns false when the member cannot take another frame.
type Member interface {
	ID() string
	Enqueue(frame []byte) bool
}

// DropFunc is called, outside any registry lock, for each member that
// refused a frame during a broadcast.
type DropFunc func(projectID string, m Member)

type room struct {
	mu      sync.Mutex
	members map[string]Member
}

// Registry maps project ids to their live members. The outer lock only
// guards the room table; membership and fan-out use the per-room lock, so
// rooms never contend with each other.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	byID   map[string]string
	onDrop DropFunc
}

func NewRegistry(onDrop DropFunc) *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		byID:   make(map[string]string),
		onDrop: onDrop,
	}
}

// Join adds m to the project's room. Re-joining the same room is a no-op;
// joining another room moves the member.
func (r *Registry) Join(m Member, projectID string) {
	r.mu.Lock()
	if prev, ok := r.byID[m.ID()]; ok && prev != projectID {
		r.removeLocked(m.ID(), prev)
	}
	rm, ok := r.rooms[projectID]
	if !ok {
		rm = &room{members: make(map[string]Member)}
		r.rooms[projectID] = rm
	}
	r.byID[m.ID()] = projectID
	rm.mu.Lock()
	rm.members[m.ID()] = m
	rm.mu.Unlock()
	r.mu.Unlock()
}

// Leave removes the member from whatever room it is in. It reports the
// project it left, or "" when the member was not joined.
func (r *Registry) Leave(memberID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	projectID, ok := r.byID[memberID]
	if !ok {
		return ""
	}
	r.removeLocked(memberID, projectID)
	return projectID
}

func (r *Registry) removeLocked(memberID, projectID string) {
	delete(r.byID, memberID)
	rm, ok := r.rooms[projectID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, memberID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, projectID)
	}
}

// IsMember reports whether memberID is joined to projectID.
func (r *Registry) IsMember(memberID, projectID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[memberID] == projectID
}

// Size returns the number of members in the project's room.
func (r *Registry) Size(projectID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[projectID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Broadcast enqueues frame on every member of the room except excludeID.
// Holding the room lock across the loop keeps two broadcasts to the same
// room from interleaving, so every member sees them in issue order.
// It returns the number of members the frame was queued for.
func (r *Registry) Broadcast(projectID string, frame []byte, excludeID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[projectID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	var dropped []Member
	delivered := 0
	rm.mu.Lock()
	for id, m := range rm.members {
		if id == excludeID {
			continue
		}
		if m.Enqueue(frame) {
			delivered++
			continue
		}
		dropped = append(dropped, m)
	}
	rm.mu.Unlock()

	if r.onDrop != nil {
		for _, m := range dropped {
			r.onDrop(projectID, m)
		}
	}
	return delivered
}
