package chat

import (
	"sync"
	"time"
)

// lane serializes every persist+broadcast and every join for one project,
// and hands out strictly increasing millisecond timestamps so listing order
// matches persist order.
type lane struct {
	mu   sync.Mutex
	last time.Time
	refs int
	// idleSince is wall-clock time of the last release; last may follow an
	// injected clock and is never used for eviction.
	idleSince time.Time
}

func (l *lane) stamp(now time.Time) time.Time {
	t := now.UTC().Truncate(time.Millisecond)
	if !t.After(l.last) {
		t = l.last.Add(time.Millisecond)
	}
	l.last = t
	return t
}

// laneSet hands out per-project lanes and forgets idle ones.
type laneSet struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	idleTTL time.Duration
	now     func() time.Time
}

func newLaneSet() *laneSet {
	return &laneSet{lanes: make(map[string]*lane), idleTTL: time.Minute, now: time.Now}
}

// acquire returns the project's lane, locked.
func (s *laneSet) acquire(projectID string) *lane {
	s.mu.Lock()
	l, ok := s.lanes[projectID]
	if !ok {
		l = &lane{}
		s.lanes[projectID] = l
	}
	l.refs++
	s.mu.Unlock()
	l.mu.Lock()
	return l
}

func (s *laneSet) release(projectID string, l *lane) {
	l.mu.Unlock()
	s.mu.Lock()
	l.refs--
	now := s.now()
	l.idleSince = now
	if len(s.lanes) > sweepThreshold {
		cutoff := now.Add(-s.idleTTL)
		for id, other := range s.lanes {
			if other.refs == 0 && other.idleSince.Before(cutoff) {
				delete(s.lanes, id)
			}
		}
	}
	s.mu.Unlock()
}

const sweepThreshold = 1024
