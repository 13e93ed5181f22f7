package engine

import (
	"sort"
	"strings"
	"sync"
)

// groupSemaphore is a channel-based semaphore pre-filled with limit tokens.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

func (g *groupSemaphore) inUse() int {
	if g == nil {
		return 0
	}
	return g.limit - len(g.ch)
}

// groupLimiterStore holds one semaphore per group key (e.g. a jurisdiction code).
//
// A limit change for an existing key takes effect once the group is idle;
// resizing a semaphore with tokens out would lose them.
type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	if s == nil || limit <= 0 {
		return nil
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[k]
	if gs == nil || (gs.limit != limit && gs.inUse() == 0) {
		gs = newGroupSemaphore(limit)
		s.groups[k] = gs
	}
	return gs
}

// usage reports in-use slots per group, for diagnostics.
func (s *groupLimiterStore) usage() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.groups))
	keys := make([]string, 0, len(s.groups))
	for k := range s.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if n := s.groups[k].inUse(); n > 0 {
			out[k] = n
		}
	}
	return out
}
