package sync

import (
	"sync"
	"time"
)

// DefaultSuppressTTL is how long an engine-written path suppresses the
// watcher event caused by that write.
const DefaultSuppressTTL = 500 * time.Millisecond

// suppressor keeps inbound writes from echoing back out. The engine marks
// a path just before writing it; when the watcher reports the resulting
// event, Consume swallows it. Entries expire so a marked path whose event
// never arrives cannot mute a later genuine edit.
type suppressor struct {
	ttl time.Duration

	mu    sync.Mutex
	paths map[string]time.Time // path -> suppression deadline
	now   func() time.Time
}

func newSuppressor(ttl time.Duration) *suppressor {
	if ttl <= 0 {
		ttl = DefaultSuppressTTL
	}
	return &suppressor{
		ttl:   ttl,
		paths: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Mark suppresses the next event for path until the TTL lapses.
func (s *suppressor) Mark(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[path] = s.now().Add(s.ttl)
}

// Consume reports whether an event for path should be swallowed. A fresh
// mark is consumed by the call; a stale one is discarded and the event
// passes through.
func (s *suppressor) Consume(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.paths[path]
	if !ok {
		return false
	}
	delete(s.paths, path)
	return s.now().Before(deadline)
}
