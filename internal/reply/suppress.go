package reply

import (
	"sync"
	"time"
)

const suppressPurgeAge = time.Hour

// suppressor drops repeat replies: the same content to the same
// conversation inside the window is a duplicate. Entries are purged
// lazily on write and never persisted.
type suppressor struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]suppressEntry
	now    func() time.Time
}

type suppressEntry struct {
	content string
	at      time.Time
}

func newSuppressor(window time.Duration) *suppressor {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &suppressor{
		window: window,
		seen:   map[string]suppressEntry{},
		now:    time.Now,
	}
}

// shouldDrop reports whether sending content to conversation now would
// repeat a recent reply.
func (s *suppressor) shouldDrop(conversation, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.seen[conversation]
	if !ok {
		return false
	}
	return e.content == content && s.now().Sub(e.at) < s.window
}

// noteSent records a delivered reply and purges stale entries.
func (s *suppressor) noteSent(conversation, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.seen[conversation] = suppressEntry{content: content, at: now}
	for k, e := range s.seen {
		if now.Sub(e.at) > suppressPurgeAge {
			delete(s.seen, k)
		}
	}
}
