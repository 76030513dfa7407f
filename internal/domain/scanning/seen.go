package scanning

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// SeenSet tracks the identities of commits that have already completed
// processing so a commit is never rescheduled within the process lifetime.
// All operations are safe for concurrent use; callers interact only through
// atomic check and mark operations, never the underlying container.
type SeenSet struct {
	mu   sync.RWMutex
	ids  map[string]struct{}
	jour io.Writer
}

// NewSeenSet creates an empty SeenSet.
func NewSeenSet() *SeenSet {
	return &SeenSet{ids: make(map[string]struct{})}
}

// LoadSeenSet creates a SeenSet preloaded from a newline-delimited snapshot,
// allowing deduplication to survive process restarts.
func LoadSeenSet(r io.Reader) (*SeenSet, error) {
	s := NewSeenSet()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			s.ids[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// Journal attaches a writer that receives each newly marked identity as a
// newline-delimited record. Journal writes happen under the set's lock so
// records are never interleaved.
func (s *SeenSet) Journal(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jour = w
}

// Contains reports whether the commit identity has already been processed.
func (s *SeenSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Mark records the commit identity as processed. It returns false if the
// identity was already present. Journal write failures are ignored; losing a
// snapshot record only risks one duplicate scan after a restart.
func (s *SeenSet) Mark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}

	if s.jour != nil {
		_, _ = io.WriteString(s.jour, id+"\n")
	}
	return true
}

// Len returns the number of tracked identities.
func (s *SeenSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
