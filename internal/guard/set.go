package guard

import "sync"

// ReferenceSet is the in-memory copy of confirmed references. It only grows.
type ReferenceSet struct {
	mu   sync.RWMutex
	refs map[string]struct{}
}

func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{refs: make(map[string]struct{})}
}

func (s *ReferenceSet) Has(ref string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.refs[ref]
	return ok
}

// Add reports whether ref was newly added.
func (s *ReferenceSet) Add(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refs[ref]; ok {
		return false
	}
	s.refs[ref] = struct{}{}
	return true
}

func (s *ReferenceSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs)
}
