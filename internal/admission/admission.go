// Package admission bounds how many connections of one transport kind
// (UDP or TCP) may be in flight at once. Each transport gets its own Set,
// sized from its own config field — unlike the original DNSCrypt forwarder
// this was distilled from, which reused the TCP bound for UDP admission
// too.
package admission

import "sync"

// Set is a bounded, oldest-evict deque of abort channels. Pushing past
// capacity closes (not sends on) the oldest entry's channel, waking
// whichever goroutine is selecting on it so it can tear down its
// connection and make room.
type Set struct {
	mu       sync.Mutex
	capacity int
	entries  []*entry
}

type entry struct {
	abort chan struct{}
	freed bool
}

// New creates a Set bounded to capacity concurrent entries. A capacity of
// 0 or less means unbounded (Push never evicts).
func New(capacity int) *Set {
	return &Set{capacity: capacity}
}

// Push admits a new connection, returning its abort channel (closed if the
// set evicts it to make room for a later entry) and a release func the
// caller must defer to remove itself from the set on normal completion.
func (s *Set) Push() (abort <-chan struct{}, release func()) {
	e := &entry{abort: make(chan struct{})}

	s.mu.Lock()
	if s.capacity > 0 && len(s.entries) >= s.capacity {
		oldest := s.entries[0]
		s.entries = s.entries[1:]
		if !oldest.freed {
			oldest.freed = true
			close(oldest.abort)
		}
	}
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	return e.abort, func() { s.release(e) }
}

func (s *Set) release(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.freed {
		return
	}
	e.freed = true

	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
}

// Len reports how many entries are currently admitted. Intended for
// metrics gauges, not for admission decisions (Push is the single point
// of truth there).
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
