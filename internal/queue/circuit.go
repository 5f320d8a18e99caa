package queue

import (
	"sync"
	"time"
)

// circuitState tracks consecutive infrastructure failures for one job kind.
//
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip, stops
//     claiming that kind for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func (c Config) circuit() (circuitCfg, bool) {
	if c.CircuitTripFailures < 0 {
		return circuitCfg{}, false
	}
	cc := circuitCfg{
		trip:       c.CircuitTripFailures,
		baseDelay:  c.CircuitBaseDelay,
		maxDelay:   c.CircuitMaxDelay,
		resetAfter: 5 * time.Minute,
	}
	if cc.trip == 0 {
		cc.trip = 5
	}
	if cc.baseDelay <= 0 {
		cc.baseDelay = 5 * time.Second
	}
	if cc.maxDelay <= 0 {
		cc.maxDelay = 2 * time.Minute
	}
	return cc, true
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func (s *circuitStore) getLocked(kind string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[kind]
	if st == nil {
		st = &circuitState{}
		s.m[kind] = st
	}
	return st
}

// open reports whether kind is currently paused.
func (s *circuitStore) open(now time.Time, kind string, cc circuitCfg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(kind)
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	return !st.openUntil.IsZero() && now.Before(st.openUntil)
}

// record updates kind with the outcome of one infrastructure-relevant run.
// It returns the time the circuit opened until, zero if it stays closed.
func (s *circuitStore) record(now time.Time, kind string, cc circuitCfg, failed bool) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(kind)

	if !failed {
		*st = circuitState{}
		return time.Time{}
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return time.Time{}
	}

	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip && d < cc.maxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cc.maxDelay))
	return st.openUntil
}

func (s *circuitStore) countOpen(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
