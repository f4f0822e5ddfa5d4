package broker

import "sync"

// NewBrowserID mints a fresh browser-cookie value: 20 random bytes as 40 hex
// characters, the same format as session ids.
func NewBrowserID() string { return newRandomID() }

// browserRegistry groups sessions by their browser-cookie value and counts
// the /meta/connect requests currently held per browser, so the transport
// can cap concurrent long polls from one user agent.
type browserRegistry struct {
	mu      sync.Mutex
	entries map[string]*browserEntry
}

type browserEntry struct {
	sessions map[string]*Session
	holds    int
}

func newBrowserRegistry() *browserRegistry {
	return &browserRegistry{entries: make(map[string]*browserEntry)}
}

func (r *browserRegistry) addSession(browserID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[browserID]
	if e == nil {
		e = &browserEntry{sessions: make(map[string]*Session)}
		r.entries[browserID] = e
	}
	e.sessions[s.ID()] = s
}

func (r *browserRegistry) removeSession(browserID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[browserID]
	if e == nil {
		return
	}
	delete(e.sessions, s.ID())
	if len(e.sessions) == 0 && e.holds == 0 {
		delete(r.entries, browserID)
	}
}

// sessionCount returns the number of sessions sharing the browser id.
func (r *browserRegistry) sessionCount(browserID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[browserID]; e != nil {
		return len(e.sessions)
	}
	return 0
}

// tryHold claims a meta-connect hold slot for the browser. max < 0 means
// unlimited, max == 0 forbids holding entirely.
func (r *browserRegistry) tryHold(browserID string, max int) bool {
	if max == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[browserID]
	if e == nil {
		e = &browserEntry{sessions: make(map[string]*Session)}
		r.entries[browserID] = e
	}
	if max > 0 && e.holds >= max {
		return false
	}
	e.holds++
	return true
}

// releaseHold returns a hold slot claimed by tryHold.
func (r *browserRegistry) releaseHold(browserID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[browserID]
	if e == nil {
		return
	}
	if e.holds > 0 {
		e.holds--
	}
	if len(e.sessions) == 0 && e.holds == 0 {
		delete(r.entries, browserID)
	}
}

func (r *browserRegistry) holds(browserID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[browserID]; e != nil {
		return e.holds
	}
	return 0
}
