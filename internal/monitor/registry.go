// Package monitor tracks in-flight agent dispatches for the lifetime of the
// process. Entries are not persisted: a restart resets monitor state and the
// reconciler re-derives conservatively until fresh evidence arrives.
package monitor

import (
	"strings"
	"sync"
	"time"
)

// Entry records one dispatched session and whether the agent has shown any
// sign of life since the dispatch began.
type Entry struct {
	SessionKey         string    `json:"session_key"`
	FirstActivityAcked bool      `json:"first_activity_acked"`
	RegisteredAt       time.Time `json:"registered_at"`
}

type Registry struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	ackTimeout time.Duration
	now        func() time.Time
}

type Option func(*Registry)

// WithClock injects the time source; tests use a fixed clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(ackTimeout time.Duration, opts ...Option) *Registry {
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Minute
	}
	r := &Registry{
		entries:    make(map[string]Entry),
		ackTimeout: ackTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterDispatch starts tracking a session. A re-register for the same key
// supersedes the previous entry, clearing any earlier ack.
func (r *Registry) RegisterDispatch(sessionKey string) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sessionKey] = Entry{
		SessionKey:   sessionKey,
		RegisteredAt: r.now(),
	}
}

// AcknowledgeActivity marks the first observed agent activity on a session.
// Unknown keys are ignored; last write wins.
func (r *Registry) AcknowledgeActivity(sessionKey string) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[sessionKey]
	if !ok {
		return
	}
	entry.FirstActivityAcked = true
	r.entries[sessionKey] = entry
}

func (r *Registry) Acked(sessionKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[strings.TrimSpace(sessionKey)].FirstActivityAcked
}

func (r *Registry) ActiveMonitors() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	return out
}

func (r *Registry) Remove(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, strings.TrimSpace(sessionKey))
}

// Reset drops all entries. Tests construct a fresh registry per case; Reset
// exists for operational recovery paths.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Entry)
}

func (r *Registry) AckTimeout() time.Duration {
	return r.ackTimeout
}
