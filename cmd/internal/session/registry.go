package session

import (
	"log/slog"
	"sync"

	"sockjs/cmd/internal/metrics"
)

// Registry is the process-wide table of live sessions.
//
// Lookups create sessions on first reference. Sessions remove themselves when they
// close, so an expired id is never resurrected: the next lookup creates a fresh session.
type Registry struct {
	log     *slog.Logger
	cfg     Config
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger, cfg Config, m *metrics.Metrics) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		cfg:      cfg,
		metrics:  m,
		sessions: make(map[string]*Session),
	}, nil
}

// GetOrCreate returns the live session for id, creating a fresh one when the id is
// unknown or its previous session is already closing. created reports which happened.
func (r *Registry) GetOrCreate(id string) (s *Session, created bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok && s.State() < StateClosing {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok && s.State() < StateClosing {
		return s, false
	}

	s = newSession(id, r.cfg, r.log, r.metrics, r.evict)
	r.sessions[id] = s
	r.metrics.SessionCreated()
	r.log.Debug("session.create", "session_id", id)
	return s, true
}

// Get returns the live session for id without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok || s.State() >= StateClosing {
		return nil, false
	}
	return s, true
}

// Len returns the number of sessions held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast enqueues msg on every open session and returns how many accepted it.
// Sessions that close concurrently are skipped.
func (r *Registry) Broadcast(msg string) int {
	n := 0
	for _, s := range r.snapshot() {
		if err := s.AddMessage(msg); err == nil {
			n++
		}
	}
	return n
}

// CloseAll closes every session, typically on process shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		s.closeWith(ReasonShutdown)
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// evict removes s if it is still the entry for its id.
func (r *Registry) evict(s *Session, reason string) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()

	r.metrics.SessionClosed(reason)
}
