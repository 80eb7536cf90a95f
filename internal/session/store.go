package session

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry holds the live sessions by id and arbitrates eviction.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	log      zerolog.Logger
	onEvict  func(*Session)
}

func NewRegistry(opts Options, log zerolog.Logger) (*Registry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
		log:      log,
	}, nil
}

// OnEvict registers a callback run after a session has been removed by its
// disconnect timeout. Must be called before sessions are opened.
func (r *Registry) OnEvict(fn func(*Session)) {
	r.onEvict = fn
}

// Open returns the session for id, creating it when absent. An empty id
// gets a fresh random one.
func (r *Registry) Open(id string) (*Session, bool) {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	// options were validated in NewRegistry
	s, _ = New(id, r.opts, r, r.log)
	r.sessions[id] = s
	r.log.Debug().Str("session", id).Int("sessions", len(r.sessions)).Msg("session created")
	return s, true
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Evict removes s only if it is still the registered session for its id.
func (r *Registry) Evict(ctx context.Context, s *Session) bool {
	if ctx.Err() != nil {
		return false
	}
	r.mu.Lock()
	cur, ok := r.sessions[s.ID()]
	if !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.ID())
	remaining := len(r.sessions)
	r.mu.Unlock()

	r.log.Debug().Str("session", s.ID()).Int("sessions", remaining).Msg("session evicted")
	if r.onEvict != nil {
		go r.onEvict(s)
	}
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the registered session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close disposes every session and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Teardown()
	}
}
