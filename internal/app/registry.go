package app

import (
	"context"
	"sync"

	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

// SessionFactory builds a fresh, uninitialised session.
type SessionFactory func() *orch.Session

// Registry holds the current session of this agent and the identities remembered per
// browser session. Sessions are one-shot: once one has left or failed to initialise,
// the next Current call builds a new one.
type Registry struct {
	mu         sync.RWMutex
	factory    SessionFactory
	current    *orch.Session
	identities map[string]domain.Identity
	onSession  []func(*orch.Session)
}

func NewRegistry(factory SessionFactory) *Registry {
	return &Registry{
		factory:    factory,
		identities: make(map[string]domain.Identity),
	}
}

// OnSession registers fn for every session the registry creates.
func (r *Registry) OnSession(fn func(*orch.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSession = append(r.onSession, fn)
}

// Current returns the live session, creating one when there is none or the last one ended.
func (r *Registry) Current() *orch.Session {
	r.mu.RLock()
	cur := r.current
	r.mu.RUnlock()
	if cur != nil && !cur.Phase().Terminal() {
		return cur
	}

	r.mu.Lock()
	if r.current != nil && !r.current.Phase().Terminal() {
		cur = r.current
		r.mu.Unlock()
		return cur
	}
	prev := r.current
	cur = r.factory()
	r.current = cur
	fns := append([]func(*orch.Session){}, r.onSession...)
	r.mu.Unlock()

	if prev != nil {
		log.Info().Str("module", "app.registry").Str("prev_phase", prev.Phase().String()).Msg("replaced finished session")
	} else {
		log.Info().Str("module", "app.registry").Msg("created session")
	}
	for _, fn := range fns {
		fn(cur)
	}
	return cur
}

// Peek returns the current session without creating one.
func (r *Registry) Peek() (*orch.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.current != nil
}

func (r *Registry) Identity(key string) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.identities[key]
	return ident, ok
}

func (r *Registry) RememberIdentity(key string, ident domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[key] = ident
	log.Info().Str("module", "app.registry").Str("participant", string(ident.ID)).Str("display_name", ident.DisplayName).Msg("remembered identity")
}

// Shutdown leaves the current session, if any, and waits for its background work.
func (r *Registry) Shutdown(ctx context.Context) {
	cur, ok := r.Peek()
	if !ok {
		return
	}
	cur.RequestLeave(ctx)
	cur.Wait()
	log.Info().Str("module", "app.registry").Msg("session shut down")
}
