// Package presence keeps the local participant's roster row in step with the session.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const DefaultBeaconTimeout = 2 * time.Second

type Registrar struct {
	store         core.ParticipantStore
	beaconTimeout time.Duration

	mu         sync.Mutex
	registered bool

	beacons conc.WaitGroup
}

func New(store core.ParticipantStore, beaconTimeout time.Duration) *Registrar {
	if beaconTimeout <= 0 {
		beaconTimeout = DefaultBeaconTimeout
	}
	return &Registrar{store: store, beaconTimeout: beaconTimeout}
}

// Reset clears the registered flag. Call once per fresh join.
func (r *Registrar) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = false
}

func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// swallowed reports failures expected for identities without write access.
func swallowed(err error) bool {
	return errors.Is(err, core.ErrPersistenceAuth) || errors.Is(err, core.ErrNotFound)
}

// Register upserts the presence row once per join.
func (r *Registrar) Register(ctx context.Context, sid domain.SessionID, p domain.Participant) error {
	r.mu.Lock()
	if r.registered {
		r.mu.Unlock()
		return nil
	}
	r.registered = true
	r.mu.Unlock()

	logger := log.With().Str("module", "presence").Str("session", string(sid)).Str("participant", string(p.ID)).Logger()

	row := core.RowFromParticipant(sid, p)
	if _, err := r.store.Upsert(ctx, row); err != nil {
		if swallowed(err) {
			logger.Info().Err(err).Msg("presence write not permitted, skipping")
			return nil
		}
		r.mu.Lock()
		r.registered = false
		r.mu.Unlock()
		logger.Warn().Err(err).Msg("register presence failed")
		return fmt.Errorf("%w: %w", core.ErrPersistenceWrite, err)
	}
	logger.Info().Msg("presence registered")
	return nil
}

// Deregister removes the presence row. Best effort.
func (r *Registrar) Deregister(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) error {
	r.Reset()
	logger := log.With().Str("module", "presence").Str("session", string(sid)).Str("participant", string(pid)).Logger()

	if _, err := r.store.Delete(ctx, sid, pid); err != nil {
		if swallowed(err) {
			logger.Debug().Err(err).Msg("presence already gone")
			return nil
		}
		logger.Warn().Err(err).Msg("deregister presence failed")
		return fmt.Errorf("%w: %w", core.ErrPersistenceWrite, err)
	}
	logger.Info().Msg("presence deregistered")
	return nil
}

// DeregisterBeacon fires a detached delete and returns at once. Used when the page unloads.
func (r *Registrar) DeregisterBeacon(sid domain.SessionID, pid domain.ParticipantID) {
	r.beacons.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.beaconTimeout)
		defer cancel()
		_ = r.Deregister(ctx, sid, pid)
	})
}

// Wait blocks until in-flight beacons finish.
func (r *Registrar) Wait() {
	r.beacons.Wait()
}
