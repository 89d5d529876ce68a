// Package lifecycle gates transport initialisation and join/leave ordering for one session.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

type Phase int

const (
	Uninitialized Phase = iota
	Initializing
	Ready
	Joining
	Active
	Leaving
	Left
	InitFailed
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	case Left:
		return "left"
	case InitFailed:
		return "init_failed"
	default:
		return "unknown"
	}
}

func (p Phase) Terminal() bool { return p == Left || p == InitFailed }

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrLeftDuringInit means a leave landed while the transport was connecting. The caller
// owns whatever connect produced and must release it.
var ErrLeftDuringInit = fmt.Errorf("%w: left during initialize", ErrInvalidTransition)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 500 * time.Millisecond
)

type Config struct {
	Attempts  int
	BaseDelay time.Duration
}

type Machine struct {
	mu        sync.Mutex
	cfg       Config
	phase     Phase
	channel   domain.ChannelID
	gen       uint64
	listeners []func(from, to Phase)
}

func New(cfg Config) *Machine {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	return &Machine{cfg: cfg}
}

// OnTransition registers fn, called outside the lock after every phase change.
func (m *Machine) OnTransition(fn func(from, to Phase)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Machine) Channel() domain.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// IsCurrent reports whether gen still names the live join attempt.
func (m *Machine) IsCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && (m.phase == Joining || m.phase == Active)
}

// setLocked changes phase and returns a func that fires the listeners; call it unlocked.
func (m *Machine) setLocked(to Phase) func() {
	from := m.phase
	if from == to {
		return func() {}
	}
	m.phase = to
	fns := append([]func(from, to Phase){}, m.listeners...)
	log.Info().Str("module", "lifecycle").Str("from", from.String()).Str("to", to.String()).Msg("phase")
	return func() {
		for _, fn := range fns {
			fn(from, to)
		}
	}
}

// advance moves from -> to, and does nothing if another transition got there first.
func (m *Machine) advance(from, to Phase) bool {
	m.mu.Lock()
	if m.phase != from {
		m.mu.Unlock()
		return false
	}
	fire := m.setLocked(to)
	m.mu.Unlock()
	fire()
	return true
}

// Initialize runs connect with exponential backoff up to the attempt cap.
// It is a no-op once the machine is past initialisation.
func (m *Machine) Initialize(ctx context.Context, connect func(context.Context) error) error {
	m.mu.Lock()
	switch m.phase {
	case Ready, Joining, Active:
		m.mu.Unlock()
		return nil
	case Uninitialized:
	default:
		phase := m.phase
		m.mu.Unlock()
		return fmt.Errorf("%w: initialize from %s", ErrInvalidTransition, phase)
	}
	fire := m.setLocked(Initializing)
	m.mu.Unlock()
	fire()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.Attempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return connect(ctx)
	}, policy, func(err error, next time.Duration) {
		log.Warn().Str("module", "lifecycle").Int("attempt", attempt).Dur("next", next).Err(err).Msg("transport init failed, retrying")
	})
	if err != nil {
		m.advance(Initializing, InitFailed)
		return fmt.Errorf("%w: after %d attempts: %w", core.ErrTransportInit, attempt, err)
	}
	if !m.advance(Initializing, Ready) {
		return ErrLeftDuringInit
	}
	return nil
}

// BeginJoin moves Ready to Joining. A join for the channel already joining or joined
// short-circuits with already=true.
func (m *Machine) BeginJoin(channel domain.ChannelID) (already bool, gen uint64, err error) {
	m.mu.Lock()
	switch m.phase {
	case Joining, Active:
		defer m.mu.Unlock()
		if m.channel == channel {
			return true, m.gen, nil
		}
		return false, 0, fmt.Errorf("%w: join %s while in %s", ErrInvalidTransition, channel, m.channel)
	case Ready:
	default:
		phase := m.phase
		m.mu.Unlock()
		return false, 0, fmt.Errorf("%w: join from %s", ErrInvalidTransition, phase)
	}
	m.gen++
	m.channel = channel
	gen = m.gen
	fire := m.setLocked(Joining)
	m.mu.Unlock()
	fire()
	return false, gen, nil
}

// CompleteJoin finishes the join attempt gen. Stale generations are ignored.
func (m *Machine) CompleteJoin(gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen || m.phase != Joining {
		m.mu.Unlock()
		return false
	}
	fire := m.setLocked(Active)
	m.mu.Unlock()
	fire()
	return true
}

// FailJoin returns the attempt gen to Ready so it can be retried.
func (m *Machine) FailJoin(gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen || m.phase != Joining {
		m.mu.Unlock()
		return false
	}
	m.channel = ""
	fire := m.setLocked(Ready)
	m.mu.Unlock()
	fire()
	return true
}

// BeginLeave reports whether cleanup is needed. Phases without a joined channel go
// straight to Left; terminal phases stay put.
func (m *Machine) BeginLeave() bool {
	m.mu.Lock()
	var fire func()
	cleanup := false
	switch m.phase {
	case Joining, Active:
		m.gen++
		fire = m.setLocked(Leaving)
		cleanup = true
	case Uninitialized, Initializing, Ready:
		fire = m.setLocked(Left)
	default:
		fire = func() {}
	}
	m.mu.Unlock()
	fire()
	return cleanup
}

func (m *Machine) CompleteLeave() {
	m.advance(Leaving, Left)
}
