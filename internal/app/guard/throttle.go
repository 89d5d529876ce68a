// Package guard rate-limits and serialises user intents before they reach the transport
// or the persisted roster.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Stage/internal/core"
	"github.com/rs/zerolog/log"
)

type Kind int

const (
	Mute Kind = iota
	ScreenShare
	Recording
	Leave
)

func (k Kind) String() string {
	switch k {
	case Mute:
		return "mute"
	case ScreenShare:
		return "screen_share"
	case Recording:
		return "recording"
	case Leave:
		return "leave"
	default:
		return "unknown"
	}
}

type Config struct {
	Mute            time.Duration
	ScreenShare     time.Duration
	Recording       time.Duration
	InFlightTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mute:            500 * time.Millisecond,
		ScreenShare:     time.Second,
		Recording:       time.Second,
		InFlightTimeout: 1500 * time.Millisecond,
	}
}

// Token names one admitted call. Done only clears the in-flight mark it was issued for.
type Token uint64

type flight struct {
	tok     Token
	started time.Time
}

// Throttle enforces a per-kind cooldown and a single in-flight call per kind.
// Leave is never throttled here; it is single-flighted by the session.
type Throttle struct {
	mu       sync.Mutex
	clock    clock.Clock
	cooldown map[Kind]time.Duration
	timeout  time.Duration
	last     map[Kind]time.Time
	inFlight map[Kind]flight
	seq      Token
}

func New(c clock.Clock, cfg Config) *Throttle {
	if c == nil {
		c = clock.New()
	}
	def := DefaultConfig()
	if cfg.Mute <= 0 {
		cfg.Mute = def.Mute
	}
	if cfg.ScreenShare <= 0 {
		cfg.ScreenShare = def.ScreenShare
	}
	if cfg.Recording <= 0 {
		cfg.Recording = def.Recording
	}
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = def.InFlightTimeout
	}
	return &Throttle{
		clock: c,
		cooldown: map[Kind]time.Duration{
			Mute:        cfg.Mute,
			ScreenShare: cfg.ScreenShare,
			Recording:   cfg.Recording,
		},
		timeout:  cfg.InFlightTimeout,
		last:     make(map[Kind]time.Time),
		inFlight: make(map[Kind]flight),
	}
}

// Guard reports whether an action of kind may start now and, if so, marks it in flight
// and returns the token to hand to Done. The in-flight mark expires on its own after the
// safety timeout.
func (t *Throttle) Guard(kind Kind) (Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	if kind == Leave {
		return t.seq, true
	}
	now := t.clock.Now()
	if f, ok := t.inFlight[kind]; ok && now.Sub(f.started) < t.timeout {
		log.Debug().Str("module", "guard").Str("kind", kind.String()).Msg("rejected: in flight")
		return 0, false
	}
	if last, ok := t.last[kind]; ok && now.Sub(last) < t.cooldown[kind] {
		log.Debug().Str("module", "guard").Str("kind", kind.String()).Msg("rejected: cooldown")
		return 0, false
	}
	t.last[kind] = now
	t.inFlight[kind] = flight{tok: t.seq, started: now}
	return t.seq, true
}

// Done clears the in-flight mark of the call tok admitted. A call that outlived the
// safety timeout leaves a newer call's mark alone. The cooldown keeps running.
func (t *Throttle) Done(kind Kind, tok Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.inFlight[kind]; ok && f.tok == tok {
		delete(t.inFlight, kind)
	}
}

func (t *Throttle) InFlight(kind Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.inFlight[kind]
	return ok && t.clock.Now().Sub(f.started) < t.timeout
}

// Do runs fn under Guard/Done and returns core.ErrThrottled when the guard rejects it.
func (t *Throttle) Do(ctx context.Context, kind Kind, fn func(context.Context) error) error {
	tok, ok := t.Guard(kind)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrThrottled, kind)
	}
	defer t.Done(kind, tok)
	return fn(ctx)
}
