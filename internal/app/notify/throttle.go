// Package notify decides which join, leave and status notices reach the user.
package notify

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultInterval = 10 * time.Second

type Category int

const (
	Join Category = iota
	Leave
	Status
)

func (c Category) String() string {
	switch c {
	case Join:
		return "join"
	case Leave:
		return "leave"
	default:
		return "status"
	}
}

// Throttle suppresses duplicate notices per participant. One per session, Dispose on end.
type Throttle struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	notifier core.Notifier
	self     domain.ParticipantID

	known    map[domain.ParticipantID]struct{}
	notified map[domain.ParticipantID]struct{}
	last     map[domain.ParticipantID]time.Time
	disposed bool
}

func New(c clock.Clock, interval time.Duration, n core.Notifier) *Throttle {
	if c == nil {
		c = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if n == nil {
		n = core.Discard
	}
	return &Throttle{
		clock:    c,
		interval: interval,
		notifier: n,
		known:    make(map[domain.ParticipantID]struct{}),
		notified: make(map[domain.ParticipantID]struct{}),
		last:     make(map[domain.ParticipantID]time.Time),
	}
}

// SetSelf marks the local identity, which is never notified about.
func (t *Throttle) SetSelf(id domain.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = id
}

// ShouldNotify records and reports whether a notice may fire now.
func (t *Throttle) ShouldNotify(id domain.ParticipantID, cat Category) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed || id == "" || id == t.self {
		return false
	}
	if cat == Join {
		if _, ok := t.notified[id]; ok {
			return false
		}
	}
	now := t.clock.Now()
	if last, ok := t.last[id]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[id] = now
	if cat == Join {
		t.notified[id] = struct{}{}
	}
	return true
}

// Request sends n when ShouldNotify allows it.
func (t *Throttle) Request(cat Category, n core.Notice) bool {
	if !t.ShouldNotify(n.ParticipantID, cat) {
		log.Debug().Str("module", "notify").Str("participant", string(n.ParticipantID)).Str("category", cat.String()).Msg("notice suppressed")
		return false
	}
	t.notifier.Notify(n)
	return true
}

func (t *Throttle) MarkKnown(id domain.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.known[id] = struct{}{}
}

func (t *Throttle) IsKnown(id domain.ParticipantID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.known[id]
	return ok
}

// Forget clears every mark for id so a later rejoin is fresh.
func (t *Throttle) Forget(id domain.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.known, id)
	delete(t.notified, id)
	delete(t.last, id)
}

func (t *Throttle) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	clear(t.known)
	clear(t.notified)
	clear(t.last)
}
