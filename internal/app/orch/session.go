// Package orch drives one local user's stay in a meeting: it owns the transport client,
// the local tracks and the per-join roster components, and exposes the user actions.
package orch

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Stage/internal/app/guard"
	"github.com/dkeye/Stage/internal/app/lifecycle"
	"github.com/dkeye/Stage/internal/app/notify"
	"github.com/dkeye/Stage/internal/app/presence"
	"github.com/dkeye/Stage/internal/app/roster"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"
)

// Deps are the collaborators of a session. Feed and Recorder may be nil.
type Deps struct {
	Transport core.MediaTransport
	Tokens    core.TokenSource
	Store     core.ParticipantStore
	Feed      core.ChangeFeed
	Recorder  core.Recorder
	Notifier  core.Notifier
	Clock     clock.Clock
}

type Config struct {
	Lifecycle lifecycle.Config
	Guard     guard.Config

	NotifyInterval time.Duration
	FieldDebounce  time.Duration
	DepartureGrace time.Duration
	SyncWarnAfter  int

	JoinTimeout   time.Duration
	LeaveTimeout  time.Duration
	BeaconTimeout time.Duration
	PollInterval  time.Duration

	Audio         core.AudioConstraints
	ScreenCascade []core.Resolution
}

func DefaultConfig() Config {
	return Config{
		Guard:         guard.DefaultConfig(),
		JoinTimeout:   10 * time.Second,
		LeaveTimeout:  3 * time.Second,
		BeaconTimeout: presence.DefaultBeaconTimeout,
		PollInterval:  15 * time.Second,
		Audio:         core.AudioConstraints{EchoCancellation: true, NoiseSuppression: true},
		ScreenCascade: core.DefaultScreenCascade,
	}
}

// Result is what user actions report back. Failures never escape as errors.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func succeeded() Result { return Result{OK: true} }
func failed(msg string) Result { return Result{Message: msg} }

type State struct {
	Phase       lifecycle.Phase      `json:"phase"`
	SessionID   domain.SessionID     `json:"session_id,omitempty"`
	Channel     domain.ChannelID     `json:"channel,omitempty"`
	Self        domain.ParticipantID `json:"self,omitempty"`
	ShareOwner  domain.ParticipantID `json:"share_owner,omitempty"`
	RecordingID domain.RecordingID   `json:"recording_id,omitempty"`
	Muted       bool                 `json:"muted"`
	Sharing     bool                 `json:"sharing"`
}

type Session struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger

	machine  *lifecycle.Machine
	actions  *guard.Throttle
	status   *guard.StatusSync
	presence *presence.Registrar
	joins    singleflight.Group
	leaves   singleflight.Group

	mu        sync.Mutex
	client    core.MediaClient
	sessionID domain.SessionID
	self      domain.Identity
	notices   *notify.Throttle
	roster    *roster.Reconciler
	sub       core.Subscription
	audio     core.LocalTrack
	screen    core.LocalTrack
	recording domain.RecordingID
	stopPoll  func()
	watchers  []func(roster.Snapshot)

	// bg runs work bound to the current join; detached outlives it.
	bg       conc.WaitGroup
	detached conc.WaitGroup
}

func New(deps Deps, cfg Config) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Notifier == nil {
		deps.Notifier = core.Discard
	}
	def := DefaultConfig()
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = def.LeaveTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if len(cfg.ScreenCascade) == 0 {
		cfg.ScreenCascade = def.ScreenCascade
	}

	s := &Session{
		deps:     deps,
		cfg:      cfg,
		logger:   log.With().Str("module", "orch").Logger(),
		machine:  lifecycle.New(cfg.Lifecycle),
		actions:  guard.New(deps.Clock, cfg.Guard),
		presence: presence.New(deps.Store, cfg.BeaconTimeout),
	}
	s.status = guard.NewStatusSync(cfg.SyncWarnAfter, func(n int) {
		s.notify(core.NoticeSyncWarning, "", "Your status is not syncing to other participants", false)
	})
	return s
}

func (s *Session) notify(kind core.NoticeKind, pid domain.ParticipantID, msg string, destructive bool) {
	s.deps.Notifier.Notify(core.Notice{
		Kind:          kind,
		ParticipantID: pid,
		Message:       msg,
		Destructive:   destructive,
	})
}

func (s *Session) Phase() lifecycle.Phase { return s.machine.Phase() }

// OnTransition forwards lifecycle phase changes.
func (s *Session) OnTransition(fn func(from, to lifecycle.Phase)) { s.machine.OnTransition(fn) }

// OnRosterChanged registers fn for roster changes of this and any later join.
func (s *Session) OnRosterChanged(fn func(roster.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
	if s.roster != nil {
		s.roster.OnChange(fn)
	}
}

func (s *Session) current() *roster.Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster
}

func (s *Session) Roster() map[domain.ParticipantID]domain.Participant {
	if r := s.current(); r != nil {
		return r.Roster()
	}
	return map[domain.ParticipantID]domain.Participant{}
}

func (s *Session) Sorted() []domain.Participant {
	if r := s.current(); r != nil {
		return r.Sorted()
	}
	return []domain.Participant{}
}

func (s *Session) State() State {
	st := State{Phase: s.machine.Phase(), Channel: s.machine.Channel()}

	s.mu.Lock()
	st.SessionID = s.sessionID
	st.Self = s.self.ID
	st.RecordingID = s.recording
	st.Sharing = s.screen != nil
	st.Muted = s.audio == nil || !s.audio.Enabled()
	r := s.roster
	s.mu.Unlock()

	if r != nil {
		st.ShareOwner, _ = r.ScreenShareOwner()
	}
	return st
}

// Wait blocks until detached background work, such as an unload leave, is done.
func (s *Session) Wait() {
	s.detached.Wait()
	s.presence.Wait()
}
