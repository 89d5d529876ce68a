package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Stage/internal/app/lifecycle"
	"github.com/dkeye/Stage/internal/app/notify"
	"github.com/dkeye/Stage/internal/app/roster"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

var errLeftDuringJoin = errors.New("left during join")

// Initialize connects the transport with credentials for channel, retrying with backoff.
// A client connected after a leave already landed is left again straight away.
func (s *Session) Initialize(ctx context.Context, creds core.Credentials) error {
	err := s.machine.Initialize(ctx, func(ctx context.Context) error {
		client, err := s.deps.Transport.Connect(ctx, creds)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.client = client
		s.mu.Unlock()
		return nil
	})
	if errors.Is(err, lifecycle.ErrLeftDuringInit) {
		s.releaseClient(ctx)
	}
	return err
}

func (s *Session) releaseClient(parent context.Context) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.LeaveTimeout)
	defer cancel()
	if err := client.Leave(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("transport leave after init failed")
	}
}

// RequestJoin joins sessionID as ident. A join for the same session that is already
// running or done reports success straight away.
func (s *Session) RequestJoin(ctx context.Context, sessionID domain.SessionID, ident domain.Identity) Result {
	channel := domain.ChannelID(sessionID)
	switch s.machine.Phase() {
	case lifecycle.Joining, lifecycle.Active:
		if s.machine.Channel() == channel {
			return succeeded()
		}
	}
	v, _, _ := s.joins.Do(string(sessionID), func() (any, error) {
		return s.join(ctx, sessionID, ident), nil
	})
	return v.(Result)
}

func (s *Session) join(ctx context.Context, sid domain.SessionID, ident domain.Identity) Result {
	logger := s.logger.With().Str("session", string(sid)).Str("participant", string(ident.ID)).Logger()
	if ident.ID == "" || ident.Role == "" {
		return failed("missing identity")
	}
	channel := domain.ChannelID(sid)

	if s.machine.Phase() == lifecycle.Uninitialized {
		creds, err := s.deps.Tokens.Token(ctx, channel, ident)
		if err != nil {
			logger.Error().Err(err).Msg("token fetch failed")
			return failed("Could not get access to the meeting. Try again.")
		}
		if creds.ChannelID != "" {
			channel = creds.ChannelID
		}
		if err := s.Initialize(ctx, creds); err != nil {
			logger.Error().Err(err).Msg("transport init failed")
			return failed("Could not connect to the meeting service. Try again.")
		}
	}

	already, gen, err := s.machine.BeginJoin(channel)
	if err != nil {
		logger.Warn().Err(err).Msg("join rejected")
		return failed("Cannot join right now")
	}
	if already {
		return succeeded()
	}

	if err := s.joinSequence(ctx, gen, sid, channel, ident); err != nil {
		if !errors.Is(err, errLeftDuringJoin) {
			s.machine.FailJoin(gen)
		}
		logger.Error().Err(err).Msg("join failed")
		return failed("Could not join the meeting. Try again.")
	}
	if !s.machine.CompleteJoin(gen) {
		return failed("Left before the join finished")
	}
	logger.Info().Str("channel", string(channel)).Msg("joined")
	return succeeded()
}

// attach runs fn under the session lock while gen is still the live join.
func (s *Session) attach(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.machine.IsCurrent(gen) {
		return false
	}
	fn()
	return true
}

func (s *Session) joinSequence(ctx context.Context, gen uint64, sid domain.SessionID, channel domain.ChannelID, ident domain.Identity) error {
	s.mu.Lock()
	client := s.client
	watchers := append([]func(roster.Snapshot){}, s.watchers...)
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%w: no transport client", core.ErrJoin)
	}

	notices := notify.New(s.deps.Clock, s.cfg.NotifyInterval, s.deps.Notifier)
	rec := roster.New(roster.Options{
		SessionID:      sid,
		Self:           ident.ID,
		Clock:          s.deps.Clock,
		Throttle:       notices,
		Store:          s.deps.Store,
		FieldDebounce:  s.cfg.FieldDebounce,
		DepartureGrace: s.cfg.DepartureGrace,
	})
	for _, fn := range watchers {
		rec.OnChange(fn)
	}
	rec.OnShareInterrupted(func(by domain.ParticipantID) { s.shareInterrupted(gen, by) })
	client.OnEvent(func(ev core.TransportEvent) {
		if s.machine.IsCurrent(gen) {
			rec.HandleTransportEvent(ev)
		}
	})

	if !s.attach(gen, func() {
		s.sessionID = sid
		s.self = ident
		s.notices = notices
		s.roster = rec
	}) {
		rec.Dispose()
		notices.Dispose()
		return errLeftDuringJoin
	}
	s.presence.Reset()
	s.status.Reset()

	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()
	if err := client.Join(joinCtx, channel, ident); err != nil {
		s.detach(gen)
		return fmt.Errorf("%w: %w", core.ErrJoin, err)
	}
	if !s.machine.IsCurrent(gen) {
		return errLeftDuringJoin
	}

	self := ident.Participant()
	rec.AddLocal(self)
	if err := s.presence.Register(ctx, sid, self); err != nil {
		s.notify(core.NoticeWarning, self.ID, "Others may not see you in the participant list yet", false)
	}

	if s.deps.Feed != nil {
		sub, err := s.deps.Feed.Subscribe(ctx, sid, func(ev core.RosterEvent) {
			if s.machine.IsCurrent(gen) {
				rec.HandleRosterEvent(ev)
			}
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("session", string(sid)).Msg("change-feed unavailable, relying on polling")
		} else if !s.attach(gen, func() { s.sub = sub }) {
			sub.Unsubscribe()
			return errLeftDuringJoin
		}
	}

	if err := rec.LoadSnapshot(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session", string(sid)).Msg("starting with an empty roster")
	}
	s.startPoll(gen, sid, rec)

	if ident.Role.CanSpeak() {
		s.publishAudio(ctx, gen, client, self.ID)
	}
	return nil
}

// detach undoes the per-join state after a failed transport join.
func (s *Session) detach(gen uint64) {
	s.mu.Lock()
	rec, notices := s.roster, s.notices
	if s.machine.Generation() == gen {
		s.roster, s.notices = nil, nil
	}
	s.mu.Unlock()
	if rec != nil {
		rec.Dispose()
	}
	if notices != nil {
		notices.Dispose()
	}
}

func (s *Session) publishAudio(ctx context.Context, gen uint64, client core.MediaClient, self domain.ParticipantID) {
	track, err := s.deps.Transport.CreateAudioTrack(ctx, s.cfg.Audio)
	if err != nil {
		s.logger.Warn().Err(err).Msg("microphone unavailable")
		s.notify(core.NoticeWarning, self, "Microphone unavailable, you are muted", false)
		s.markMuted(self)
		return
	}
	if err := client.Publish(ctx, track); err != nil {
		_ = track.Close()
		s.logger.Warn().Err(err).Msg("audio publish failed")
		s.notify(core.NoticeWarning, self, "Could not publish your microphone", false)
		s.markMuted(self)
		return
	}
	if !s.attach(gen, func() { s.audio = track }) {
		_ = track.Close()
	}
}

func (s *Session) markMuted(self domain.ParticipantID) {
	if r := s.current(); r != nil {
		r.SetMuted(self, true)
	}
}

func (s *Session) startPoll(gen uint64, sid domain.SessionID, rec *roster.Reconciler) {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if !s.attach(gen, func() { s.stopPoll = cancel }) {
		cancel()
		return
	}
	ticker := s.deps.Clock.Ticker(s.cfg.PollInterval)
	s.bg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				since := rec.Version()
				rows, err := s.deps.Store.Fetch(ctx, sid)
				if err != nil {
					s.logger.Debug().Err(err).Msg("roster poll failed")
					continue
				}
				if s.machine.IsCurrent(gen) {
					rec.Reconcile(since, rows)
				}
			}
		}
	})
}
