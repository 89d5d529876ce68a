package orch

import (
	"context"

	"github.com/dkeye/Stage/internal/app/guard"
	"github.com/dkeye/Stage/internal/app/lifecycle"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const tooFast = "Please wait a moment"

func (s *Session) active() (core.MediaClient, domain.Identity, bool) {
	if s.machine.Phase() != lifecycle.Active {
		return nil, domain.Identity{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, s.self, s.client != nil
}

// RequestToggleMute flips the local microphone. On failure nothing changes.
func (s *Session) RequestToggleMute(ctx context.Context) Result {
	_, self, ok := s.active()
	if !ok {
		return failed(core.ErrNotActive.Error())
	}
	if !self.Role.CanSpeak() {
		return failed(core.ErrListenerMuted.Error())
	}
	tok, ok := s.actions.Guard(guard.Mute)
	if !ok {
		return failed(tooFast)
	}
	defer s.actions.Done(guard.Mute, tok)

	s.mu.Lock()
	track := s.audio
	s.mu.Unlock()
	if track == nil {
		s.notify(core.NoticeActionFailed, self.ID, "Microphone unavailable", true)
		return failed("Microphone unavailable")
	}

	muted := track.Enabled()
	if err := track.SetEnabled(!muted); err != nil {
		s.logger.Warn().Err(err).Bool("muted", muted).Msg("toggle mute failed")
		s.notify(core.NoticeActionFailed, self.ID, "Could not toggle your microphone", true)
		return failed("Could not toggle your microphone")
	}
	if r := s.current(); r != nil {
		r.SetMuted(self.ID, muted)
	}
	s.syncStatus(guard.FieldAudio)
	return succeeded()
}

// RequestToggleScreenShare starts or stops the local screen share.
func (s *Session) RequestToggleScreenShare(ctx context.Context) Result {
	client, self, ok := s.active()
	if !ok {
		return failed(core.ErrNotActive.Error())
	}
	tok, ok := s.actions.Guard(guard.ScreenShare)
	if !ok {
		return failed(tooFast)
	}
	defer s.actions.Done(guard.ScreenShare, tok)

	s.mu.Lock()
	sharing := s.screen != nil
	s.mu.Unlock()
	if sharing {
		s.stopShare(ctx, client)
		return succeeded()
	}
	return s.startShare(ctx, client, self)
}

func (s *Session) startShare(ctx context.Context, client core.MediaClient, self domain.Identity) Result {
	rec := s.current()
	if rec == nil {
		return failed(core.ErrNotActive.Error())
	}
	if err := rec.CanStartShare(); err != nil {
		s.notify(core.NoticeActionFailed, self.ID, "Someone else is already sharing", true)
		return failed("Someone else is already sharing")
	}

	gen := s.machine.Generation()
	track, res, err := core.OpenScreenTrack(ctx, s.deps.Transport, s.cfg.ScreenCascade)
	if err != nil {
		s.notify(core.NoticeActionFailed, self.ID, "Could not start screen share", true)
		return failed("Could not start screen share")
	}
	if err := client.Publish(ctx, track); err != nil {
		_ = track.Close()
		s.logger.Warn().Err(err).Msg("screen publish failed")
		s.notify(core.NoticeActionFailed, self.ID, "Could not start screen share", true)
		return failed("Could not start screen share")
	}
	if !s.attach(gen, func() { s.screen = track }) {
		_ = client.Unpublish(ctx, track)
		_ = track.Close()
		return failed(core.ErrNotActive.Error())
	}
	rec.SetLocalShare(true)
	s.syncStatus(guard.FieldShare)
	s.logger.Info().Str("resolution", res.Name).Msg("screen share started")
	return succeeded()
}

// stopShare unpublishes and closes the local screen track if there is one.
func (s *Session) stopShare(ctx context.Context, client core.MediaClient) bool {
	s.mu.Lock()
	track := s.screen
	s.screen = nil
	s.mu.Unlock()
	if track == nil {
		return false
	}
	if err := client.Unpublish(ctx, track); err != nil {
		s.logger.Warn().Err(err).Msg("screen unpublish failed")
	}
	if err := track.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("screen track close failed")
	}
	if r := s.current(); r != nil {
		r.SetLocalShare(false)
	}
	s.syncStatus(guard.FieldShare)
	s.logger.Info().Msg("screen share stopped")
	return true
}

// shareInterrupted stops the local share after a remote publisher took over.
func (s *Session) shareInterrupted(gen uint64, by domain.ParticipantID) {
	s.bg.Go(func() {
		if !s.machine.IsCurrent(gen) {
			return
		}
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LeaveTimeout)
		defer cancel()
		if client == nil || !s.stopShare(ctx, client) {
			return
		}
		name := string(by)
		if r := s.current(); r != nil {
			if p, ok := r.Get(by); ok {
				name = p.DisplayName
			}
		}
		s.deps.Notifier.Notify(core.Notice{
			Kind:          core.NoticeShareInterrupted,
			ParticipantID: by,
			DisplayName:   name,
			Message:       name + " started sharing, your screen share was stopped",
		})
	})
}

// syncStatus persists the local entry's value for field in the background.
// Identical values are written once; auth failures count towards the sync warning.
func (s *Session) syncStatus(field guard.Field) {
	s.mu.Lock()
	rec, sid, self := s.roster, s.sessionID, s.self.ID
	s.mu.Unlock()
	if rec == nil || s.deps.Store == nil {
		return
	}
	s.bg.Go(func() {
		p, ok := rec.Get(self)
		if !ok {
			return
		}
		value := p.AudioMuted
		if field == guard.FieldShare {
			value = p.ScreenSharing
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LeaveTimeout)
		defer cancel()
		_, _ = s.status.Sync(ctx, field, value, func(ctx context.Context) error {
			_, err := s.deps.Store.Upsert(ctx, core.RowFromParticipant(sid, p))
			return err
		})
	})
}
