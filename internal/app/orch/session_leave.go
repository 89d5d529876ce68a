package orch

import (
	"context"

	"github.com/dkeye/Stage/internal/core"
	"github.com/sourcegraph/conc"
)

// RequestLeave leaves the meeting. Concurrent calls share one leave; a call after the
// session has left is a no-op.
func (s *Session) RequestLeave(ctx context.Context) Result {
	v, _, _ := s.leaves.Do("leave", func() (any, error) {
		s.leave(ctx)
		return succeeded(), nil
	})
	return v.(Result)
}

// Unload is the page-unload path: the presence row is removed fire-and-forget and the
// bounded leave continues in the background.
func (s *Session) Unload() {
	s.mu.Lock()
	sid, self := s.sessionID, s.self.ID
	s.mu.Unlock()
	if sid != "" && self != "" {
		s.presence.DeregisterBeacon(sid, self)
	}
	s.detached.Go(func() { s.RequestLeave(context.Background()) })
}

func (s *Session) leave(parent context.Context) {
	if !s.machine.BeginLeave() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.LeaveTimeout)
	defer cancel()

	s.mu.Lock()
	client, audio, screen := s.client, s.audio, s.screen
	sub, stopPoll := s.sub, s.stopPoll
	rec, notices := s.roster, s.notices
	sid, self, recording := s.sessionID, s.self, s.recording
	s.audio, s.screen, s.sub, s.stopPoll = nil, nil, nil, nil
	s.roster, s.notices = nil, nil
	s.recording = ""
	s.mu.Unlock()

	logger := s.logger.With().Str("session", string(sid)).Str("participant", string(self.ID)).Logger()

	if stopPoll != nil {
		stopPoll()
	}
	if sub != nil {
		sub.Unsubscribe()
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		for _, t := range []core.LocalTrack{audio, screen} {
			if t == nil {
				continue
			}
			if client != nil {
				if err := client.Unpublish(ctx, t); err != nil {
					logger.Debug().Err(err).Str("kind", string(t.Kind())).Msg("unpublish on leave failed")
				}
			}
			if err := t.Close(); err != nil {
				logger.Debug().Err(err).Str("kind", string(t.Kind())).Msg("track close failed")
			}
		}
		if client != nil {
			if err := client.Leave(ctx); err != nil {
				logger.Warn().Err(err).Msg("transport leave failed")
			}
		}
	})
	if sid != "" && self.ID != "" {
		wg.Go(func() {
			if err := s.presence.Deregister(ctx, sid, self.ID); err != nil {
				logger.Warn().Err(err).Msg("presence deregister failed")
			}
		})
	}
	if recording != "" && s.deps.Recorder != nil {
		wg.Go(func() {
			if err := s.deps.Recorder.Stop(ctx, recording); err != nil {
				logger.Warn().Err(err).Msg("recording stop on leave failed")
			}
		})
	}
	wg.Wait()
	s.bg.Wait()

	if rec != nil {
		rec.RemoveLocal(self.ID)
		rec.Dispose()
	}
	if notices != nil {
		notices.Dispose()
	}
	s.machine.CompleteLeave()
	logger.Info().Msg("left")
}
