package orch

import (
	"context"

	"github.com/dkeye/Stage/internal/app/guard"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// RequestToggleRecording starts or stops a recording of the current channel.
func (s *Session) RequestToggleRecording(ctx context.Context) Result {
	_, self, ok := s.active()
	if !ok {
		return failed(core.ErrNotActive.Error())
	}
	if s.deps.Recorder == nil {
		return failed(core.ErrRecordingUnavailable.Error())
	}
	tok, ok := s.actions.Guard(guard.Recording)
	if !ok {
		return failed(tooFast)
	}
	defer s.actions.Done(guard.Recording, tok)

	s.mu.Lock()
	current := s.recording
	s.mu.Unlock()

	if current != "" {
		if err := s.deps.Recorder.Stop(ctx, current); err != nil {
			s.logger.Warn().Err(err).Str("recording", string(current)).Msg("recording stop failed")
			s.notify(core.NoticeActionFailed, self.ID, "Could not stop the recording", true)
			return failed("Could not stop the recording")
		}
		s.setRecording(current, "")
		s.logger.Info().Str("recording", string(current)).Msg("recording stopped")
		return succeeded()
	}

	gen := s.machine.Generation()
	id, err := s.deps.Recorder.Start(ctx, s.machine.Channel())
	if err != nil {
		s.logger.Warn().Err(err).Msg("recording start failed")
		s.notify(core.NoticeActionFailed, self.ID, "Could not start the recording", true)
		return failed("Could not start the recording")
	}
	if !s.attach(gen, func() { s.recording = id }) {
		_ = s.deps.Recorder.Stop(ctx, id)
		return failed(core.ErrNotActive.Error())
	}
	s.logger.Info().Str("recording", string(id)).Msg("recording started")
	return succeeded()
}

func (s *Session) setRecording(from, to domain.RecordingID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording == from {
		s.recording = to
	}
}
