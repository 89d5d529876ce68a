package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/rs/zerolog/log"
)

type Field string

const (
	FieldAudio Field = "audio"
	FieldShare Field = "share"
)

const DefaultWarnAfter = 3

// StatusSync de-duplicates persisted status writes per field.
type StatusSync struct {
	writeMu sync.Mutex

	mu        sync.Mutex
	written   map[Field]bool
	failures  int
	warnAfter int
	onWarn    func(failures int)
}

// NewStatusSync reports through onWarn once warnAfter consecutive writes have failed.
func NewStatusSync(warnAfter int, onWarn func(failures int)) *StatusSync {
	if warnAfter <= 0 {
		warnAfter = DefaultWarnAfter
	}
	return &StatusSync{
		written:   make(map[Field]bool),
		warnAfter: warnAfter,
		onWarn:    onWarn,
	}
}

// Sync calls write unless value equals the last value written for field.
// Writes are serialised; a failed write restores the previous marker.
func (s *StatusSync) Sync(ctx context.Context, field Field, value bool, write func(context.Context) error) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prev, had := s.written[field]
	if had && prev == value {
		s.mu.Unlock()
		return false, nil
	}
	s.written[field] = value
	s.mu.Unlock()

	if err := write(ctx); err != nil {
		s.mu.Lock()
		if had {
			s.written[field] = prev
		} else {
			delete(s.written, field)
		}
		s.failures++
		n := s.failures
		s.mu.Unlock()

		log.Warn().Str("module", "guard").Str("field", string(field)).Int("failures", n).Err(err).Msg("status sync failed")
		if n == s.warnAfter && s.onWarn != nil {
			s.onWarn(n)
		}
		return false, fmt.Errorf("%w: %s: %w", core.ErrPersistenceWrite, field, err)
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	return true, nil
}

func (s *StatusSync) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Reset forgets written values, for a fresh join.
func (s *StatusSync) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.written)
	s.failures = 0
}
