package rtc

import (
	"sync/atomic"

	"github.com/dkeye/Stage/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Track is a local sample track. Capture code feeds it with WriteSample;
// samples written while the track is disabled are dropped.
type Track struct {
	kind  core.MediaKind
	res   core.Resolution
	local *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	closed  atomic.Bool
}

func newTrack(kind core.MediaKind, codec webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{kind: kind, local: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() core.MediaKind { return t.kind }

func (t *Track) Resolution() core.Resolution { return t.res }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(v bool) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.enabled.Store(v)
	return nil
}

func (t *Track) Close() error {
	t.closed.Store(true)
	t.enabled.Store(false)
	return nil
}

func (t *Track) WriteSample(s media.Sample) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}
