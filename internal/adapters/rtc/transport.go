// Package rtc connects the agent to the SFU: a JSON signalling WebSocket plus one
// publishing PeerConnection per client.
package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	SignalURL  string
	ICEServers []string
	ReadLimit  int64
	PingPeriod time.Duration
}

// ScreenSource reports whether the local screen can be captured at res.
type ScreenSource interface {
	Open(ctx context.Context, res core.Resolution) error
}

type ScreenSourceFunc func(ctx context.Context, res core.Resolution) error

func (f ScreenSourceFunc) Open(ctx context.Context, res core.Resolution) error { return f(ctx, res) }

// AnyScreen accepts every resolution.
var AnyScreen ScreenSource = ScreenSourceFunc(func(context.Context, core.Resolution) error { return nil })

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

type Transport struct {
	cfg     Config
	screens ScreenSource
	stream  string
}

func NewTransport(cfg Config, screens ScreenSource) *Transport {
	if screens == nil {
		screens = AnyScreen
	}
	return &Transport{cfg: cfg, screens: screens, stream: uuid.NewString()}
}

func (t *Transport) Connect(ctx context.Context, creds core.Credentials) (core.MediaClient, error) {
	sc, err := dialSignal(ctx, t.cfg.SignalURL, creds.Token, t.cfg.ReadLimit)
	if err != nil {
		return nil, fmt.Errorf("dial signal: %w", err)
	}
	p, err := newPeer(webrtcConfig(t.cfg.ICEServers), string(creds.ChannelID))
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := newClient(sc, p)
	c.run(t.cfg.PingPeriod)
	log.Info().Str("module", "rtc").Str("channel", string(creds.ChannelID)).Msg("transport connected")
	return c, nil
}

func (t *Transport) CreateAudioTrack(_ context.Context, c core.AudioConstraints) (core.LocalTrack, error) {
	track, err := newTrack(core.MediaAudio, opusCodec, "audio", t.stream)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	log.Debug().
		Str("module", "rtc").
		Str("device", c.DeviceID).
		Bool("echo_cancellation", c.EchoCancellation).
		Bool("noise_suppression", c.NoiseSuppression).
		Msg("audio track created")
	return track, nil
}

func (t *Transport) CreateScreenVideoTrack(ctx context.Context, res core.Resolution) (core.LocalTrack, error) {
	if err := t.screens.Open(ctx, res); err != nil {
		return nil, err
	}
	track, err := newTrack(core.MediaVideo, vp8Codec, "screen-"+res.Name, t.stream)
	if err != nil {
		return nil, fmt.Errorf("screen track: %w", err)
	}
	track.res = res
	return track, nil
}
