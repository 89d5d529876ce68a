package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Credentials is an opaque join token for one channel.
type Credentials struct {
	Token     string
	ChannelID domain.ChannelID
	ExpiresAt time.Time
}

type AudioConstraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
}

type Resolution struct {
	Name      string
	Width     int
	Height    int
	FrameRate int
}

// DefaultScreenCascade is tried top down when a share starts.
var DefaultScreenCascade = []Resolution{
	{Name: "4k", Width: 3840, Height: 2160, FrameRate: 15},
	{Name: "2k", Width: 2560, Height: 1440, FrameRate: 15},
	{Name: "1080p", Width: 1920, Height: 1080, FrameRate: 30},
}

// LocalTrack is a media track owned by the local session.
type LocalTrack interface {
	Kind() MediaKind
	Enabled() bool
	// SetEnabled mutes or unmutes without unpublishing.
	SetEnabled(bool) error
	Close() error
}

// MediaTransport creates clients and local tracks.
type MediaTransport interface {
	Connect(ctx context.Context, creds Credentials) (MediaClient, error)
	CreateAudioTrack(ctx context.Context, c AudioConstraints) (LocalTrack, error)
	CreateScreenVideoTrack(ctx context.Context, res Resolution) (LocalTrack, error)
}

// MediaClient is one connection to the transport.
type MediaClient interface {
	Join(ctx context.Context, channel domain.ChannelID, ident domain.Identity) error
	Publish(ctx context.Context, track LocalTrack) error
	Unpublish(ctx context.Context, track LocalTrack) error
	Leave(ctx context.Context) error
	// OnEvent sets the callback for remote user and media events.
	OnEvent(func(TransportEvent))
}

type TransportEventType int

const (
	UserJoined TransportEventType = iota
	UserLeft
	MediaPublished
	MediaUnpublished
)

func (t TransportEventType) String() string {
	switch t {
	case UserJoined:
		return "user-joined"
	case UserLeft:
		return "user-left"
	case MediaPublished:
		return "media-published"
	case MediaUnpublished:
		return "media-unpublished"
	default:
		return "unknown"
	}
}

type TransportEvent struct {
	Type   TransportEventType
	UserID domain.ParticipantID
	Kind   MediaKind
}

// OpenScreenTrack walks the cascade and returns the first track that opens.
func OpenScreenTrack(ctx context.Context, t MediaTransport, cascade []Resolution) (LocalTrack, Resolution, error) {
	if len(cascade) == 0 {
		cascade = DefaultScreenCascade
	}
	var errs []error
	for _, res := range cascade {
		if err := ctx.Err(); err != nil {
			return nil, Resolution{}, fmt.Errorf("%w: %w", ErrCannotStartShare, err)
		}
		track, err := t.CreateScreenVideoTrack(ctx, res)
		if err != nil {
			log.Warn().Err(err).Str("module", "core.media").Str("resolution", res.Name).Msg("screen track failed, trying next")
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, err))
			continue
		}
		return track, res, nil
	}
	return nil, Resolution{}, fmt.Errorf("%w: %w", ErrCannotStartShare, errors.Join(errs...))
}
