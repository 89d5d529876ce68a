package core

import (
	"context"
	"time"

	"github.com/dkeye/Stage/internal/domain"
)

// ParticipantRow is the persisted roster row.
type ParticipantRow struct {
	SessionID     domain.SessionID     `json:"session_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	DisplayName   string               `json:"display_name"`
	AvatarURL     string               `json:"avatar_url,omitempty"`
	Role          domain.Role          `json:"role"`
	AudioMuted    bool                 `json:"audio_muted"`
	ScreenSharing bool                 `json:"screen_sharing"`
	JoinedAt      time.Time            `json:"joined_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Participant converts a row into a roster entry. IsCurrentUser is left to the caller.
func (r ParticipantRow) Participant() domain.Participant {
	name := r.DisplayName
	if name == "" {
		name = string(r.ParticipantID)
	}
	p := domain.Participant{
		ID:            r.ParticipantID,
		DisplayName:   name,
		AvatarURL:     r.AvatarURL,
		Role:          r.Role,
		AudioMuted:    r.AudioMuted,
		ScreenSharing: r.ScreenSharing,
		JoinedAt:      r.JoinedAt,
	}
	p.Normalize()
	return p
}

// RowFromParticipant builds the row written for p in session sid.
func RowFromParticipant(sid domain.SessionID, p domain.Participant) ParticipantRow {
	return ParticipantRow{
		SessionID:     sid,
		ParticipantID: p.ID,
		DisplayName:   p.DisplayName,
		AvatarURL:     p.AvatarURL,
		Role:          p.Role,
		AudioMuted:    p.AudioMuted,
		ScreenSharing: p.ScreenSharing,
		JoinedAt:      p.JoinedAt,
	}
}

// ParticipantStore persists roster rows keyed by (session, participant).
// Upsert and Delete return the previous row, nil when there was none.
// Update never creates a row and fails with ErrNotFound when it is missing.
type ParticipantStore interface {
	Fetch(ctx context.Context, sid domain.SessionID) ([]ParticipantRow, error)
	Upsert(ctx context.Context, row ParticipantRow) (*ParticipantRow, error)
	Update(ctx context.Context, row ParticipantRow) (*ParticipantRow, error)
	Delete(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) (*ParticipantRow, error)
}

type RosterHandler func(RosterEvent)

type Subscription interface {
	Unsubscribe()
}

// ChangeFeed pushes roster row changes for one session.
type ChangeFeed interface {
	Subscribe(ctx context.Context, sid domain.SessionID, h RosterHandler) (Subscription, error)
}

// TokenSource returns join credentials for a channel.
type TokenSource interface {
	Token(ctx context.Context, channel domain.ChannelID, ident domain.Identity) (Credentials, error)
}

// Recorder starts and stops a recording of a channel.
type Recorder interface {
	Start(ctx context.Context, channel domain.ChannelID) (domain.RecordingID, error)
	Stop(ctx context.Context, id domain.RecordingID) error
}
