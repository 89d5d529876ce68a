package domain

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

type ParticipantID string

type Role string

const (
	RoleCoach    Role = "coach"
	RoleStudent  Role = "student"
	RoleListener Role = "listener"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCoach, RoleStudent, RoleListener:
		return r, nil
	default:
		return "", ErrUnknownRole
	}
}

// CanSpeak reports whether the role may publish audio at all.
func (r Role) CanSpeak() bool { return r == RoleCoach || r == RoleStudent }

func (r Role) rank() int {
	switch r {
	case RoleCoach:
		return 0
	case RoleStudent:
		return 1
	default:
		return 2
	}
}

// Participant is one person associated with a session.
// AudioEnabled is derived, call Normalize after touching Role or AudioMuted.
type Participant struct {
	ID            ParticipantID `json:"id"`
	DisplayName   string        `json:"display_name"`
	AvatarURL     string        `json:"avatar_url,omitempty"`
	Role          Role          `json:"role"`
	AudioEnabled  bool          `json:"audio_enabled"`
	AudioMuted    bool          `json:"audio_muted"`
	ScreenSharing bool          `json:"screen_sharing"`
	IsCurrentUser bool          `json:"is_current_user"`
	JoinedAt      time.Time     `json:"joined_at"`
}

// Normalize recomputes derived fields. Listeners never have audio.
func (p *Participant) Normalize() {
	p.AudioEnabled = p.Role.CanSpeak() && !p.AudioMuted
}

// SortParticipants orders coach, student, listener, then by join time.
func SortParticipants(ps []Participant) {
	slices.SortStableFunc(ps, func(a, b Participant) int {
		if c := cmp.Compare(a.Role.rank(), b.Role.rank()); c != 0 {
			return c
		}
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
