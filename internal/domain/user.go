// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUnknownRole     = errors.New("unknown role")
)

// Identity is the local user as the session knows it before any roster row exists.
type Identity struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"display_name"`
	AvatarURL   string        `json:"avatar_url,omitempty"`
	Role        Role          `json:"role"`
}

// NewIdentity validates the name and role, generating an id when none is given.
func NewIdentity(id, displayName, avatarURL, role string) (Identity, error) {
	r, err := ParseRole(role)
	if err != nil {
		return Identity{}, err
	}
	ident := Identity{AvatarURL: avatarURL, Role: r}
	if err := ident.SetDisplayName(displayName); err != nil {
		return Identity{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > MaxUserIDLen {
		return Identity{}, ErrUserIDTooLong
	}
	ident.ID = ParticipantID(id)
	return ident, nil
}

func (i *Identity) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	i.DisplayName = name
	return nil
}

// Participant returns the optimistic roster entry for this identity.
func (i Identity) Participant() Participant {
	p := Participant{
		ID:            i.ID,
		DisplayName:   i.DisplayName,
		AvatarURL:     i.AvatarURL,
		Role:          i.Role,
		IsCurrentUser: true,
	}
	p.Normalize()
	return p
}
