package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Stage/internal/domain"
)

// RosterEvent is one change-feed notification: Inserted, Updated or Deleted.
type RosterEvent interface {
	ParticipantID() domain.ParticipantID
	rosterEvent()
}

type Inserted struct {
	Row ParticipantRow
}

type Updated struct {
	Old ParticipantRow
	New ParticipantRow
}

type Deleted struct {
	Row ParticipantRow
}

func (e Inserted) ParticipantID() domain.ParticipantID { return e.Row.ParticipantID }
func (e Updated) ParticipantID() domain.ParticipantID  { return e.New.ParticipantID }
func (e Deleted) ParticipantID() domain.ParticipantID  { return e.Row.ParticipantID }

func (Inserted) rosterEvent() {}
func (Updated) rosterEvent()  {}
func (Deleted) rosterEvent()  {}

const (
	wireInsert = "INSERT"
	wireUpdate = "UPDATE"
	wireDelete = "DELETE"
)

// wireRow mirrors ParticipantRow with every field optional so missing ones can be told apart.
type wireRow struct {
	SessionID     *string    `json:"session_id"`
	ParticipantID *string    `json:"participant_id"`
	DisplayName   *string    `json:"display_name"`
	AvatarURL     *string    `json:"avatar_url"`
	Role          *string    `json:"role"`
	AudioMuted    *bool      `json:"audio_muted"`
	ScreenSharing *bool      `json:"screen_sharing"`
	JoinedAt      *time.Time `json:"joined_at"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

type wireEvent struct {
	Type string   `json:"type"`
	New  *wireRow `json:"new,omitempty"`
	Old  *wireRow `json:"old,omitempty"`
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func (w *wireRow) row(full bool) (ParticipantRow, error) {
	if w == nil {
		return ParticipantRow{}, fmt.Errorf("%w: missing row", ErrMalformedEvent)
	}
	if deref(w.ParticipantID) == "" {
		return ParticipantRow{}, fmt.Errorf("%w: missing participant_id", ErrMalformedEvent)
	}
	row := ParticipantRow{
		SessionID:     domain.SessionID(deref(w.SessionID)),
		ParticipantID: domain.ParticipantID(deref(w.ParticipantID)),
		DisplayName:   deref(w.DisplayName),
		AvatarURL:     deref(w.AvatarURL),
		AudioMuted:    deref(w.AudioMuted),
		ScreenSharing: deref(w.ScreenSharing),
		JoinedAt:      deref(w.JoinedAt),
		UpdatedAt:     deref(w.UpdatedAt),
	}
	if !full {
		if w.Role != nil {
			row.Role = domain.Role(*w.Role)
		}
		return row, nil
	}
	if w.SessionID == nil || *w.SessionID == "" {
		return ParticipantRow{}, fmt.Errorf("%w: missing session_id", ErrMalformedEvent)
	}
	role, err := domain.ParseRole(deref(w.Role))
	if err != nil {
		return ParticipantRow{}, fmt.Errorf("%w: role %q", ErrMalformedEvent, deref(w.Role))
	}
	row.Role = role
	return row, nil
}

// DecodeRosterEvent validates a change-feed payload. INSERT and UPDATE need a full new row,
// DELETE only needs the participant id of the old row.
func DecodeRosterEvent(data []byte) (RosterEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	switch w.Type {
	case wireInsert:
		row, err := w.New.row(true)
		if err != nil {
			return nil, err
		}
		return Inserted{Row: row}, nil
	case wireUpdate:
		row, err := w.New.row(true)
		if err != nil {
			return nil, err
		}
		var old ParticipantRow
		if w.Old != nil {
			if old, err = w.Old.row(false); err != nil {
				old = ParticipantRow{}
			}
		}
		return Updated{Old: old, New: row}, nil
	case wireDelete:
		src := w.Old
		if src == nil {
			src = w.New
		}
		row, err := src.row(false)
		if err != nil {
			return nil, err
		}
		return Deleted{Row: row}, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrMalformedEvent, w.Type)
	}
}

func toWire(r ParticipantRow) *wireRow {
	sid, pid, role := string(r.SessionID), string(r.ParticipantID), string(r.Role)
	return &wireRow{
		SessionID:     &sid,
		ParticipantID: &pid,
		DisplayName:   &r.DisplayName,
		AvatarURL:     &r.AvatarURL,
		Role:          &role,
		AudioMuted:    &r.AudioMuted,
		ScreenSharing: &r.ScreenSharing,
		JoinedAt:      &r.JoinedAt,
		UpdatedAt:     &r.UpdatedAt,
	}
}

// EncodeRosterEvent is the inverse of DecodeRosterEvent.
func EncodeRosterEvent(ev RosterEvent) ([]byte, error) {
	var w wireEvent
	switch e := ev.(type) {
	case Inserted:
		w = wireEvent{Type: wireInsert, New: toWire(e.Row)}
	case Updated:
		w = wireEvent{Type: wireUpdate, New: toWire(e.New), Old: toWire(e.Old)}
	case Deleted:
		w = wireEvent{Type: wireDelete, Old: toWire(e.Row)}
	default:
		return nil, fmt.Errorf("%w: %T", ErrMalformedEvent, ev)
	}
	return json.Marshal(w)
}
