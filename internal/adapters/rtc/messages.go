package rtc

import (
	"encoding/json"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const (
	msgJoin             = "join"
	msgLeave            = "leave"
	msgLeft             = "left"
	msgPing             = "ping"
	msgPong             = "pong"
	msgError            = "error"
	msgRoomState        = "room_state"
	msgMemberJoined     = "member_joined"
	msgMemberLeft       = "member_left"
	msgTrackPublished   = "track_published"
	msgTrackUnpublished = "track_unpublished"
	msgOffer            = "offer"
	msgAnswer           = "answer"
	msgCandidate        = "candidate"
)

type member struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type joinMsg struct {
	Type   string `json:"type"`
	Room   string `json:"room"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

type sdpMsg struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMsg struct {
	Type          string  `json:"type"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// inbound is the union of every message the SFU sends.
type inbound struct {
	Type    string   `json:"type"`
	Error   string   `json:"error,omitempty"`
	Room    string   `json:"room,omitempty"`
	Members []member `json:"members,omitempty"`
	User    *member  `json:"user,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	SDP     string   `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func decodeInbound(data []byte) (inbound, error) {
	var m inbound
	err := json.Unmarshal(data, &m)
	return m, err
}

// transportEvent maps membership and track messages to transport events.
// Anything else, or a message without a user, yields false.
func transportEvent(m inbound) (core.TransportEvent, bool) {
	if m.User == nil || m.User.ID == "" {
		return core.TransportEvent{}, false
	}
	ev := core.TransportEvent{UserID: domain.ParticipantID(m.User.ID)}
	switch m.Type {
	case msgMemberJoined:
		ev.Type = core.UserJoined
	case msgMemberLeft:
		ev.Type = core.UserLeft
	case msgTrackPublished, msgTrackUnpublished:
		kind := core.MediaKind(m.Kind)
		if kind != core.MediaAudio && kind != core.MediaVideo {
			return core.TransportEvent{}, false
		}
		ev.Kind = kind
		ev.Type = core.MediaPublished
		if m.Type == msgTrackUnpublished {
			ev.Type = core.MediaUnpublished
		}
	default:
		return core.TransportEvent{}, false
	}
	return ev, true
}
