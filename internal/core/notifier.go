package core

import "github.com/dkeye/Stage/internal/domain"

type NoticeKind string

const (
	NoticeJoined           NoticeKind = "joined"
	NoticeLeft             NoticeKind = "left"
	NoticeStatus           NoticeKind = "status"
	NoticeShareInterrupted NoticeKind = "share_interrupted"
	NoticeSyncWarning      NoticeKind = "sync_warning"
	NoticeActionFailed     NoticeKind = "action_failed"
	NoticeWarning          NoticeKind = "warning"
)

// Notice is a user-facing toast request.
type Notice struct {
	Kind          NoticeKind           `json:"kind"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	DisplayName   string               `json:"display_name,omitempty"`
	Message       string               `json:"message"`
	Destructive   bool                 `json:"destructive,omitempty"`
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = NotifierFunc(func(Notice) {})
