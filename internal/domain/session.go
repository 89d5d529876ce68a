package domain

type (
	SessionID string
	ChannelID string
)

// RecordingID names an in-progress recording, empty when none.
type RecordingID string
