package core

import "errors"

var (
	ErrTransportInit        = errors.New("transport init failed")
	ErrJoin                 = errors.New("join failed")
	ErrPublish              = errors.New("publish failed")
	ErrCannotStartShare     = errors.New("cannot start share")
	ErrPersistenceWrite     = errors.New("persistence write failed")
	ErrPersistenceAuth      = errors.New("persistence not authorized")
	ErrNotFound             = errors.New("not found")
	ErrMalformedEvent       = errors.New("malformed event")
	ErrSnapshot             = errors.New("roster snapshot failed")
	ErrShareActive          = errors.New("another participant is sharing")
	ErrThrottled            = errors.New("action throttled")
	ErrNotActive            = errors.New("session not active")
	ErrListenerMuted        = errors.New("listeners cannot publish audio")
	ErrRecordingUnavailable = errors.New("recording unavailable")
)
