package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop_frame"
	case Disconnect:
		return "disconnect"
	default:
		return "none"
	}
}

// Subscriber is a push client whose outbound queue is full.
type Subscriber interface {
	ID() string
	// Dropped counts frames dropped in a row for this subscriber.
	Dropped() int
}

type Policy interface {
	OnBackPressure(sub Subscriber) BackpressureAction
}

// SimplePolicy drops roster frames for a slow subscriber, since each frame carries the
// whole roster, and disconnects it after MaxDropped consecutive drops.
type SimplePolicy struct {
	MaxDropped int
}

func (p SimplePolicy) OnBackPressure(sub Subscriber) BackpressureAction {
	limit := p.MaxDropped
	if limit <= 0 {
		limit = 8
	}
	if sub.Dropped() >= limit {
		return Disconnect
	}
	return DropFrame
}
