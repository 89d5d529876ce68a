package redisfeed

import (
	"context"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Publish(ctx context.Context, sid domain.SessionID, ev core.RosterEvent) error
}

// PublishingStore announces every successful write of the wrapped store on the feed,
// so other agents see it as an INSERT, UPDATE or DELETE.
type PublishingStore struct {
	core.ParticipantStore
	pub Publisher
}

func NewPublishingStore(store core.ParticipantStore, pub Publisher) *PublishingStore {
	return &PublishingStore{ParticipantStore: store, pub: pub}
}

func (s *PublishingStore) Upsert(ctx context.Context, row core.ParticipantRow) (*core.ParticipantRow, error) {
	prev, err := s.ParticipantStore.Upsert(ctx, row)
	if err != nil {
		return nil, err
	}
	var ev core.RosterEvent = core.Inserted{Row: row}
	if prev != nil {
		if row.JoinedAt.IsZero() {
			row.JoinedAt = prev.JoinedAt
		}
		ev = core.Updated{Old: *prev, New: row}
	}
	s.publish(ctx, row.SessionID, ev)
	return prev, nil
}

func (s *PublishingStore) Update(ctx context.Context, row core.ParticipantRow) (*core.ParticipantRow, error) {
	prev, err := s.ParticipantStore.Update(ctx, row)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		row.JoinedAt = prev.JoinedAt
		s.publish(ctx, row.SessionID, core.Updated{Old: *prev, New: row})
	}
	return prev, nil
}

func (s *PublishingStore) Delete(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) (*core.ParticipantRow, error) {
	prev, err := s.ParticipantStore.Delete(ctx, sid, pid)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		s.publish(ctx, sid, core.Deleted{Row: *prev})
	}
	return prev, nil
}

// publish failures leave the write in place; pollers repair the missed event.
func (s *PublishingStore) publish(ctx context.Context, sid domain.SessionID, ev core.RosterEvent) {
	if err := s.pub.Publish(ctx, sid, ev); err != nil {
		log.Warn().Str("module", "adapters.redisfeed").Err(err).Str("session", string(sid)).Msg("roster event not published")
	}
}
