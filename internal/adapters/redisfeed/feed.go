// Package redisfeed carries roster row changes between agents over Redis Pub/Sub,
// one channel per session.
package redisfeed

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const DefaultChannelPrefix = "stage:roster:"

type Feed struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

func New(client *redis.Client, prefix string) *Feed {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Feed{
		client: client,
		prefix: prefix,
		logger: log.With().Str("module", "adapters.redisfeed").Logger(),
	}
}

func (f *Feed) channel(sid domain.SessionID) string {
	return f.prefix + string(sid)
}

// Publish sends ev to every subscriber of sid.
func (f *Feed) Publish(ctx context.Context, sid domain.SessionID, ev core.RosterEvent) error {
	data, err := core.EncodeRosterEvent(ev)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel(sid), data).Err(); err != nil {
		return fmt.Errorf("failed to publish roster event: %w", err)
	}
	f.logger.Debug().Str("session", string(sid)).Str("participant", string(ev.ParticipantID())).Msg("roster event published")
	return nil
}

// Subscribe delivers decoded events for sid to h until Unsubscribe.
// Payloads that fail validation are logged and dropped.
func (f *Feed) Subscribe(ctx context.Context, sid domain.SessionID, h core.RosterHandler) (core.Subscription, error) {
	ps := f.client.Subscribe(ctx, f.channel(sid))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to roster channel: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{pubsub: ps, cancel: cancel}
	msgs := ps.Channel()
	sub.wg.Go(func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					f.logger.Warn().Str("session", string(sid)).Msg("roster channel closed")
					return
				}
				f.dispatch(sid, []byte(msg.Payload), h)
			}
		}
	})
	f.logger.Info().Str("session", string(sid)).Str("channel", f.channel(sid)).Msg("subscribed")
	return sub, nil
}

func (f *Feed) dispatch(sid domain.SessionID, payload []byte, h core.RosterHandler) {
	ev, err := core.DecodeRosterEvent(payload)
	if err != nil {
		f.logger.Warn().Err(err).Str("session", string(sid)).Msg("dropping roster event")
		return
	}
	h(ev)
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
		s.wg.Wait()
	})
}
