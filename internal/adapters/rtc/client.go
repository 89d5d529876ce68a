package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is one signalling connection plus its PeerConnection.
type Client struct {
	sig    *signalConn
	peer   *peer
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	onEvent func(core.TransportEvent)
	joining chan error
	leaving chan struct{}
	senders map[*Track]*webrtc.RTPSender
}

func newClient(sig *signalConn, p *peer) *Client {
	return &Client{
		sig:     sig,
		peer:    p,
		logger:  log.With().Str("module", "rtc").Str("channel", p.cid).Logger(),
		senders: make(map[*Track]*webrtc.RTPSender),
	}
}

func (c *Client) run(pingPeriod time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.peer.onICE = func(ci webrtc.ICECandidateInit) {
		if err := c.sig.sendJSON(candidateMsg{
			Type:          msgCandidate,
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		}); err != nil {
			c.logger.Warn().Err(err).Msg("candidate not sent")
		}
	}
	c.peer.onClosed = func() { c.logger.Warn().Msg("peer connection closed") }
	c.peer.start(ctx)

	go c.sig.writePump(ctx, pingPeriod)
	go c.sig.readPump(c.handle)
}

func (c *Client) OnEvent(fn func(core.TransportEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// Join enters channel and waits for the room state.
func (c *Client) Join(ctx context.Context, channel domain.ChannelID, ident domain.Identity) error {
	done := make(chan error, 1)
	c.mu.Lock()
	if c.joining != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: join already pending", core.ErrJoin)
	}
	c.joining = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.joining = nil
		c.mu.Unlock()
	}()

	if err := c.sig.sendJSON(joinMsg{
		Type:   msgJoin,
		Room:   string(channel),
		UserID: string(ident.ID),
		Name:   ident.DisplayName,
		Role:   string(ident.Role),
	}); err != nil {
		return fmt.Errorf("%w: %w", core.ErrJoin, err)
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", core.ErrJoin, err)
		}
		return nil
	case <-c.sig.Done():
		return fmt.Errorf("%w: %w", core.ErrJoin, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", core.ErrJoin, ctx.Err())
	}
}

func (c *Client) Publish(_ context.Context, lt core.LocalTrack) error {
	track, ok := lt.(*Track)
	if !ok {
		return fmt.Errorf("%w: foreign track %T", core.ErrPublish, lt)
	}
	sender, err := c.peer.addTrack(track.local)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrPublish, err)
	}
	c.mu.Lock()
	c.senders[track] = sender
	c.mu.Unlock()
	if err := c.negotiate(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrPublish, err)
	}
	c.logger.Info().Str("kind", string(track.kind)).Msg("track published")
	return nil
}

func (c *Client) Unpublish(_ context.Context, lt core.LocalTrack) error {
	track, ok := lt.(*Track)
	if !ok {
		return nil
	}
	c.mu.Lock()
	sender, ok := c.senders[track]
	delete(c.senders, track)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.peer.removeTrack(sender); err != nil {
		return err
	}
	return c.negotiate()
}

func (c *Client) negotiate() error {
	offer, err := c.peer.offer()
	if err != nil {
		return err
	}
	return c.sig.sendJSON(sdpMsg{Type: msgOffer, SDP: offer.SDP})
}

// Leave announces the departure, waits for the ack or ctx, then closes everything.
func (c *Client) Leave(ctx context.Context) error {
	left := make(chan struct{})
	c.mu.Lock()
	c.leaving = left
	c.mu.Unlock()
	defer c.close()

	if err := c.sig.sendJSON(map[string]string{"type": msgLeave}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	select {
	case <-left:
		return nil
	case <-c.sig.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) close() {
	c.cancel()
	c.sig.Close()
	c.peer.close()
}

func (c *Client) emit(ev core.TransportEvent) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *Client) handle(data []byte) {
	m, err := decodeInbound(data)
	if err != nil {
		c.logger.Error().Err(err).Msg("bad json")
		return
	}

	if ev, ok := transportEvent(m); ok {
		c.emit(ev)
		return
	}

	switch m.Type {
	case msgRoomState:
		c.logger.Info().Str("room", m.Room).Int("members", len(m.Members)).Msg("room state")
		c.resolveJoin(nil)
	case msgError:
		if !c.resolveJoin(errors.New(m.Error)) {
			c.logger.Warn().Str("error", m.Error).Msg("signal error")
		}
	case msgLeft:
		c.mu.Lock()
		if c.leaving != nil {
			close(c.leaving)
			c.leaving = nil
		}
		c.mu.Unlock()
	case msgAnswer:
		if err := c.peer.applyAnswer(m.SDP); err != nil {
			c.logger.Error().Err(err).Msg("apply answer")
		}
	case msgOffer:
		answer, err := c.peer.answer(m.SDP)
		if err != nil {
			c.logger.Error().Err(err).Msg("apply offer")
			return
		}
		_ = c.sig.sendJSON(sdpMsg{Type: msgAnswer, SDP: answer.SDP})
	case msgCandidate:
		ci := webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}
		if err := c.peer.addCandidate(ci); err != nil {
			c.logger.Error().Err(err).Msg("add ice candidate")
		}
	case msgPong:
	default:
		c.logger.Warn().Str("type", m.Type).Msg("unknown signal")
	}
}

func (c *Client) resolveJoin(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joining == nil {
		return false
	}
	c.joining <- err
	c.joining = nil
	return true
}
