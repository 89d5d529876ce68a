package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

// signalConn is the JSON signalling WebSocket to the SFU.
type signalConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func dialSignal(ctx context.Context, url, token string, readLimit int64) (*signalConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return &signalConn{
		conn: ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}, nil
}

func (c *signalConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *signalConn) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc.signal").Msg("sendJSON marshal")
		return err
	}
	return c.TrySend(b)
}

// Done is closed once the connection is closed.
func (c *signalConn) Done() <-chan struct{} { return c.done }

func (c *signalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *signalConn) writePump(ctx context.Context, pingPeriod time.Duration) {
	var tick <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		tick = t.C
	}
	ping, _ := json.Marshal(map[string]string{"type": msgPing})
	for {
		var data []byte
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "rtc.signal").Msg("writePump ctx done")
			return
		case <-tick:
			data = ping
		case b, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "rtc.signal").Msg("writePump channel closed")
				return
			}
			data = b
		}
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "rtc.signal").Msg("writePump set deadline")
			c.Close()
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "rtc.signal").Msg("writePump write error")
			c.Close()
			return
		}
	}
}

func (c *signalConn) readPump(handle func([]byte)) {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "rtc.signal").Msg("readPump read error")
			}
			return
		}
		handle(data)
	}
}
