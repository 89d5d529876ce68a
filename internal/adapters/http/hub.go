package http

import (
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/lifecycle"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/app/roster"
	"github.com/dkeye/Stage/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	errClosed       = errors.New("client closed")
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 16
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type rosterFrame struct {
	Type string `json:"type"`
	roster.Snapshot
}

type phaseFrame struct {
	Type  string          `json:"type"`
	Phase lifecycle.Phase `json:"phase"`
}

type noticeFrame struct {
	Type   string      `json:"type"`
	Notice core.Notice `json:"notice"`
}

// Hub pushes roster snapshots and notices to every connected UI over WebSocket.
// It implements core.Notifier.
type Hub struct {
	policy app.Policy

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	last    []byte
}

func NewHub(policy app.Policy) *Hub {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Hub{policy: policy, clients: make(map[*wsClient]struct{})}
}

// Attach forwards roster changes of every session the registry creates.
func (h *Hub) Attach(reg *app.Registry) {
	reg.OnSession(func(s *orch.Session) {
		s.OnRosterChanged(h.PushRoster)
		s.OnTransition(func(_, to lifecycle.Phase) { h.pushPhase(to) })
	})
}

func (h *Hub) pushPhase(p lifecycle.Phase) {
	data, err := json.Marshal(phaseFrame{Type: "phase", Phase: p})
	if err != nil {
		return
	}
	h.broadcast(data)
}

func (h *Hub) PushRoster(snap roster.Snapshot) {
	data, err := json.Marshal(rosterFrame{Type: "roster", Snapshot: snap})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("roster frame marshal")
		return
	}
	h.mu.Lock()
	h.last = data
	h.mu.Unlock()
	h.broadcast(data)
}

func (h *Hub) Notify(n core.Notice) {
	data, err := json.Marshal(noticeFrame{Type: "notice", Notice: n})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("notice frame marshal")
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		err := c.TrySend(data)
		if err == nil {
			continue
		}
		if errors.Is(err, errClosed) {
			h.remove(c)
			continue
		}
		action := h.policy.OnBackPressure(c)
		log.Warn().Str("module", "adapters.http").Str("client", c.id).Int("dropped", c.Dropped()).Str("action", action.String()).Msg("push backpressure")
		if action == app.Disconnect {
			h.remove(c)
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	last := h.last
	h.mu.Unlock()
	if last != nil {
		_ = c.TrySend(last)
	}
	log.Info().Str("module", "adapters.http").Str("client", c.id).Msg("roster client connected")
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
	if ok {
		log.Info().Str("module", "adapters.http").Str("client", c.id).Msg("roster client gone")
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.Close()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *stdhttp.Request) bool { return true },
}

func (h *Hub) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	h.serveConn(newClient(c.GetString(clientTokenKey)+"/"+uuid.NewString()[:8], ws))
}

func (h *Hub) serveConn(c *wsClient) {
	h.add(c)
	go c.writeLoop()
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type wsClient struct {
	id   string
	conn WSConn
	send chan []byte

	mu      sync.RWMutex
	closed  bool
	dropped int
}

func newClient(id string, conn WSConn) *wsClient {
	return &wsClient{id: id, conn: conn, send: make(chan []byte, sendBuffer)}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Dropped() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

func (c *wsClient) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	select {
	case c.send <- data:
		c.dropped = 0
		return nil
	default:
		c.dropped++
		return ErrBackpressure
	}
}

func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *wsClient) writeLoop() {
	defer c.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
