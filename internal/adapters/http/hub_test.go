package http

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/roster"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records writes. With a gate, writes block until the conn is closed.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	gate   chan struct{}
	closed chan struct{}
	once   sync.Once
	wrote  chan struct{}
}

func newFakeConn(blocking bool) *fakeConn {
	c := &fakeConn{closed: make(chan struct{}), wrote: make(chan struct{}, 64)}
	if blocking {
		c.gate = make(chan struct{})
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closed:
			return errors.New("closed")
		}
	}
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	c.wrote <- struct{}{}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frame(t *testing.T, i int) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Greater(t, len(c.frames), i)
	var m map[string]any
	require.NoError(t, json.Unmarshal(c.frames[i], &m))
	return m
}

func waitWrites(t *testing.T, c *fakeConn, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.wrote:
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d frames written", i, n)
		}
	}
}

func TestHub_PushesRosterAndNotices(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	hub.PushRoster(roster.Snapshot{Participants: []domain.Participant{{ID: "a", DisplayName: "Ada", Role: domain.RoleCoach}}, ShareOwner: "a"})

	conn := newFakeConn(false)
	hub.serveConn(newClient("c1", conn))
	waitWrites(t, conn, 1)

	first := conn.frame(t, 0)
	assert.Equal(t, "roster", first["type"], "late joiners get the last roster")
	assert.Equal(t, "a", first["share_owner"])
	assert.Len(t, first["participants"], 1)

	hub.Notify(core.Notice{Kind: core.NoticeJoined, ParticipantID: "b", Message: "Bo joined"})
	waitWrites(t, conn, 1)
	second := conn.frame(t, 1)
	assert.Equal(t, "notice", second["type"])
	assert.Equal(t, "Bo joined", second["notice"].(map[string]any)["message"])
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	hub := NewHub(app.SimplePolicy{MaxDropped: 2})
	defer hub.Close()

	slow := newFakeConn(true)
	fast := newFakeConn(false)
	hub.serveConn(newClient("slow", slow))
	hub.serveConn(newClient("fast", fast))
	require.Equal(t, 2, hub.Clients())

	// one frame sits in the blocked write, sendBuffer more fill the queue
	for i := 0; i < sendBuffer+4; i++ {
		hub.Notify(core.Notice{Kind: core.NoticeStatus, Message: "x"})
		waitWrites(t, fast, 1)
	}

	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-slow.closed:
	default:
		t.Fatal("slow client not closed")
	}
}

func TestHub_ClientGoneIsRemoved(t *testing.T) {
	hub := NewHub(nil)
	conn := newFakeConn(false)
	hub.serveConn(newClient("c1", conn))
	require.Equal(t, 1, hub.Clients())

	_ = conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWSClient_Dropped(t *testing.T) {
	c := newClient("c1", newFakeConn(true))
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, c.TrySend([]byte("x")))
	}
	assert.ErrorIs(t, c.TrySend([]byte("x")), ErrBackpressure)
	assert.ErrorIs(t, c.TrySend([]byte("x")), ErrBackpressure)
	assert.Equal(t, 2, c.Dropped())

	c.Close()
	assert.ErrorIs(t, c.TrySend([]byte("x")), errClosed)
}
