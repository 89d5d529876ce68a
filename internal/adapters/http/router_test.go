package http

import (
	"bytes"
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/lifecycle"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core/coretest"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	router  *gin.Engine
	reg     *app.Registry
	hub     *Hub
	client  *coretest.Client
	cookies []*stdhttp.Cookie
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	transport := coretest.NewTransport()
	store := coretest.NewStore()
	hub := NewHub(app.SimplePolicy{})
	reg := app.NewRegistry(func() *orch.Session {
		cfg := orch.DefaultConfig()
		cfg.Lifecycle = lifecycle.Config{Attempts: 1, BaseDelay: time.Millisecond}
		return orch.New(orch.Deps{
			Transport: transport,
			Tokens:    &coretest.Tokens{},
			Store:     store,
			Feed:      &coretest.Feed{},
			Recorder:  &coretest.Recorder{},
			Notifier:  hub,
			Clock:     clock.NewMock(),
		}, cfg)
	})
	hub.Attach(reg)
	t.Cleanup(func() {
		reg.Shutdown(context.Background())
		hub.Close()
	})

	cfg := &config.Config{Mode: "test", Secret: "secret"}
	return &testAPI{router: SetupRouter(cfg, reg, hub), reg: reg, hub: hub, client: transport.Client}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range a.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		a.setCookie(c)
	}
	return w
}

func (a *testAPI) setCookie(c *stdhttp.Cookie) {
	for i, old := range a.cookies {
		if old.Name == c.Name {
			a.cookies[i] = c
			return
		}
	}
	a.cookies = append(a.cookies, c)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestRouter_StateBeforeJoin(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, stdhttp.MethodGet, "/api/state", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Equal(t, "uninitialized", decode[map[string]any](t, w)["phase"])

	w = a.do(t, stdhttp.MethodGet, "/api/roster", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestRouter_JoinValidation(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, stdhttp.MethodPost, "/api/join", JoinRequest{Name: "Ada", Role: "coach"})
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)

	w = a.do(t, stdhttp.MethodPost, "/api/join", JoinRequest{Channel: "math-101", Name: "Ada", Role: "teacher"})
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), domain.ErrUnknownRole.Error())
}

func TestRouter_JoinActLeave(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, stdhttp.MethodPost, "/api/join", JoinRequest{Channel: "math-101", Name: "Ada", Role: "coach"})
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[orch.Result](t, w).OK)

	w = a.do(t, stdhttp.MethodGet, "/api/roster", nil)
	roster := decode[[]domain.Participant](t, w)
	require.Len(t, roster, 1)
	assert.Equal(t, "Ada", roster[0].DisplayName)
	assert.True(t, roster[0].IsCurrentUser)

	w = a.do(t, stdhttp.MethodGet, "/api/state", nil)
	state := decode[map[string]any](t, w)
	assert.Equal(t, "active", state["phase"])
	assert.Equal(t, "math-101", state["channel"])
	assert.Equal(t, false, state["muted"])

	w = a.do(t, stdhttp.MethodPost, "/api/mute", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	w = a.do(t, stdhttp.MethodGet, "/api/state", nil)
	assert.Equal(t, true, decode[map[string]any](t, w)["muted"])

	w = a.do(t, stdhttp.MethodPost, "/api/mute", nil)
	assert.Equal(t, stdhttp.StatusConflict, w.Code, "second toggle lands inside the cooldown")

	w = a.do(t, stdhttp.MethodPost, "/api/recording", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())

	w = a.do(t, stdhttp.MethodPost, "/api/leave", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Equal(t, 1, a.client.LeaveCount())

	w = a.do(t, stdhttp.MethodGet, "/api/state", nil)
	assert.Equal(t, "left", decode[map[string]any](t, w)["phase"])
}

func TestRouter_RejoinKeepsIdentity(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, stdhttp.MethodPost, "/api/join", JoinRequest{Channel: "math-101", Name: "Ada", Role: "student"})
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	first := decode[map[string]any](t, a.do(t, stdhttp.MethodGet, "/api/state", nil))["self"]
	require.NotEmpty(t, first)

	a.do(t, stdhttp.MethodPost, "/api/leave", nil)

	w = a.do(t, stdhttp.MethodPost, "/api/join", JoinRequest{Channel: "math-101"})
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, first, decode[map[string]any](t, a.do(t, stdhttp.MethodGet, "/api/state", nil))["self"])

	roster := decode[[]domain.Participant](t, a.do(t, stdhttp.MethodGet, "/api/roster", nil))
	require.Len(t, roster, 1)
	assert.Equal(t, "Ada", roster[0].DisplayName)
	assert.Equal(t, domain.RoleStudent, roster[0].Role)
}

func TestRouter_ActionsWithoutSession(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/api/mute", "/api/share", "/api/recording"} {
		w := a.do(t, stdhttp.MethodPost, path, nil)
		assert.Equal(t, stdhttp.StatusConflict, w.Code, path)
		assert.False(t, decode[orch.Result](t, w).OK)
	}

	w := a.do(t, stdhttp.MethodPost, "/api/leave", nil)
	assert.Equal(t, stdhttp.StatusOK, w.Code)
}

func TestRouter_Beacon(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, stdhttp.MethodPost, "/api/join", JoinRequest{Channel: "math-101", Name: "Ada", Role: "listener"})
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())

	w = a.do(t, stdhttp.MethodPost, "/api/leave/beacon", nil)
	assert.Equal(t, stdhttp.StatusAccepted, w.Code)

	s, ok := a.reg.Peek()
	require.True(t, ok)
	s.Wait()
	assert.Equal(t, lifecycle.Left, s.Phase())
}

func TestRouter_ClientTokenCookie(t *testing.T) {
	a := newTestAPI(t)
	a.do(t, stdhttp.MethodGet, "/api/state", nil)

	var ct string
	for _, c := range a.cookies {
		if c.Name == "ct" {
			ct = c.Value
		}
	}
	require.NotEmpty(t, ct)

	a.do(t, stdhttp.MethodGet, "/api/state", nil)
	for _, c := range a.cookies {
		if c.Name == "ct" {
			assert.Equal(t, ct, c.Value)
		}
	}
}
