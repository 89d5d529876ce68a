package http

import (
	"context"
	stdhttp "net/http"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/lifecycle"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const participantKey = "participant_id"

type JoinRequest struct {
	Channel   string `json:"channel" binding:"required"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatar_url"`
}

type handlers struct {
	reg *app.Registry
}

func respond(c *gin.Context, res orch.Result) {
	if res.OK {
		c.JSON(stdhttp.StatusOK, res)
		return
	}
	c.JSON(stdhttp.StatusConflict, res)
}

func (h *handlers) state(c *gin.Context) {
	s, ok := h.reg.Peek()
	if !ok {
		c.JSON(stdhttp.StatusOK, orch.State{Phase: lifecycle.Uninitialized})
		return
	}
	c.JSON(stdhttp.StatusOK, s.State())
}

func (h *handlers) roster(c *gin.Context) {
	s, ok := h.reg.Peek()
	if !ok {
		c.JSON(stdhttp.StatusOK, []domain.Participant{})
		return
	}
	c.JSON(stdhttp.StatusOK, s.Sorted())
}

// identity builds the join identity, reusing the participant id kept in the cookie
// session and the name remembered for this browser when the request omits them.
func (h *handlers) identity(c *gin.Context, req JoinRequest) (domain.Identity, error) {
	token := c.GetString(clientTokenKey)
	prev, known := h.reg.Identity(token)

	sess := sessions.Default(c)
	pid, _ := sess.Get(participantKey).(string)
	if pid == "" && known {
		pid = string(prev.ID)
	}
	if known {
		if req.Name == "" {
			req.Name = prev.DisplayName
		}
		if req.Role == "" {
			req.Role = string(prev.Role)
		}
		if req.AvatarURL == "" {
			req.AvatarURL = prev.AvatarURL
		}
	}

	ident, err := domain.NewIdentity(pid, req.Name, req.AvatarURL, req.Role)
	if err != nil {
		return domain.Identity{}, err
	}
	sess.Set(participantKey, string(ident.ID))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}
	h.reg.RememberIdentity(token, ident)
	return ident, nil
}

func (h *handlers) join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, gin.H{"error": "missing or invalid channel"})
		return
	}
	ident, err := h.identity(c, req)
	if err != nil {
		c.JSON(stdhttp.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "adapters.http").Str("channel", req.Channel).Str("participant", string(ident.ID)).Msg("join requested")
	respond(c, h.reg.Current().RequestJoin(c.Request.Context(), domain.SessionID(req.Channel), ident))
}

func (h *handlers) leave(c *gin.Context) {
	s, ok := h.reg.Peek()
	if !ok {
		c.JSON(stdhttp.StatusOK, orch.Result{OK: true})
		return
	}
	respond(c, s.RequestLeave(c.Request.Context()))
}

// beacon is the page-unload path: it returns at once and leaves in the background.
func (h *handlers) beacon(c *gin.Context) {
	if s, ok := h.reg.Peek(); ok {
		s.Unload()
	}
	c.Status(stdhttp.StatusAccepted)
}

func (h *handlers) action(c *gin.Context, fn func(*orch.Session, context.Context) orch.Result) {
	s, ok := h.reg.Peek()
	if !ok {
		respond(c, orch.Result{Message: "Not in a session"})
		return
	}
	respond(c, fn(s, c.Request.Context()))
}

func (h *handlers) mute(c *gin.Context) {
	h.action(c, (*orch.Session).RequestToggleMute)
}

func (h *handlers) share(c *gin.Context) {
	h.action(c, (*orch.Session).RequestToggleScreenShare)
}

func (h *handlers) recording(c *gin.Context) {
	h.action(c, (*orch.Session).RequestToggleRecording)
}
