// Package httpapi exposes the call controller over REST and streams session
// snapshots to websocket subscribers.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/dense-identity/callctl/internal/history"
	"github.com/dense-identity/callctl/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Controller is the slice of the lifecycle controller served over HTTP.
type Controller interface {
	Start(peer callsession.Peer, kind callsession.Kind) error
	Redial() error
	End(reason callsession.EndReason)
	ToggleMute()
	ToggleSpeaker()
	ToggleVideo()
	Snapshot() callsession.Snapshot
	OnStateChange(listener func(callsession.Snapshot)) func()
}

// Ringer accepts gestures on a presented inbound call.
type Ringer interface {
	Answer() bool
	Decline() bool
	RemindLater() bool
	Message(text string) bool
}

type Options struct {
	Ringer  Ringer
	History history.Store
	Logger  *zap.Logger
	// SendBuffer is the per-subscriber snapshot backlog before drops.
	SendBuffer int
}

type Server struct {
	ctrl     Controller
	ringer   Ringer
	history  history.Store
	log      *zap.Logger
	upgrader websocket.Upgrader
	buffer   int
	engine   *gin.Engine
}

type startRequest struct {
	PeerID      string `json:"peer_id" binding:"required"`
	DisplayName string `json:"display_name"`
	Kind        string `json:"kind"`
}

type endRequest struct {
	Reason string `json:"reason"`
}

type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

func New(ctrl Controller, opts Options) *Server {
	log := logger.OrNop(opts.Logger)
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = 16
	}
	s := &Server{
		ctrl:    ctrl,
		ringer:  opts.Ringer,
		history: opts.History,
		log:     log.Named("httpapi"),
		buffer:  buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024 * 4,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.GET("/ws", s.serveWS)

	call := r.Group("/call")
	{
		call.GET("", s.getCall)
		call.POST("", s.startCall)
		call.POST("/end", s.endCall)
		call.POST("/redial", s.redial)
		call.POST("/mute", s.toggle(s.ctrl.ToggleMute))
		call.POST("/speaker", s.toggle(s.ctrl.ToggleSpeaker))
		call.POST("/video", s.toggle(s.ctrl.ToggleVideo))
	}

	incoming := r.Group("/incoming")
	{
		incoming.POST("/answer", s.gesture(func(rg Ringer, _ *gin.Context) bool { return rg.Answer() }))
		incoming.POST("/decline", s.gesture(func(rg Ringer, _ *gin.Context) bool { return rg.Decline() }))
		incoming.POST("/remind", s.gesture(func(rg Ringer, _ *gin.Context) bool { return rg.RemindLater() }))
		incoming.POST("/message", s.gesture(func(rg Ringer, c *gin.Context) bool {
			var req messageRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
				return false
			}
			return rg.Message(req.Text)
		}))
	}

	r.GET("/history", s.listHistory)
	r.GET("/history/:peer_id", s.listHistory)
	r.DELETE("/history/:peer_id", s.clearHistory)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "callctl",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) getCall(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) startCall(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	kind := callsession.KindVoice
	if req.Kind != "" {
		k, err := callsession.ParseKind(req.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind", "message": err.Error()})
			return
		}
		kind = k
	}
	peer := callsession.Peer{ID: req.PeerID, DisplayName: req.DisplayName}
	if err := s.ctrl.Start(peer, kind); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) endCall(c *gin.Context) {
	var req endRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
			return
		}
	}
	reason := callsession.EndReason(req.Reason)
	if reason != "" && !reason.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reason"})
		return
	}
	s.ctrl.End(reason)
	c.Status(http.StatusAccepted)
}

func (s *Server) redial(c *gin.Context) {
	if err := s.ctrl.Redial(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) toggle(fn func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		fn()
		c.Status(http.StatusAccepted)
	}
}

func (s *Server) gesture(fn func(Ringer, *gin.Context) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.ringer == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "incoming calls not supported"})
			return
		}
		if !fn(s.ringer, c) {
			if !c.Writer.Written() {
				c.JSON(http.StatusConflict, gin.H{"error": "no call to act on"})
			}
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func (s *Server) listHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "history disabled"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := s.history.List(c.Request.Context(), c.Param("peer_id"), limit)
	if err != nil {
		s.log.Error("history lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *Server) clearHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "history disabled"})
		return
	}
	if err := s.history.Clear(c.Request.Context(), c.Param("peer_id")); err != nil {
		s.log.Error("history clear failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear history"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, callsession.ErrInvalidPeer):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, callsession.ErrSessionActive), errors.Is(err, callsession.ErrNotRedialable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, callsession.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
