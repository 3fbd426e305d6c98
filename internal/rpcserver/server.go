package rpcserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/execd/internal/common/httpmw"
	"github.com/kandev/execd/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Sessions are authorized by the deployment's reverse proxy /
		// network boundary; execd itself does not gate on Origin.
		return true
	},
}

// Server owns the gin router and the shared Deps every accepted Client
// dispatches into.
type Server struct {
	deps   *Deps
	router *gin.Engine
	log    *logger.Logger
}

// NewServer builds the router and registers the /ws upgrade route and a
// /healthz liveness probe.
func NewServer(deps *Deps) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("execd"))
	router.Use(httpmw.RequestLogger(deps.Log, "execd"))

	s := &Server{deps: deps, router: router, log: deps.Log}
	router.GET("/healthz", s.handleHealthz)
	router.GET("/ws", s.handleWebSocket)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": s.deps.Sessions.Count(),
	})
}

// handleWebSocket upgrades the connection, accepts a new Session (rejecting
// over MAX_SESSIONS with a plain HTTP 503 before ever upgrading — spec.md
// §4.5), then runs the read/write pumps until the connection closes.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.deps.Sessions.Count() >= int64(s.deps.Limits.MaxSessions) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "over capacity"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client, err := NewClient(conn, s.deps)
	if err != nil {
		s.log.Warn("session rejected after upgrade (race with capacity check)", zap.Error(err))
		_ = conn.Close()
		return
	}

	s.log.Info("session accepted", zap.String("session_id", client.sess.ID), zap.String("remote_addr", c.Request.RemoteAddr))

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
