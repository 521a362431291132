// Package httpapi wires the controller's HTTP and WebSocket surface
// on top of gin, in a one-struct-holds-every-manager server shape: a
// Server holds each collaborator (resolver-backed orchestrators, the
// probe session registry) and registers plain gin handler methods
// against them.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mcprobe/controller/internal/applog"
	"github.com/mcprobe/controller/internal/orchestrate"
	"github.com/mcprobe/controller/internal/probesession"
)

// Server composes the HTTP and WebSocket surface described by the
// controller's external interface.
type Server struct {
	router      *gin.Engine
	sessions    *probesession.Manager
	direct      *orchestrate.Direct
	distributed *orchestrate.Distributed
	upgrader    websocket.Upgrader
}

// NewServer builds a Server and registers its routes.
func NewServer(sessions *probesession.Manager, direct *orchestrate.Direct, distributed *orchestrate.Distributed) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		sessions:    sessions,
		direct:      direct,
		distributed: distributed,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler returns the underlying gin engine, ready to be passed to
// http.ListenAndServe or net/http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s.router.GET("/", s.banner)
	s.router.GET("/health", s.health)
	s.router.GET("/v1/status/:server", s.getStatus)
	s.router.GET("/v1/distributed/:server", s.getDistributed)
	s.router.GET("/v1/stream", s.stream)
}

func (s *Server) banner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": "mcprobe-controller"})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "probes": s.sessions.Count()})
}

func parseProtocol(c *gin.Context) (orchestrate.Protocol, bool) {
	raw := c.Query("type")
	switch raw {
	case string(orchestrate.ProtocolJava):
		return orchestrate.ProtocolJava, true
	case string(orchestrate.ProtocolBedrock):
		return orchestrate.ProtocolBedrock, true
	default:
		return "", false
	}
}

func (s *Server) getStatus(c *gin.Context) {
	proto, ok := parseProtocol(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameter: type (java or bedrock)"})
		return
	}

	result := s.direct.Ping(c.Request.Context(), c.Param("server"), proto)
	c.JSON(http.StatusOK, result)
}

func (s *Server) getDistributed(c *gin.Context) {
	proto, ok := parseProtocol(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameter: type (java or bedrock)"})
		return
	}

	nodes, err := s.distributed.Ping(c.Request.Context(), c.Param("server"), proto)
	if err != nil {
		if err == orchestrate.ErrNoProbes {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No probe nodes available"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"target":       c.Param("server"),
		"result_count": len(nodes),
		"nodes":        nodes,
	})
}

// wsChannel adapts a *websocket.Conn to the probesession.Channel
// interface, serializing writes the way the dispatcher's contract
// requires (per-connection writes must never interleave mid-frame).
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsChannel) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsChannel) Close() error {
	return w.conn.Close()
}

func (s *Server) stream(c *gin.Context) {
	id := c.Query("id")
	region := c.Query("region")
	auth := c.GetHeader("Authorization")

	log := applog.For("httpapi.stream")

	if authErr := s.sessions.Authenticate(id, region, auth); authErr != nil {
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		closeMsg := websocket.FormatCloseMessage(authErr.Code, authErr.Message)
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := s.sessions.Register(id, region, &wsChannel{conn: conn})
	defer s.sessions.Unregister(sess)
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("probe", id).Warn("probe connection dropped")
			}
			return
		}
		s.sessions.HandleFrame(sess, raw)
	}
}
