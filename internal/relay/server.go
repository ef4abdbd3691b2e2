package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access is controlled by the room token, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the hub over HTTP:
//
//	GET  /healthz
//	POST /rooms/:room/token   issue a room token (only with a JWT secret)
//	GET  /rooms/:room/peers   list joined participants
//	GET  /ws?room=&token=     websocket signaling
type Server struct {
	cfg     config.RelayConfig
	hub     *Hub
	store   RoomStore
	limiter *RateLimiter
	engine  *gin.Engine
	logger  *zap.Logger
	now     func() time.Time
}

func NewServer(cfg config.RelayConfig, store RoomStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("relay")
	if store == nil {
		store = NewMemoryStore()
	}

	s := &Server{
		cfg:     cfg,
		hub:     NewHub(store, logger),
		store:   store,
		limiter: NewRateLimiter(10, time.Minute),
		logger:  logger,
		now:     time.Now,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.GET("/healthz", s.handleHealth)
	r.POST("/rooms/:room/token", s.limiter.Middleware(), s.handleToken)
	r.GET("/rooms/:room/peers", s.handlePeers)
	r.GET("/ws", s.handleWebsocket)
	s.engine = r
	return s
}

// Handler returns the routes, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on cfg.ListenAddr until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go s.limiter.Cleanup(ctx, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Signaling relay listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Shutting down signaling relay")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": s.hub.Rooms()})
}

type tokenRequest struct {
	UID string `json:"uid"`
}

func (s *Server) handleToken(c *gin.Context) {
	if s.cfg.JWTSecret == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "token authentication is disabled"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid is required"})
		return
	}
	room := c.Param("room")
	token, expires, err := IssueToken(s.cfg.JWTSecret, room, req.UID, s.cfg.TokenTTL, s.now())
	if err != nil {
		s.logger.Error("Failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires.UTC().Format(time.RFC3339)})
}

func (s *Server) handlePeers(c *gin.Context) {
	peers, err := s.store.Peers(c.Request.Context(), c.Param("room"))
	if err != nil {
		s.logger.Warn("Failed to list peers", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": c.Param("room"), "peers": peers})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	room := strings.TrimSpace(c.Query("room"))
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}

	var uid string
	if s.cfg.JWTSecret != "" {
		raw := c.Query("token")
		if raw == "" {
			raw = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		claims, err := VerifyToken(s.cfg.JWTSecret, raw, room)
		switch {
		case errors.Is(err, ErrWrongRoom):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		uid = claims.UID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Serve(conn, room, uid)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
