package tracker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peerchat/models"
)

// Server exposes the directory store over HTTP and owns the sweeper
// lifecycle.
type Server struct {
	engine  *gin.Engine
	store   *Store
	sweeper *Sweeper
	logger  *zap.Logger

	httpServer *http.Server
}

type registerRequest struct {
	Username string `json:"username"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

type heartbeatRequest struct {
	Username string `json:"username"`
}

// NewServer creates the tracker HTTP server.
func NewServer(store *Store, sweeper *Sweeper, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		store:   store,
		sweeper: sweeper,
		logger:  logger,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying HTTP handler, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the sweeper and serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if s.sweeper != nil {
		s.sweeper.Start()
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("tracker listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the sweeper and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.POST("/register", s.register)
	s.engine.POST("/heartbeat", s.heartbeat)
	s.engine.GET("/peers", s.listPeers)
	s.engine.DELETE("/unregister/:username", s.unregister)
	s.engine.GET("/health", s.health)
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	record, err := s.store.Register(req.Username, req.Host, req.Port)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("register failed", zap.String("username", req.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	s.logger.Info("peer registered",
		zap.String("username", record.Username),
		zap.String("host", record.Host),
		zap.Int("port", record.Port))
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func (s *Server) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := s.store.Heartbeat(req.Username); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
			return
		}
		s.logger.Error("heartbeat failed", zap.String("username", req.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) listPeers(c *gin.Context) {
	records, err := s.store.ListActive(c.Query("exclude"))
	if err != nil {
		s.logger.Error("list peers failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}

	peers := make([]models.PeerInfo, 0, len(records))
	for _, record := range records {
		peers = append(peers, record.Info())
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (s *Server) unregister(c *gin.Context) {
	username := c.Param("username")
	if err := s.store.Unregister(username); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
			return
		}
		s.logger.Error("unregister failed", zap.String("username", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unregister failed"})
		return
	}

	s.logger.Info("peer unregistered", zap.String("username", username))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) health(c *gin.Context) {
	total, active, err := s.store.Counts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"total_peers":  total,
		"active_peers": active,
	})
}
