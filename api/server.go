package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerchat/config"
	"peerchat/discovery"
	"peerchat/peer"
)

// Options configures the local UI boundary server.
type Options struct {
	Config *config.NodeConfig
	Logger *zap.Logger

	// EnableLAN starts mDNS announce and browse alongside the node.
	EnableLAN bool
}

// Server is the HTTP + websocket boundary the web UI talks to. It owns
// the node lifecycle: /start creates and starts a link manager, /stop
// tears it down.
type Server struct {
	engine    *gin.Engine
	logger    *zap.Logger
	cfg       *config.NodeConfig
	enableLAN bool

	hub      *hub
	upgrader websocket.Upgrader

	mu         sync.Mutex
	node       *peer.Manager
	lan        *discovery.Service
	pumpCancel context.CancelFunc

	httpServer *http.Server
}

type startRequest struct {
	Username string `json:"username"`
}

type connectRequest struct {
	Username string `json:"username"`
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type broadcastRequest struct {
	Content string `json:"content"`
}

// NewServer creates the UI boundary server.
func NewServer(options Options) (*Server, error) {
	if options.Config == nil {
		return nil, errors.New("api: config is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:    engine,
		logger:    logger,
		cfg:       options.Config,
		enableLAN: options.EnableLAN,
		hub:       newHub(logger),
		upgrader: websocket.Upgrader{
			// The API binds to localhost; the UI is served from file://
			// or a dev server, so origin checks stay permissive.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the underlying HTTP handler, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves the UI API on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("api listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the node if running and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopNode()
	s.hub.closeAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.POST("/start", s.start)
	s.engine.POST("/stop", s.stop)
	s.engine.GET("/peers", s.listPeers)
	s.engine.GET("/peers/lan", s.listLANPeers)
	s.engine.GET("/connected-peers", s.listConnected)
	s.engine.POST("/connect", s.connect)
	s.engine.POST("/send", s.send)
	s.engine.POST("/broadcast", s.broadcastMessage)
	s.engine.DELETE("/disconnect/:username", s.disconnect)
	s.engine.GET("/history", s.history)
	s.engine.GET("/ws", s.websocket)
}

// currentNode returns the running node, or nil.
func (s *Server) currentNode() *peer.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

func (s *Server) requireNode(c *gin.Context) *peer.Manager {
	node := s.currentNode()
	if node == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node is not running"})
		return nil
	}
	return node
}

func (s *Server) start(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	username := req.Username
	if username == "" {
		username = s.cfg.Username
	}
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.node != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node is already running"})
		return
	}

	listenAddr := ":0"
	if s.cfg.PortMode == config.PortModeFixed && s.cfg.ListeningPort > 0 {
		listenAddr = ":" + strconv.Itoa(s.cfg.ListeningPort)
	}

	node, err := peer.NewManager(peer.ManagerOptions{
		Username:      username,
		ListenAddress: listenAddr,
		Tracker:       peer.NewTrackerClient(s.cfg.TrackerURL, 0),
		Logger:        s.logger,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := node.Start(); err != nil {
		s.logger.Error("node start failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	port := 0
	if addr, ok := node.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	go s.pumpEvents(pumpCtx, node)

	s.node = node
	s.pumpCancel = pumpCancel

	if s.enableLAN {
		lan, err := discovery.Start(discovery.Config{
			SelfUsername:  username,
			ListeningPort: port,
		})
		if err != nil {
			s.logger.Warn("lan discovery unavailable", zap.Error(err))
		} else {
			s.lan = lan
		}
	}

	s.logger.Info("node started",
		zap.String("username", username),
		zap.Int("port", port))
	c.JSON(http.StatusOK, gin.H{
		"running":  true,
		"username": username,
		"port":     port,
	})
}

func (s *Server) stop(c *gin.Context) {
	if !s.stopNode() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node is not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false})
}

// stopNode tears down the running node. Returns false when none runs.
func (s *Server) stopNode() bool {
	s.mu.Lock()
	node := s.node
	lan := s.lan
	pumpCancel := s.pumpCancel
	s.node = nil
	s.lan = nil
	s.pumpCancel = nil
	s.mu.Unlock()

	if node == nil {
		return false
	}

	if pumpCancel != nil {
		pumpCancel()
	}
	if lan != nil {
		lan.Stop()
	}
	node.Stop()
	s.logger.Info("node stopped", zap.String("username", node.Username()))
	return true
}

func (s *Server) listPeers(c *gin.Context) {
	node := s.requireNode(c)
	if node == nil {
		return
	}

	peers, err := node.AvailablePeers(c.Request.Context())
	if err != nil {
		s.logger.Error("list peers failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "tracker unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (s *Server) listLANPeers(c *gin.Context) {
	s.mu.Lock()
	lan := s.lan
	s.mu.Unlock()

	peers := []discovery.DiscoveredPeer{}
	if lan != nil && lan.Scanner != nil {
		peers = lan.Scanner.ListPeers()
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (s *Server) listConnected(c *gin.Context) {
	node := s.requireNode(c)
	if node == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": node.ListConnected()})
}

func (s *Server) connect(c *gin.Context) {
	node := s.requireNode(c)
	if node == nil {
		return
	}

	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := node.Connect(c.Request.Context(), req.Username)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"connected": true, "username": req.Username})
	case errors.Is(err, peer.ErrPeerUnknown):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("peer %q is not registered", req.Username)})
	case errors.Is(err, peer.ErrAlreadyConnected):
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("already connected to %q", req.Username)})
	default:
		s.logger.Warn("connect failed", zap.String("username", req.Username), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (s *Server) send(c *gin.Context) {
	node := s.requireNode(c)
	if node == nil {
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	msg, err := node.Send(req.To, req.Content)
	if err != nil {
		if errors.Is(err, peer.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("no open connection to %q", req.To)})
			return
		}
		s.logger.Warn("send failed", zap.String("to", req.To), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (s *Server) broadcastMessage(c *gin.Context) {
	node := s.requireNode(c)
	if node == nil {
		return
	}

	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	msg, failures := node.Broadcast(req.Content)
	failed := make(map[string]string, len(failures))
	for username, err := range failures {
		failed[username] = err.Error()
	}

	c.JSON(http.StatusOK, gin.H{"message": msg, "failures": failed})
}

func (s *Server) disconnect(c *gin.Context) {
	node := s.requireNode(c)
	if node == nil {
		return
	}

	node.Disconnect(c.Param("username"))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) history(c *gin.Context) {
	node := s.requireNode(c)
	if node == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": node.History()})
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.hub.add(conn)
	go s.readUntilClosed(conn)
}

// readUntilClosed discards client frames so control messages (ping,
// close) are processed, and unregisters the client on error.
func (s *Server) readUntilClosed(conn *websocket.Conn) {
	defer func() {
		s.hub.remove(conn)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pumpEvents forwards node events to websocket subscribers until the
// node stops.
func (s *Server) pumpEvents(ctx context.Context, node *peer.Manager) {
	for {
		select {
		case event := <-node.Events():
			s.hub.broadcast(event)
		case err := <-node.Errors():
			s.logger.Warn("node error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}
