// Package api serves the node's HTTP status and metrics endpoints
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SessionStatus is one session's row in the status response
type SessionStatus struct {
	SessionID    uint64    `json:"sessionId"`
	PeerAddress  string    `json:"peerAddress"`
	PeerClientID string    `json:"peerClientId,omitempty"`
	State        string    `json:"state"`
	Established  time.Time `json:"establishedAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Delivered    uint64    `json:"delivered"`
	Dropped      uint64    `json:"dropped"`
}

// Status is the full status response
type Status struct {
	ClientID string          `json:"clientId,omitempty"`
	Uptime   string          `json:"uptime"`
	Sessions []SessionStatus `json:"sessions"`
}

// StatsProvider supplies the live status snapshot
type StatsProvider interface {
	Status() Status
}

// Server is the HTTP status server
type Server struct {
	provider   StatsProvider
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger
}

// NewServer creates the status server
func NewServer(addr string, provider StatsProvider, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		provider: provider,
		router:   router,
		log:      log,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/sessions", s.handleSessions)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Status())
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Status().Sessions)
}

// Start serves in the background until Stop
func (s *Server) Start() {
	go func() {
		s.log.Info("status API listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status API failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}
