// Package api exposes sessions, the provider and the settings surface over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/circuitbreaker"
	"github.com/yourorg/impersonator/internal/config"
	"github.com/yourorg/impersonator/internal/directory"
	"github.com/yourorg/impersonator/internal/session"
	"github.com/yourorg/impersonator/internal/simulation"
	"github.com/yourorg/impersonator/internal/store"
	"github.com/yourorg/impersonator/internal/types"
)

const version = "1.0.0"

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Sessions   *session.Registry
	Store      *store.Store
	Directory  *directory.Directory
	Simulation *simulation.Service
	Metrics    *Metrics
	Gatherer   prometheus.Gatherer
}

// Server is the HTTP front of the daemon.
type Server struct {
	config  config.Config
	deps    Deps
	engine  *gin.Engine
	server  *http.Server
	started time.Time
}

// NewServer builds the router. Metrics and Gatherer may be nil.
func NewServer(cfg config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:  cfg,
		deps:    deps,
		engine:  gin.New(),
		started: time.Now(),
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	s.engine.Use(cors.New(corsConfig))
	s.engine.Use(requestLogger())
	s.engine.Use(gin.Recovery())

	if deps.Metrics != nil {
		var breaker *circuitbreaker.CircuitBreaker
		if deps.Simulation != nil {
			breaker = deps.Simulation.Breaker()
		}
		deps.Metrics.registerGauges(deps.Sessions.Count, breaker)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/circuit", s.handleCircuit)
	r.POST("/circuit", s.handleCircuit)
	if s.config.EnableMetrics && s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	r.GET("/settings", s.handleSettings)
	r.PUT("/settings/enabled", s.handleSetEnabled)
	r.GET("/networks", s.handleNetworks)

	r.POST("/sessions", s.handleOpenSession)
	sessions := r.Group("/sessions/:id")
	{
		sessions.DELETE("", s.handleCloseSession)
		sessions.POST("/rpc", s.withSession(s.handleRPC))
		sessions.GET("/events", s.withSession(s.handleEvents))
		sessions.POST("/address", s.withSession(s.handleSetAddress))
		sessions.POST("/network", s.withSession(s.handleSelectNetwork))
		sessions.POST("/messages", s.withSession(s.handleMessage))
		sessions.GET("/info", s.withSession(s.handleInfo))
	}
}

// Handler returns the router, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:        ":" + s.config.Port,
		Handler:     s.engine,
		ReadTimeout: 15 * time.Second,
		// No write timeout: event streams stay open
		IdleTimeout: 60 * time.Second,
	}
	logrus.Infof("Server starting on port %s", s.config.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and unloads every session.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.deps.Sessions.CloseAll()
	return err
}

func (s *Server) withSession(fn func(*gin.Context, *session.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.deps.Sessions.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		fn(c, sess)
	}
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(c *gin.Context) {
	st := s.deps.Store.Snapshot()
	status := gin.H{
		"status":   "operational",
		"uptime":   time.Since(s.started).String(),
		"version":  version,
		"sessions": s.deps.Sessions.Count(),
		"configuration": gin.H{
			"enabled":        st.IsEnabled,
			"chain_name":     st.ChainName,
			"networks":       len(st.Networks),
			"switch_timeout": s.config.SwitchTimeout.String(),
			"simulation":     st.Simulation.Configured(),
		},
	}
	if sims := s.deps.Simulation; sims != nil {
		if cb := sims.Breaker(); cb != nil {
			status["circuit_state"] = cb.GetState().String()
		}
		status["recent_simulations"] = sims.Reports()
	}
	c.JSON(http.StatusOK, status)
}

// handleCircuit shows the simulation circuit breaker and resets it on
// POST ?action=reset.
func (s *Server) handleCircuit(c *gin.Context) {
	if s.deps.Simulation == nil || s.deps.Simulation.Breaker() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "circuit breaker not enabled"})
		return
	}
	cb := s.deps.Simulation.Breaker()

	response := gin.H{}
	if c.Request.Method == http.MethodPost && c.Query("action") == "reset" {
		cb.Reset()
		response["message"] = "Circuit breaker reset"
	}
	response["state"] = cb.GetState().String()
	response["recent_failures"] = cb.RecentFailures()
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleSettings(c *gin.Context) {
	st := s.deps.Store.Snapshot()
	if st.Simulation != nil {
		redacted := st.Simulation.Redacted()
		st.Simulation = &redacted
	}
	c.JSON(http.StatusOK, st)
}

type enabledBody struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleSetEnabled(c *gin.Context) {
	var body enabledBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Store.SetEnabled(*body.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *body.Enabled})
}

func (s *Server) handleNetworks(c *gin.Context) {
	out := make([]gin.H, 0)
	for _, name := range s.deps.Directory.Names() {
		if network, ok := s.deps.Directory.Resolve(name); ok {
			out = append(out, gin.H{"chainName": network.Name, "chainId": network.ChainID, "rpcUrl": network.RPCURL})
		}
	}
	c.JSON(http.StatusOK, gin.H{"networks": out})
}

func (s *Server) handleOpenSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Open(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Warn("Failed to open session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.sessionsOpened.Inc()
	}

	response := gin.H{"id": sess.ID, "injected": sess.Injected()}
	if err := sess.BootstrapError(); err != nil {
		response["error"] = err.Error()
	}
	c.JSON(http.StatusCreated, response)
}

func (s *Server) handleCloseSession(c *gin.Context) {
	if !s.deps.Sessions.Close(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// httpStatus maps settings-surface errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrResolutionFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrUpstreamFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
