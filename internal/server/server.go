// Package server exposes the realtime stream, event ingestion, provider
// webhooks, health and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	"tickwatch/internal/governor"
	"tickwatch/internal/logging"
	"tickwatch/internal/models"
	"tickwatch/internal/resilience"
	"tickwatch/internal/security"
	"tickwatch/internal/stream"
)

// EventSink ingests price and social events.
type EventSink interface {
	HandleTick(ctx context.Context, tick models.Tick) error
	HandleSocial(ctx context.Context, ev models.SocialEvent) error
}

// CallOutcomes records final call states against the usage ledger.
type CallOutcomes interface {
	RecordOutcome(ctx context.Context, userID, identity string, outcome governor.Outcome)
}

// SenderOutcomes records final call states against sender identity stats.
type SenderOutcomes interface {
	RecordOutcome(ctx context.Context, identity string, status models.CallOutcome, durationSeconds float64, machineDetected bool)
}

// Deps are the components the HTTP surface fronts. Health, Gatherer and Audit
// may be nil.
type Deps struct {
	Hub      *stream.Hub
	Events   EventSink
	Calls    CallOutcomes
	Senders  SenderOutcomes
	Health   *resilience.HealthMonitor
	Gatherer prometheus.Gatherer
	Audit    *security.AuditLogger

	// AuthToken verifies provider webhook signatures.
	AuthToken string
	// CallbackURL is the public status callback URL; its scheme and host are
	// used to rebuild the signed URL behind a proxy.
	CallbackURL string
}

// Server is the HTTP front end.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger zerolog.Logger
}

// New builds the router.
func New(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: gin.New(),
		logger: logging.WithComponent(logger, "server"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Open streams only end when the hub closes them.
	if deps.Hub != nil {
		s.http.RegisterOnShutdown(deps.Hub.Close)
	}
	return s
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/health", s.health)
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	st := r.Group("/stream")
	{
		st.GET("", s.openStream)
		st.POST("/:id/subscribe", s.subscribe)
		st.POST("/:id/unsubscribe", s.unsubscribe)
		st.DELETE("/:id", s.closeStream)
	}

	r.POST("/monitor/events", s.ingestEvent)
	r.POST("/webhooks/voice/status", s.voiceStatus)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/stream" {
			return
		}
		var err error
		if len(c.Errors) > 0 {
			err = c.Errors.Last()
		}
		logging.LogAPICall(s.logger, c.Request.Method, c.FullPath(), time.Since(start), err)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": resilience.HealthStatusHealthy})
		return
	}
	report := s.deps.Health.Check(c.Request.Context())
	code := http.StatusOK
	if report.Status == resilience.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// signedURL rebuilds the URL the provider signed.
func (s *Server) signedURL(c *gin.Context) string {
	if base, err := url.Parse(s.deps.CallbackURL); err == nil && base.Host != "" {
		return base.Scheme + "://" + base.Host + c.Request.URL.RequestURI()
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if p := c.GetHeader("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}
