// Package monitor wires feeds, evaluation, governance, dispatch and the HTTP
// surface into one long-running service.
package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"tickwatch/internal/cache"
	"tickwatch/internal/config"
	"tickwatch/internal/engine"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/feed"
	"tickwatch/internal/governor"
	"tickwatch/internal/logging"
	"tickwatch/internal/metrics"
	"tickwatch/internal/models"
	"tickwatch/internal/notify"
	"tickwatch/internal/performance"
	"tickwatch/internal/resilience"
	"tickwatch/internal/security"
	"tickwatch/internal/sender"
	"tickwatch/internal/server"
	"tickwatch/internal/social"
	"tickwatch/internal/store"
	"tickwatch/internal/stream"
)

// Option configures a Service.
type Option func(*options)

type options struct {
	provider notify.Provider
	chat     notify.ChatSender
	audit    *security.AuditLogger
	registry *prometheus.Registry
}

// WithProvider replaces the voice/SMS provider client.
func WithProvider(p notify.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithChat replaces the Telegram channel.
func WithChat(c notify.ChatSender) Option {
	return func(o *options) { o.chat = c }
}

// WithAudit records governance and delivery events to al.
func WithAudit(al *security.AuditLogger) Option {
	return func(o *options) { o.audit = al }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Service is the running monitor.
type Service struct {
	cfg    *config.Config
	store  store.DataStore
	logger zerolog.Logger

	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	cache      *cache.PriceCache
	engine     *engine.Engine
	hub        *stream.Hub
	governor   *governor.Governor
	rotator    *sender.Rotator
	dispatcher *notify.Dispatcher
	pool       *performance.WorkerPool
	breakers   *resilience.CircuitBreakerRegistry
	feeds      *feed.Manager
	social     *social.Watcher
	health     *resilience.HealthMonitor
	server     *server.Server
	cron       *gocron.Scheduler

	ctx     context.Context
	cancel  context.CancelFunc
	stopped sync.Once
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, st store.DataStore, logger zerolog.Logger, opts ...Option) (*Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		store:    st,
		logger:   logging.WithComponent(logger, "monitor"),
		registry: o.registry,
		metrics:  metrics.New(o.registry),
		cron:     gocron.NewScheduler(time.UTC),
		ctx:      ctx,
		cancel:   cancel,
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.IsFailure = apperrors.IsRetryable
	s.breakers = resilience.NewCircuitBreakerRegistry(breakerCfg)

	provider := o.provider
	if provider == nil {
		provider = notify.NewTwilioClient(cfg.Provider, cfg.Credentials.Provider, cfg.Dispatcher.Voice, s.breakers)
	}
	chat := o.chat
	if chat == nil && cfg.Notifications.Telegram {
		tg, err := notify.NewTelegramChannel(cfg.Credentials.Telegram.BotToken)
		if err != nil {
			cancel()
			return nil, apperrors.Wrap(err, "telegram channel")
		}
		chat = tg
	}

	s.governor = governor.New(cfg.Governor, st, logger, governor.WithAudit(o.audit), governor.WithMetrics(s.metrics))
	s.rotator = sender.New(cfg.Sender, st, logger)

	dispatchOpts := []notify.Option{notify.WithAudit(o.audit), notify.WithMetrics(s.metrics)}
	if chat != nil {
		dispatchOpts = append(dispatchOpts, notify.WithChat(chat))
	}
	s.dispatcher = notify.NewDispatcher(cfg.Dispatcher, st, st, s.governor, s.rotator, provider, logger, dispatchOpts...)
	s.pool = performance.NewWorkerPool(cfg.Engine.Workers, cfg.Engine.QueueSize, logger)

	var notifier engine.Notifier = notify.NewQueue(ctx, s.pool, s.dispatcher, logger)
	if !cfg.Notifications.Enabled {
		notifier = logNotifier{logger: s.logger}
	}

	s.cache = cache.New(cfg.Cache.TTL, cache.WithMetrics(s.metrics))
	s.hub = stream.NewHub(cfg.Realtime, logger, s.metrics)
	s.engine = engine.New(s.cache, st, notifier, s.hub, logger, s.metrics)
	s.feeds = feed.NewManager(cfg.Feeds, s.onTick, logger, s.metrics)

	if cfg.Social.Enabled {
		w, err := social.NewWatcher(cfg.Social, s.engine.HandleSocial, logger, s.metrics)
		if err != nil {
			cancel()
			return nil, apperrors.Wrap(err, "social watcher")
		}
		s.social = w
	}

	s.health = resilience.NewHealthMonitor(5 * time.Second)
	s.health.RegisterComponent("store", resilience.DatabaseHealthCheck(st.Ping))
	s.health.RegisterComponent("provider", resilience.CircuitHealthCheck(s.breakers))
	s.health.RegisterComponent("dispatch_pool", poolHealthCheck(s.pool))
	s.feeds.RegisterHealth(s.health, 2*cfg.Feeds.Connection.HeartbeatInterval+cfg.Feeds.Connection.HeartbeatTimeout)

	s.server = server.New(cfg.Server, server.Deps{
		Hub:         s.hub,
		Events:      s.engine,
		Calls:       s.governor,
		Senders:     s.rotator,
		Health:      s.health,
		Gatherer:    s.registry,
		Audit:       o.audit,
		AuthToken:   cfg.Credentials.Provider.AuthToken,
		CallbackURL: cfg.Provider.StatusCallbackURL,
	}, logger)

	return s, nil
}

// Start loads state, schedules periodic jobs and connects the feeds. It does
// not start the HTTP listener; see Serve.
func (s *Service) Start(ctx context.Context) error {
	if err := s.rotator.Load(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Sender stats unavailable, starting fresh")
	}
	if err := s.engine.Reload(ctx); err != nil {
		return apperrors.Wrap(err, "loading alerts")
	}
	s.pool.Start()

	if err := s.schedule(); err != nil {
		return err
	}
	s.cron.StartAsync()

	s.feeds.Start(ctx)
	s.logger.Info().
		Int("feeds", len(s.feeds.Feeds())).
		Bool("social", s.social != nil).
		Bool("notifications", s.cfg.Notifications.Enabled).
		Msg("Monitor started")
	return nil
}

func (s *Service) schedule() error {
	if _, err := s.cron.Every(s.cfg.Cache.SweepInterval).WaitForSchedule().SingletonMode().Do(s.sweepCache); err != nil {
		return apperrors.Wrap(err, "scheduling cache sweep")
	}
	if _, err := s.cron.Every(s.cfg.Engine.ReloadInterval).WaitForSchedule().SingletonMode().Do(s.reloadAlerts); err != nil {
		return apperrors.Wrap(err, "scheduling alert reload")
	}
	if s.social != nil {
		// Runs immediately so the first poll seeds the seen-sets.
		if _, err := s.cron.Every(s.cfg.Social.PollInterval).SingletonMode().Do(s.pollSocial); err != nil {
			return apperrors.Wrap(err, "scheduling social poll")
		}
	}
	return nil
}

func (s *Service) sweepCache() {
	if n := s.cache.Sweep(time.Now()); n > 0 {
		s.logger.Debug().Int("evicted", n).Msg("Swept stale prices")
	}
}

func (s *Service) reloadAlerts() {
	if err := s.engine.Reload(s.ctx); err != nil {
		s.logger.Error().Err(err).Msg("Alert reload failed, keeping previous set")
	}
}

func (s *Service) pollSocial() {
	if n := s.social.Poll(s.ctx); n > 0 {
		s.logger.Debug().Int("posts", n).Msg("Social poll found new posts")
	}
}

// onTick feeds one exchange tick into the engine.
func (s *Service) onTick(t models.Tick) {
	if err := s.engine.HandleTick(s.ctx, t); err != nil {
		s.logger.Debug().Err(err).Str("source", t.Source).Msg("Tick rejected")
	}
}

// Serve runs the HTTP server until Stop.
func (s *Service) Serve() error {
	return s.server.Start()
}

// Handler returns the HTTP handler without listening.
func (s *Service) Handler() http.Handler {
	return s.server.Handler()
}

// Stop shuts everything down in reverse dependency order. In-flight
// dispatches finish before it returns.
func (s *Service) Stop(ctx context.Context) error {
	var err error
	s.stopped.Do(func() {
		s.cron.Stop()
		s.feeds.Stop()
		// Streams are closed before the server waits on in-flight requests.
		s.hub.Close()
		err = s.server.Shutdown(ctx)
		s.pool.Stop()
		s.cancel()
		s.logger.Info().Msg("Monitor stopped")
	})
	return err
}

// Engine returns the evaluation engine.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Hub returns the realtime hub.
func (s *Service) Hub() *stream.Hub { return s.hub }

// Health runs every health check.
func (s *Service) Health(ctx context.Context) resilience.SystemHealth {
	return s.health.Check(ctx)
}

// logNotifier stands in for dispatch when notifications are disabled.
type logNotifier struct {
	logger zerolog.Logger
}

func (n logNotifier) Notify(t models.Trigger) {
	n.logger.Info().
		Str("kind", string(t.Kind)).
		Str("alert_id", t.AlertID).
		Str("user_id", t.UserID).
		Str("message", t.Message).
		Msg("Alert triggered (notifications disabled)")
}

func poolHealthCheck(pool *performance.WorkerPool) resilience.HealthCheck {
	return func(ctx context.Context) resilience.ComponentHealth {
		st := pool.Stats()
		h := resilience.ComponentHealth{
			Status:  resilience.HealthStatusHealthy,
			Message: "dispatch queue has capacity",
			Details: map[string]interface{}{
				"queued":   st.QueueLen,
				"done":     st.TasksDone,
				"failed":   st.TasksFailed,
				"rejected": st.Rejected,
			},
		}
		if !st.Running {
			h.Status = resilience.HealthStatusUnhealthy
			h.Message = "dispatch pool not running"
		} else if st.Rejected > 0 && st.QueueLen > 0 {
			h.Status = resilience.HealthStatusDegraded
			h.Message = "dispatch queue has dropped triggers"
		}
		return h
	}
}
