package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	"tickwatch/internal/logging"
	"tickwatch/internal/metrics"
	"tickwatch/internal/models"
	"tickwatch/internal/resilience"
)

// Default public endpoints.
const (
	DefaultBinanceURL = "wss://stream.binance.com:9443/ws"
	DefaultOKXURL     = "wss://ws.okx.com:8443/ws/v5/public"
)

// Manager owns one connection per enabled exchange.
type Manager struct {
	conns  []*Conn
	logger zerolog.Logger
}

// NewManager builds connections for every enabled feed in cfg. Ticks from all
// feeds go to onTick.
func NewManager(cfg config.FeedsConfig, onTick func(models.Tick), logger zerolog.Logger, m *metrics.Metrics) *Manager {
	mgr := &Manager{logger: logging.WithComponent(logger, "feeds")}
	handlers := Handlers{
		OnTick: onTick,
		OnUnreachable: func(err error) {
			mgr.logger.Error().Err(err).Msg("Feed unreachable, giving up until restarted")
		},
	}

	if cfg.Binance.Enabled {
		url := cfg.Binance.URL
		if url == "" {
			url = DefaultBinanceURL
		}
		mgr.conns = append(mgr.conns, NewConn(url, NewBinanceAdapter(cfg.Binance.Symbols), cfg.Connection, handlers, logger, m))
	}
	if cfg.OKX.Enabled {
		url := cfg.OKX.URL
		if url == "" {
			url = DefaultOKXURL
		}
		mgr.conns = append(mgr.conns, NewConn(url, NewOKXAdapter(cfg.OKX.Symbols), cfg.Connection, handlers, logger, m))
	}
	return mgr
}

// Feeds returns the managed connections.
func (m *Manager) Feeds() []*Conn {
	return m.conns
}

// Start connects every feed concurrently. A feed whose first dial fails keeps
// retrying in the background, so Start only reports how many came up.
func (m *Manager) Start(ctx context.Context) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	up := 0
	for _, c := range m.conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				m.logger.Warn().Err(err).Str("feed", c.Name()).Msg("Initial feed connection failed, retrying in background")
				return
			}
			mu.Lock()
			up++
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	m.logger.Info().Int("connected", up).Int("feeds", len(m.conns)).Msg("Feeds started")
	return up
}

// Stop disconnects every feed.
func (m *Manager) Stop() {
	for _, c := range m.conns {
		c.Disconnect()
	}
}

// RegisterHealth adds one health check per feed, named "feed:<name>".
func (m *Manager) RegisterHealth(monitor *resilience.HealthMonitor, staleAfter time.Duration) {
	for _, c := range m.conns {
		c := c
		monitor.RegisterComponent("feed:"+c.Name(), resilience.FeedHealthCheck(
			func() string { return string(c.State()) },
			c.LastMessage,
			staleAfter,
		))
	}
}
