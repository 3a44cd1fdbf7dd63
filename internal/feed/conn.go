// Package feed maintains resilient websocket connections to exchange ticker
// streams and turns their messages into ticks.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/logging"
	"tickwatch/internal/metrics"
	"tickwatch/internal/models"
)

// State is a connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateUnreachable  State = "unreachable"
)

func (s State) gauge() int {
	switch s {
	case StateConnected:
		return metrics.FeedConnected
	case StateConnecting, StateReconnecting:
		return metrics.FeedReconnecting
	case StateUnreachable:
		return metrics.FeedUnreachable
	}
	return metrics.FeedDisconnected
}

// Adapter speaks one exchange's wire protocol.
type Adapter interface {
	Name() string
	// SubscribeMessages are written right after every successful dial.
	SubscribeMessages() ([][]byte, error)
	// Parse decodes a data message. Control messages yield no ticks and no error.
	Parse(msg []byte) ([]models.Tick, error)
	// Ping returns an application-level ping, or nil to use websocket ping frames.
	Ping() []byte
}

// Handlers receive connection events. Callbacks run on the connection's read
// goroutine, so ticks from one connection are delivered in order.
type Handlers struct {
	OnTick        func(models.Tick)
	OnUnreachable func(err error)
}

// Conn is a self-healing websocket connection.
type Conn struct {
	url      string
	adapter  Adapter
	cfg      config.ConnectionConfig
	handlers Handlers
	dialer   *websocket.Dialer
	backoff  *backoff.Backoff
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	ws          *websocket.Conn
	state       State
	failures    int
	lastMessage time.Time
	cancel      context.CancelFunc
	done        chan struct{}

	writeMu sync.Mutex
}

// NewConn creates a connection to url using adapter. It does not dial.
func NewConn(url string, adapter Adapter, cfg config.ConnectionConfig, handlers Handlers, logger zerolog.Logger, m *metrics.Metrics) *Conn {
	return &Conn{
		url:      url,
		adapter:  adapter,
		cfg:      cfg,
		handlers: handlers,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		backoff: &backoff.Backoff{
			Min:    cfg.InitialBackoff,
			Max:    cfg.MaxBackoff,
			Factor: cfg.Multiplier,
		},
		logger:  logging.WithComponent(logger, "feed").With().Str("feed", adapter.Name()).Logger(),
		metrics: m,
		state:   StateDisconnected,
	}
}

// Name returns the adapter name.
func (c *Conn) Name() string {
	return c.adapter.Name()
}

// BackoffFor returns the wait before reconnect attempt k (0-based):
// min(InitialBackoff * Multiplier^k, MaxBackoff).
func (c *Conn) BackoffFor(k int) time.Duration {
	return c.backoff.ForAttempt(float64(k))
}

// Connect starts the connection supervisor and waits for the first dial to
// finish. A failed first dial is returned, but reconnection continues in the
// background. Calling Connect on a running connection is a no-op; an
// unreachable connection starts over with a fresh attempt budget.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		if c.state != StateUnreachable {
			c.mu.Unlock()
			return nil
		}
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.failures = 0
	first := make(chan error, 1)
	c.mu.Unlock()

	go c.supervise(runCtx, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the connection and cancels its timers. It is safe to call
// more than once.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.setState(StateDisconnected, 0)
}

// Send writes msg to the socket.
func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if ws == nil || state != StateConnected {
		return apperrors.ErrNotConnected
	}
	return c.write(ws, websocket.TextMessage, msg)
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastMessage returns when the last message or pong was received.
func (c *Conn) LastMessage() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage
}

func (c *Conn) setState(s State, attempt int) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	c.metrics.SetFeedState(c.adapter.Name(), s.gauge())
	if changed {
		logging.LogFeedState(c.logger, c.adapter.Name(), string(s), attempt)
	}
}

func (c *Conn) markAlive() {
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()
}

func (c *Conn) write(ws *websocket.Conn, kind int, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(kind, msg)
}

// supervise dials, serves and reconnects until ctx ends or the connection
// becomes unreachable.
func (c *Conn) supervise(ctx context.Context, first chan<- error) {
	defer close(c.done)

	retries := 0
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}

	c.setState(StateConnecting, 0)
	for {
		connected, err := c.session(ctx, func() { report(nil) })
		if ctx.Err() != nil {
			report(ctx.Err())
			return
		}

		if connected {
			retries = 0
			c.mu.Lock()
			c.failures = 0
			c.mu.Unlock()
			c.logger.Warn().Err(err).Msg("Feed connection lost")
		} else {
			c.mu.Lock()
			c.failures++
			failures := c.failures
			c.mu.Unlock()

			feedErr := apperrors.NewFeedError(c.adapter.Name(), failures, err)
			report(feedErr)
			c.logger.Warn().Err(err).Int("attempt", failures).Msg("Feed connection attempt failed")

			if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
				c.setState(StateUnreachable, failures)
				if c.handlers.OnUnreachable != nil {
					c.handlers.OnUnreachable(apperrors.NewFeedError(c.adapter.Name(), failures, apperrors.ErrUnreachable))
				}
				return
			}
		}

		delay := c.BackoffFor(retries)
		retries++
		c.setState(StateReconnecting, retries)
		c.metrics.Reconnect(c.adapter.Name())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one dial-subscribe-read cycle. connected reports whether the
// dial and subscription succeeded; onConnected fires once they have.
func (c *Conn) session(ctx context.Context, onConnected func()) (connected bool, err error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}

	msgs, err := c.adapter.SubscribeMessages()
	if err != nil {
		ws.Close()
		return false, err
	}
	for _, m := range msgs {
		if err := c.write(ws, websocket.TextMessage, m); err != nil {
			ws.Close()
			return false, err
		}
	}

	ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	c.mu.Lock()
	c.ws = ws
	c.lastMessage = time.Now()
	c.mu.Unlock()
	c.setState(StateConnected, 0)
	onConnected()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(sessionCtx, ws)

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		c.markAlive()

		ticks, err := c.adapter.Parse(msg)
		if err != nil {
			c.metrics.MessageDropped(c.adapter.Name())
			c.logger.Warn().Err(err).Msg("Dropping malformed feed message")
			continue
		}
		for _, t := range ticks {
			c.metrics.TickReceived(c.adapter.Name())
			if c.handlers.OnTick != nil {
				c.handlers.OnTick(t)
			}
		}
	}
}

// heartbeat pings every HeartbeatInterval and forces a reconnect when nothing
// arrives within HeartbeatTimeout of a ping. It also closes the socket when
// ctx ends, which unblocks the reader.
func (c *Conn) heartbeat(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()
	if c.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sentAt := time.Now()
		var err error
		if p := c.adapter.Ping(); p != nil {
			err = c.write(ws, websocket.TextMessage, p)
		} else {
			err = ws.WriteControl(websocket.PingMessage, nil, sentAt.Add(c.cfg.HeartbeatTimeout))
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("Heartbeat write failed")
			return
		}

		wait := time.NewTimer(c.cfg.HeartbeatTimeout)
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-wait.C:
		}
		if !c.LastMessage().After(sentAt) {
			c.logger.Warn().Err(apperrors.ErrHeartbeatTimeout).Msg("Forcing reconnect")
			return
		}
	}
}
