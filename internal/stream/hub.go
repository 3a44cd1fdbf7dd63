// Package stream fans live price and social updates out to dashboard
// connections subscribed to symbol or account:keyword topics.
package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/logging"
	"tickwatch/internal/metrics"
	"tickwatch/internal/security"
)

// Envelope event names.
const (
	EventInit         = "init"
	EventPing         = "ping"
	EventPriceUpdate  = "price_update"
	EventSocialUpdate = "social_update"
	EventTimeout      = "timeout"
	EventError        = "error"
)

// Close causes reported to metrics.
const (
	causeClient   = "client"
	causeIdle     = "idle"
	causeLifetime = "lifetime"
	causeSlow     = "slow_consumer"
	causeShutdown = "shutdown"
)

// Envelope is the unit written to a stream.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub owns every open connection and its topic subscriptions.
// Subscriptions live in memory only; after a restart clients reconnect and resubscribe.
type Hub struct {
	heartbeat  time.Duration
	lifetime   time.Duration
	bufferSize int
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	conns  map[string]*Connection
	topics map[string]map[string]*Connection // topic -> conn id -> conn
	closed bool
}

// NewHub creates a hub from configuration.
func NewHub(cfg config.RealtimeConfig, logger zerolog.Logger, m *metrics.Metrics) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Hub{
		heartbeat:  cfg.HeartbeatInterval,
		lifetime:   cfg.MaxLifetime,
		bufferSize: cfg.BufferSize,
		logger:     logging.WithComponent(logger, "stream"),
		metrics:    m,
		conns:      make(map[string]*Connection),
		topics:     make(map[string]map[string]*Connection),
	}
}

// Connect registers a new connection for userID, queues its init event and
// starts its heartbeat and lifetime timers.
func (h *Hub) Connect(userID string) (*Connection, error) {
	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: time.Now(),
		send:      make(chan Envelope, h.bufferSize),
		done:      make(chan struct{}),
		topics:    make(map[string]bool),
	}
	c.lastActivity = c.CreatedAt

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, apperrors.ErrNotConnected
	}
	h.conns[c.ID] = c
	h.mu.Unlock()

	c.enqueue(Envelope{Event: EventInit, Data: map[string]interface{}{
		"connectionId":      c.ID,
		"userId":            userID,
		"heartbeatInterval": h.heartbeat.Seconds(),
		"maxLifetime":       h.lifetime.Seconds(),
	}})

	h.metrics.StreamOpened()
	h.logger.Debug().Str("conn_id", c.ID).Str("user_id", userID).Msg("Stream connected")

	go h.run(c)
	return c, nil
}

// run owns the connection's timers until it closes.
func (h *Hub) run(c *Connection) {
	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	var lifetime <-chan time.Time
	if h.lifetime > 0 {
		t := time.NewTimer(h.lifetime)
		defer t.Stop()
		lifetime = t.C
	}

	idleAfter := 2 * h.heartbeat
	for {
		select {
		case <-c.done:
			return
		case <-lifetime:
			h.expire(c, causeLifetime, "maximum connection lifetime reached")
			return
		case now := <-hb.C:
			if idle := now.Sub(c.lastActive()); idle >= idleAfter {
				h.expire(c, causeIdle, "no activity for "+idle.Round(time.Second).String())
				return
			}
			if !c.enqueue(Envelope{Event: EventPing, Data: map[string]interface{}{"ts": now.UTC().Unix()}}) {
				h.remove(c, causeSlow)
				return
			}
		}
	}
}

// expire sends a timeout event with reason and closes the connection.
func (h *Hub) expire(c *Connection, cause, reason string) {
	c.enqueue(Envelope{Event: EventTimeout, Data: map[string]string{"reason": reason}})
	h.remove(c, cause)
}

// remove unregisters c and closes its stream. It affects no other connection.
func (h *Hub) remove(c *Connection, cause string) {
	h.mu.Lock()
	_, ok := h.conns[c.ID]
	if ok {
		delete(h.conns, c.ID)
		for topic := range c.subscriptions() {
			h.detachLocked(topic, c.ID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	h.metrics.StreamClosed(cause)
	h.logger.Debug().Str("conn_id", c.ID).Str("cause", cause).Msg("Stream closed")
}

func (h *Hub) detachLocked(topic, connID string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) lookup(connID string) (*Connection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return nil, apperrors.ErrConnectionNotFound
	}
	return c, nil
}

// NormalizeTopic upper-cases symbol topics and lower-cases account:keyword topics.
func NormalizeTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	if account, keyword, ok := strings.Cut(topic, ":"); ok {
		return strings.ToLower(strings.TrimSpace(account)) + ":" + strings.ToLower(strings.TrimSpace(keyword))
	}
	return security.NormalizeSymbol(topic)
}

// Subscribe binds connID to topic. Subscribing counts as activity.
func (h *Hub) Subscribe(connID, topic string) error {
	topic = NormalizeTopic(topic)
	if err := security.ValidateTopic(topic); err != nil {
		return err
	}
	c, err := h.lookup(connID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if _, ok := h.conns[connID]; !ok {
		h.mu.Unlock()
		return apperrors.ErrConnectionNotFound
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Connection)
		h.topics[topic] = subs
	}
	subs[connID] = c
	// Under h.mu so remove always sees the topic it has to detach.
	c.addTopic(topic)
	h.mu.Unlock()

	c.touch()
	return nil
}

// Unsubscribe removes topic from connID. Unsubscribing counts as activity.
func (h *Hub) Unsubscribe(connID, topic string) error {
	topic = NormalizeTopic(topic)
	c, err := h.lookup(connID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.detachLocked(topic, connID)
	c.removeTopic(topic)
	h.mu.Unlock()

	c.touch()
	return nil
}

// Disconnect closes connID at the client's request.
func (h *Hub) Disconnect(connID string) {
	if c, err := h.lookup(connID); err == nil {
		h.remove(c, causeClient)
	}
}

// Broadcast enqueues event to every connection subscribed to topic without
// blocking. A connection that cannot accept it is closed. Returns the number
// of connections that received the event.
func (h *Hub) Broadcast(topic, event string, data interface{}) int {
	topic = NormalizeTopic(topic)

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, Envelope{Event: event, Data: data})
}

// BroadcastSocial delivers event to every connection subscribed to an
// account:keyword topic whose keyword occurs in content. A connection matching
// several keywords receives the event once.
func (h *Hub) BroadcastSocial(account, content, event string, data interface{}) int {
	prefix := strings.ToLower(strings.TrimSpace(account)) + ":"
	lowered := strings.ToLower(content)

	h.mu.RLock()
	seen := make(map[string]bool)
	var targets []*Connection
	for topic, subs := range h.topics {
		keyword, ok := strings.CutPrefix(topic, prefix)
		if !ok || keyword == "" || !strings.Contains(lowered, keyword) {
			continue
		}
		for id, c := range subs {
			if !seen[id] {
				seen[id] = true
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	return h.deliver(targets, Envelope{Event: event, Data: data})
}

func (h *Hub) deliver(targets []*Connection, env Envelope) int {
	delivered := 0
	for _, c := range targets {
		if c.enqueue(env) {
			c.touch()
			delivered++
			continue
		}
		h.logger.Warn().Str("conn_id", c.ID).Str("event", env.Event).Msg("Stream buffer full, closing connection")
		h.remove(c, causeSlow)
	}
	return delivered
}

// Close closes every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.remove(c, causeShutdown)
	}
}

// Stats summarises the hub.
type Stats struct {
	Connections int `json:"connections"`
	Topics      int `json:"topics"`
}

// Stats returns the current connection and topic counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.conns), Topics: len(h.topics)}
}

// Connection is one open stream.
type Connection struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	send chan Envelope
	done chan struct{}

	mu           sync.Mutex
	closed       bool
	topics       map[string]bool
	lastActivity time.Time
}

// Events yields queued envelopes; it is closed when the connection ends.
func (c *Connection) Events() <-chan Envelope {
	return c.send
}

// Done is closed when the connection ends.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Topics returns the connection's subscriptions.
func (c *Connection) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *Connection) enqueue(env Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	close(c.send)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) addTopic(topic string) {
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
}

func (c *Connection) removeTopic(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *Connection) subscriptions() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.topics))
	for t := range c.topics {
		out[t] = true
	}
	return out
}
