package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	apperrors "tickwatch/internal/errors"
)

func newTestHub(heartbeat, lifetime time.Duration, buffer int) *Hub {
	return NewHub(config.RealtimeConfig{
		HeartbeatInterval: heartbeat,
		MaxLifetime:       lifetime,
		BufferSize:        buffer,
	}, zerolog.Nop(), nil)
}

// next waits for the next non-ping envelope, or reports a closed stream.
func next(t *testing.T, c *Connection, within time.Duration) (Envelope, bool) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case env, ok := <-c.Events():
			if !ok {
				return Envelope{}, false
			}
			if env.Event == EventPing {
				continue
			}
			return env, true
		case <-deadline:
			t.Fatalf("no event within %v", within)
		}
	}
}

func TestConnectEmitsInit(t *testing.T) {
	hub := newTestHub(time.Hour, 0, 8)
	defer hub.Close()

	c, err := hub.Connect("u1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	env, ok := next(t, c, time.Second)
	if !ok || env.Event != EventInit {
		t.Fatalf("first event = %+v", env)
	}
	data := env.Data.(map[string]interface{})
	if data["connectionId"] != c.ID || c.ID == "" {
		t.Errorf("init data = %v", data)
	}
	if len(c.Topics()) != 0 {
		t.Error("new connection should have no subscriptions")
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	hub := newTestHub(time.Hour, 0, 8)
	defer hub.Close()

	a, _ := hub.Connect("u1")
	b, _ := hub.Connect("u2")
	next(t, a, time.Second)
	next(t, b, time.Second)

	if err := hub.Subscribe(a.ID, "btc"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := hub.Broadcast("BTC", EventPriceUpdate, map[string]float64{"price": 50500}); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	env, _ := next(t, a, time.Second)
	if env.Event != EventPriceUpdate {
		t.Errorf("event = %s", env.Event)
	}
	select {
	case env := <-b.Events():
		t.Errorf("unsubscribed connection received %+v", env)
	default:
	}

	if err := hub.Unsubscribe(a.ID, "BTC"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if n := hub.Broadcast("BTC", EventPriceUpdate, nil); n != 0 {
		t.Errorf("delivered after unsubscribe = %d", n)
	}
}

func TestSubscribeErrors(t *testing.T) {
	hub := newTestHub(time.Hour, 0, 8)
	defer hub.Close()

	if err := hub.Subscribe("missing", "BTC"); !errors.Is(err, apperrors.ErrConnectionNotFound) {
		t.Errorf("unknown connection err = %v", err)
	}
	c, _ := hub.Connect("u1")
	if err := hub.Subscribe(c.ID, "bad topic!"); !errors.Is(err, apperrors.ErrInvalidEvent) {
		t.Errorf("invalid topic err = %v", err)
	}
}

func TestBroadcastSocialMatchesKeywords(t *testing.T) {
	hub := newTestHub(time.Hour, 0, 8)
	defer hub.Close()

	a, _ := hub.Connect("u1")
	b, _ := hub.Connect("u2")
	next(t, a, time.Second)
	next(t, b, time.Second)

	_ = hub.Subscribe(a.ID, "elonmusk:doge")
	_ = hub.Subscribe(a.ID, "elonmusk:moon")
	_ = hub.Subscribe(b.ID, "elonmusk:tesla")

	n := hub.BroadcastSocial("ElonMusk", "DOGE to the Moon", EventSocialUpdate, "post")
	if n != 1 {
		t.Errorf("delivered = %d, want 1 (one event per connection)", n)
	}
	next(t, a, time.Second)
	select {
	case env := <-a.Events():
		t.Errorf("duplicate delivery %+v", env)
	default:
	}
}

func TestIdleConnectionTimesOut(t *testing.T) {
	hub := newTestHub(20*time.Millisecond, 0, 64)
	defer hub.Close()

	c, _ := hub.Connect("u1")
	next(t, c, time.Second) // init

	env, ok := next(t, c, 2*time.Second)
	if !ok || env.Event != EventTimeout {
		t.Fatalf("expected timeout, got %+v ok=%v", env, ok)
	}
	if reason := env.Data.(map[string]string)["reason"]; reason == "" {
		t.Error("timeout reason must be non-empty")
	}
	if _, ok := next(t, c, time.Second); ok {
		t.Error("stream should close after timeout")
	}
	if hub.Stats().Connections != 0 {
		t.Error("timed-out connection still registered")
	}
}

func TestLifetimeExpiry(t *testing.T) {
	hub := newTestHub(time.Hour, 30*time.Millisecond, 8)
	defer hub.Close()

	c, _ := hub.Connect("u1")
	next(t, c, time.Second)
	env, ok := next(t, c, 2*time.Second)
	if !ok || env.Event != EventTimeout {
		t.Fatalf("expected timeout, got %+v", env)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Error("connection not closed after lifetime")
	}
}

func TestDisconnectCleansSubscriptions(t *testing.T) {
	hub := newTestHub(time.Hour, 0, 8)
	defer hub.Close()

	c, _ := hub.Connect("u1")
	_ = hub.Subscribe(c.ID, "ETH")
	hub.Disconnect(c.ID)

	if s := hub.Stats(); s.Connections != 0 || s.Topics != 0 {
		t.Errorf("stats after disconnect = %+v", s)
	}
	if n := hub.Broadcast("ETH", EventPriceUpdate, nil); n != 0 {
		t.Errorf("delivered to closed connection: %d", n)
	}
}

func TestSubscribeRacingDisconnectLeavesNoTopics(t *testing.T) {
	hub := newTestHub(time.Hour, 0, 8)
	defer hub.Close()

	for i := 0; i < 200; i++ {
		c, err := hub.Connect("u1")
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = hub.Subscribe(c.ID, "BTC")
		}()
		go func() {
			defer wg.Done()
			hub.Disconnect(c.ID)
		}()
		wg.Wait()
	}

	if s := hub.Stats(); s.Connections != 0 || s.Topics != 0 {
		t.Errorf("stats after racing subscribe and disconnect = %+v", s)
	}
}

// Feature: tickwatch, Property 8: Fan-out isolation
// Property: when one subscriber stops draining, broadcasts never block and
// only that subscriber is closed; every other subscriber receives every event.
func TestFanOutIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(time.Now().UnixNano())
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("a stalled subscriber only affects itself", prop.ForAll(
		func(healthy, events int) bool {
			buffer := 4
			hub := newTestHub(time.Hour, 0, events+2)
			defer hub.Close()

			conns := make([]*Connection, healthy)
			for i := range conns {
				conns[i], _ = hub.Connect(fmt.Sprintf("u%d", i))
				_ = hub.Subscribe(conns[i].ID, "BTC")
			}

			// The slow connection has a small buffer that nobody drains.
			hub.bufferSize = buffer
			slow, _ := hub.Connect("slow")
			_ = hub.Subscribe(slow.ID, "BTC")

			done := make(chan struct{})
			go func() {
				for i := 0; i < events; i++ {
					hub.Broadcast("BTC", EventPriceUpdate, i)
				}
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				return false
			}

			select {
			case <-slow.Done():
			default:
				return false
			}

			for _, c := range conns {
				got := 0
				for len(c.Events()) > 0 {
					env := <-c.Events()
					if env.Event == EventPriceUpdate {
						got++
					}
				}
				if got != events {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.IntRange(5, 40),
	))

	properties.TestingRun(t)
}
