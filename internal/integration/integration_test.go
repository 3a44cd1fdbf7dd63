// Package integration runs the monitor end to end against fake exchange and
// provider servers.
package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	"tickwatch/internal/models"
	"tickwatch/internal/monitor"
	"tickwatch/internal/notify"
	"tickwatch/internal/server"
	"tickwatch/internal/store"
)

const (
	accountSID  = "AC00000000000000000000000000000000"
	authToken   = "integration-token"
	callbackURL = "https://hooks.example.com/webhooks/voice/status"
	identity    = "+15550000001"
)

// exchange is a Binance-compatible ticker stream that pushes one tick per
// subscription.
type exchange struct {
	srv   *httptest.Server
	price string

	mu         sync.Mutex
	subscribed []string
}

func newExchange(t *testing.T, price string) *exchange {
	t.Helper()
	ex := &exchange{price: price}
	upgrader := websocket.Upgrader{}
	ex.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ex.mu.Lock()
		ex.subscribed = append(ex.subscribed, string(msg))
		ex.mu.Unlock()

		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		tick := fmt.Sprintf(`{"e":"24hrTicker","E":%d,"s":"BTCUSDT","c":"%s","o":"1","h":"1","l":"1","v":"1","q":"1"}`,
			time.Now().UnixMilli(), ex.price)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(tick))

		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ex.srv.Close)
	return ex
}

func (ex *exchange) url() string {
	return "ws" + strings.TrimPrefix(ex.srv.URL, "http")
}

// provider is a Twilio-compatible REST endpoint that accepts every call.
type provider struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []url.Values
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	p := &provider{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != accountSID || pass != authToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":20003,"message":"Authenticate"}`))
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.calls = append(p.calls, r.PostForm)
		n := len(p.calls)
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"sid":"CA%032d"}`, n)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *provider) placed() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.calls...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestTickToCallToOutcome drives a tick from the exchange stream through
// evaluation and a real provider client, then reports the call outcome back
// through the signed status webhook.
func TestTickToCallToOutcome(t *testing.T) {
	ex := newExchange(t, "50001.00")
	prov := newProvider(t)

	cfg := config.Default()
	cfg.Server.Mode = "test"
	cfg.Store.Path = filepath.Join(t.TempDir(), "tickwatch.db")
	cfg.Feeds.Binance = config.FeedConfig{Enabled: true, URL: ex.url(), Symbols: []string{"BTCUSDT"}}
	cfg.Provider.BaseURL = prov.srv.URL
	cfg.Provider.StatusCallbackURL = callbackURL
	cfg.Credentials.Provider = config.ProviderCredentials{AccountSID: accountSID, AuthToken: authToken}
	cfg.Sender.Identities = []string{identity}
	cfg.Dispatcher.InitialBackoff = time.Millisecond

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.SavePriceAlert(ctx, &models.PriceAlert{
		ID: "alert-btc", UserID: "alice", Symbol: "BTC",
		Condition: models.ConditionAbove, TargetPrice: 50000,
		Active: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SavePriceAlert: %v", err)
	}
	if err := st.SaveRecipient(ctx, &models.Recipient{
		UserID: "alice", Phone: "+15551234567",
		PreferredChannel: models.ChannelCall, FallbackEnabled: true,
	}); err != nil {
		t.Fatalf("SaveRecipient: %v", err)
	}

	svc, err := monitor.New(cfg, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(context.Background())

	// Tick reaches the engine and the call is placed.
	eventually(t, "provider call", func() bool { return len(prov.placed()) == 1 })
	call := prov.placed()[0]
	if call.Get("To") != "+15551234567" || call.Get("From") != identity {
		t.Errorf("call To/From = %s/%s", call.Get("To"), call.Get("From"))
	}
	if !strings.Contains(call.Get("Twiml"), "BTC") {
		t.Errorf("call script does not mention the symbol: %s", call.Get("Twiml"))
	}

	ex.mu.Lock()
	sub := strings.Join(ex.subscribed, "")
	ex.mu.Unlock()
	if !strings.Contains(sub, "btcusdt@ticker") {
		t.Errorf("exchange subscription = %s", sub)
	}

	var logs []models.DeliveryLog
	eventually(t, "delivery log", func() bool {
		logs, _ = st.GetDeliveryLogs(ctx, store.DeliveryFilter{UserID: "alice"})
		return len(logs) == 1
	})
	if logs[0].Status != models.DeliverySent || logs[0].ProviderMessageID == "" {
		t.Errorf("unexpected delivery log %+v", logs[0])
	}

	today := time.Now().UTC().Format("2006-01-02")
	usage, err := st.ListUsage(ctx, "alice", today)
	if err != nil || len(usage) != 1 || usage[0].CallCount != 1 {
		t.Fatalf("usage after call = %+v, %v", usage, err)
	}

	// The provider reports that a machine answered.
	cb, err := url.Parse(call.Get("StatusCallback"))
	if err != nil {
		t.Fatalf("status callback %q: %v", call.Get("StatusCallback"), err)
	}
	form := url.Values{
		"CallSid":      {"CA1"},
		"From":         {identity},
		"CallStatus":   {"completed"},
		"CallDuration": {"25"},
		"AnsweredBy":   {"machine_start"},
	}
	req := httptest.NewRequest(http.MethodPost, cb.RequestURI(), strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(server.SignatureHeader, notify.ComputeSignature(authToken, cb.String(), form))
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("webhook status = %d: %s", rec.Code, rec.Body.String())
	}

	usage, err = st.ListUsage(ctx, "alice", today)
	if err != nil || len(usage) != 1 || usage[0].RiskScore == 0 {
		t.Errorf("usage after machine answer = %+v, %v", usage, err)
	}
	stats, err := st.GetSenderStats(ctx)
	if err != nil {
		t.Fatalf("GetSenderStats: %v", err)
	}
	var found bool
	for _, s := range stats {
		if s.Identity == identity {
			found = true
			if s.Completed != 1 || s.Machine != 1 {
				t.Errorf("sender stats = %+v", s)
			}
		}
	}
	if !found {
		t.Errorf("no stats for %s in %+v", identity, stats)
	}

	// The one-shot alert is spent.
	active, err := st.GetActivePriceAlerts(ctx)
	if err != nil || len(active) != 0 {
		t.Errorf("active alerts after trigger = %+v, %v", active, err)
	}
}
