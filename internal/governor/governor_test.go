package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	"tickwatch/internal/models"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memLedger struct {
	mu      sync.Mutex
	rows    map[string]models.UsageEntry
	upserts int
	readErr error
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]models.UsageEntry)}
}

func (l *memLedger) GetUsage(ctx context.Context, userID, identity, date string) (*models.UsageEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	row, ok := l.rows[userID+"|"+identity+"|"+date]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (l *memLedger) UpsertUsage(ctx context.Context, e *models.UsageEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[e.UserID+"|"+e.Identity+"|"+e.Date] = *e
	l.upserts++
	return nil
}

func testConfig() config.GovernorConfig {
	return config.Default().Governor
}

func newTestGovernor(cfg config.GovernorConfig, ledger Ledger) (*Governor, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, ledger, zerolog.Nop(), WithClock(c.Now)), c
}

func callReq() Request {
	return Request{UserID: "u1", Identity: "+15550000001", Channel: models.ChannelCall}
}

func TestGovernor_DailyCallCap(t *testing.T) {
	g, c := newTestGovernor(testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		g.Record(ctx, "u1", "+15550000001", models.ChannelCall)
		c.Advance(2 * time.Minute)
	}

	d := g.Check(ctx, callReq())
	if d.Allowed {
		t.Fatal("31st call allowed past the daily cap")
	}
	if d.RemainingToday != 0 || d.Reason != ReasonDailyCap {
		t.Fatalf("decision = %+v, want remainingToday=0 reason=daily_cap", d)
	}

	// SMS quota is independent.
	sms := callReq()
	sms.Channel = models.ChannelSMS
	if d := g.Check(ctx, sms); !d.Allowed || d.RemainingToday != 50 {
		t.Fatalf("sms decision = %+v", d)
	}

	// Emergency bypasses the cap.
	emergency := callReq()
	emergency.Emergency = true
	if d := g.Check(ctx, emergency); !d.Allowed {
		t.Fatalf("emergency call rejected: %+v", d)
	}
}

func TestGovernor_CooldownAndRateWindow(t *testing.T) {
	cfg := testConfig()
	cfg.SMS.Cooldown = 0
	g, c := newTestGovernor(cfg, nil)
	ctx := context.Background()

	g.Record(ctx, "u1", "+15550000001", models.ChannelCall)
	d := g.Check(ctx, callReq())
	if d.Allowed || d.Reason != ReasonCooldown || d.CooldownRemaining != 60*time.Second {
		t.Fatalf("decision = %+v, want 60s cooldown", d)
	}

	c.Advance(61 * time.Second)
	if d := g.Check(ctx, callReq()); !d.Allowed {
		t.Fatalf("call rejected after cooldown: %+v", d)
	}

	sms := callReq()
	sms.Channel = models.ChannelSMS
	for i := 0; i < 5; i++ {
		g.Record(ctx, "u1", "+15550000001", models.ChannelSMS)
	}
	d = g.Check(ctx, sms)
	if d.Allowed || !d.RateLimited || d.Reason != ReasonRateLimited {
		t.Fatalf("decision = %+v, want rate limited", d)
	}

	c.Advance(61 * time.Second)
	if d := g.Check(ctx, sms); !d.Allowed {
		t.Fatalf("sms rejected after the window slid: %+v", d)
	}
	if got := len(g.Usage(ctx, "u1", "+15550000001").RecentSMS); got != 0 {
		t.Errorf("window not pruned: %d timestamps", got)
	}
}

func TestGovernor_RiskBlockOverridesQuota(t *testing.T) {
	g, c := newTestGovernor(testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		g.RecordOutcome(ctx, "u1", "+15550000001", Outcome{Status: models.OutcomeCompleted, DurationSeconds: 20, MachineDetected: true})
	}

	d := g.Check(ctx, callReq())
	if d.Allowed || !d.Blocked {
		t.Fatalf("decision = %+v, want blocked", d)
	}
	if d.BlockRemaining <= 0 || d.RemainingToday <= 0 || d.BlockReason == "" {
		t.Fatalf("decision = %+v, want blockRemaining>0 with quota left", d)
	}
	if d.RiskScore != 60 {
		t.Errorf("risk = %d, want 60", d.RiskScore)
	}

	emergency := callReq()
	emergency.Emergency = true
	if d := g.Check(ctx, emergency); !d.Allowed {
		t.Errorf("emergency send blocked: %+v", d)
	}

	c.Advance(time.Hour + time.Second)
	d = g.Check(ctx, callReq())
	if !d.Allowed || d.RiskScore != 0 {
		t.Fatalf("decision after expiry = %+v, want allowed with risk reset", d)
	}
}

func TestGovernor_FailureStreakAndDecay(t *testing.T) {
	g, _ := newTestGovernor(testConfig(), nil)
	ctx := context.Background()
	failed := Outcome{Status: models.OutcomeFailed}

	g.RecordOutcome(ctx, "u1", "id", failed)
	g.RecordOutcome(ctx, "u1", "id", failed)
	if got := g.Usage(ctx, "u1", "id").RiskScore; got != 0 {
		t.Fatalf("risk before streak = %d, want 0", got)
	}
	g.RecordOutcome(ctx, "u1", "id", failed)
	if got := g.Usage(ctx, "u1", "id").RiskScore; got != 20 {
		t.Fatalf("risk after 3 failures = %d, want 20", got)
	}

	g.RecordOutcome(ctx, "u1", "id", Outcome{Status: models.OutcomeCompleted, DurationSeconds: 3})
	if got := g.Usage(ctx, "u1", "id").RiskScore; got != 30 {
		t.Fatalf("risk after short call = %d, want 30", got)
	}

	g.RecordOutcome(ctx, "u1", "id", Outcome{Status: models.OutcomeCompleted, DurationSeconds: 30})
	usage := g.Usage(ctx, "u1", "id")
	if usage.RiskScore != 25 || usage.ConsecutiveFailures != 0 {
		t.Fatalf("after clean call: risk=%d failures=%d, want 25/0", usage.RiskScore, usage.ConsecutiveFailures)
	}
}

func TestGovernor_BypassUserIgnoresBlock(t *testing.T) {
	cfg := testConfig()
	cfg.BypassUsers = []string{"ops"}
	g, _ := newTestGovernor(cfg, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		g.RecordOutcome(ctx, "ops", "id", Outcome{Status: models.OutcomeCompleted, MachineDetected: true})
	}
	d := g.Check(ctx, Request{UserID: "ops", Identity: "id", Channel: models.ChannelCall})
	if !d.Allowed || d.BlockRemaining <= 0 {
		t.Fatalf("bypass user decision = %+v", d)
	}
}

func TestGovernor_ReservationsCountBeforeCommit(t *testing.T) {
	cfg := testConfig()
	cfg.Call.Cooldown = 0
	cfg.Call.DailyCap = 2
	g, _ := newTestGovernor(cfg, nil)
	ctx := context.Background()

	p1, d := g.Acquire(ctx, callReq())
	if p1 == nil || !d.Allowed {
		t.Fatalf("first acquire rejected: %+v", d)
	}
	p2, _ := g.Acquire(ctx, callReq())
	if p2 == nil {
		t.Fatal("second acquire rejected")
	}
	if p3, d := g.Acquire(ctx, callReq()); p3 != nil || d.Reason != ReasonDailyCap {
		t.Fatalf("third acquire past cap with two in flight: %+v", d)
	}

	p1.Commit(ctx)
	p2.Release()
	p2.Release()

	usage := g.Usage(ctx, "u1", "+15550000001")
	if usage.CallCount != 1 {
		t.Fatalf("call count = %d, want 1", usage.CallCount)
	}
	if _, d := g.Acquire(ctx, callReq()); !d.Allowed || d.RemainingToday != 1 {
		t.Fatalf("acquire after release = %+v", d)
	}
}

func TestGovernor_ConcurrentAcquireNeverExceedsCap(t *testing.T) {
	cfg := testConfig()
	cfg.Call.Cooldown = 0
	cfg.Call.PerMinute = 0
	cfg.Call.DailyCap = 5
	g, _ := newTestGovernor(cfg, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, _ := g.Acquire(ctx, callReq()); p != nil {
				mu.Lock()
				granted++
				mu.Unlock()
				p.Commit(ctx)
			}
		}()
	}
	wg.Wait()

	if granted != 5 {
		t.Fatalf("granted %d sends, want exactly the cap of 5", granted)
	}
}

func TestGovernor_WriteThroughLedger(t *testing.T) {
	ledger := newMemLedger()
	g, _ := newTestGovernor(testConfig(), ledger)
	ctx := context.Background()

	g.Record(ctx, "u1", "id", models.ChannelSMS)

	row, _ := ledger.GetUsage(ctx, "u1", "id", "2026-03-01")
	if row == nil || row.SMSCount != 1 {
		t.Fatalf("ledger row = %+v, want smsCount=1", row)
	}

	// A fresh governor over the same ledger sees the persisted count.
	g2, _ := newTestGovernor(testConfig(), ledger)
	if got := g2.Usage(ctx, "u1", "id").SMSCount; got != 1 {
		t.Fatalf("reloaded sms count = %d, want 1", got)
	}
}

func TestGovernor_CountersResetNextDayButBlockCarries(t *testing.T) {
	cfg := testConfig()
	cfg.BlockDuration = 24 * time.Hour
	g, c := newTestGovernor(cfg, nil)
	ctx := context.Background()

	g.Record(ctx, "u1", "id", models.ChannelCall)
	for i := 0; i < 4; i++ {
		g.RecordOutcome(ctx, "u1", "id", Outcome{Status: models.OutcomeCompleted, MachineDetected: true})
	}

	c.Advance(12 * time.Hour) // midnight UTC, block runs until noon

	usage := g.Usage(ctx, "u1", "id")
	if usage.Date != "2026-03-02" || usage.CallCount != 0 {
		t.Fatalf("usage = %+v, want fresh counters on 2026-03-02", usage)
	}
	if usage.RiskScore != 60 || usage.BlockedUntil == nil {
		t.Fatalf("risk state did not carry over: %+v", usage)
	}
	if d := g.Check(ctx, Request{UserID: "u1", Identity: "id", Channel: models.ChannelCall}); !d.Blocked {
		t.Fatalf("decision = %+v, want still blocked", d)
	}
}

func (l *memLedger) setReadErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr = err
}

func (l *memLedger) row(key string) (models.UsageEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[key]
	return row, ok
}

func TestGovernor_LedgerReadErrorFailsClosed(t *testing.T) {
	ledger := newMemLedger()
	g, c := newTestGovernor(testConfig(), ledger)
	ctx := context.Background()
	req := callReq()
	key := req.UserID + "|" + req.Identity + "|" + c.Now().Format(ledgerDateLayout)
	ledger.rows[key] = models.UsageEntry{UserID: req.UserID, Identity: req.Identity, Date: c.Now().Format(ledgerDateLayout), CallCount: 30}

	ledger.setReadErr(errors.New("disk I/O error"))
	if d := g.Check(ctx, req); d.Allowed || d.Reason != ReasonUnavailable {
		t.Fatalf("Check with unreadable ledger = %+v, want rejection", d)
	}
	permit, d := g.Acquire(ctx, req)
	if permit != nil || d.Allowed || d.Reason != ReasonUnavailable {
		t.Fatalf("Acquire with unreadable ledger = %+v", d)
	}
	if row, _ := ledger.row(key); row.CallCount != 30 {
		t.Errorf("stored CallCount = %d, want 30 untouched", row.CallCount)
	}

	ledger.setReadErr(nil)
	if d := g.Check(ctx, req); d.Allowed || d.Reason != ReasonDailyCap {
		t.Errorf("Check after recovery = %+v, want daily cap", d)
	}
}

func TestGovernor_SendRecordedDuringOutageSettlesLater(t *testing.T) {
	ledger := newMemLedger()
	g, c := newTestGovernor(testConfig(), ledger)
	ctx := context.Background()
	req := callReq()

	permit, d := g.Acquire(ctx, req)
	if !d.Allowed {
		t.Fatalf("first Acquire rejected: %+v", d)
	}
	// Evict the cached entry so Commit has to go back to the ledger.
	g.mu.Lock()
	g.entries = make(map[ledgerKey]*models.UsageEntry)
	g.mu.Unlock()

	ledger.setReadErr(errors.New("database is locked"))
	permit.Commit(ctx)

	ledger.setReadErr(nil)
	c.Advance(time.Hour)
	u := g.Usage(ctx, req.UserID, req.Identity)
	if u.CallCount != 1 {
		t.Fatalf("CallCount after settling = %d, want 1", u.CallCount)
	}
	key := req.UserID + "|" + req.Identity + "|" + c.Now().Format(ledgerDateLayout)
	if row, ok := ledger.row(key); !ok || row.CallCount != 1 {
		t.Errorf("ledger row = %+v, %v", row, ok)
	}
	g.mu.Lock()
	pending := len(g.inflight)
	g.mu.Unlock()
	if pending != 0 {
		t.Errorf("%d reservations left in flight", pending)
	}
}
