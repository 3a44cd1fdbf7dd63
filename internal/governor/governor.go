// Package governor gates outbound notifications against daily caps,
// per-minute rate limits, cooldowns and risk-driven blocking.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tickwatch/internal/config"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/logging"
	"tickwatch/internal/metrics"
	"tickwatch/internal/models"
	"tickwatch/internal/security"
)

// Rejection reasons reported in Decision.Reason.
const (
	ReasonBlocked     = "blocked"
	ReasonDailyCap    = "daily_cap"
	ReasonCooldown    = "cooldown"
	ReasonRateLimited = "rate_limited"
	ReasonUnavailable = "ledger_unavailable"
)

// Risk signal weights.
const (
	failureStreak     = 3
	riskPerFailure    = 20
	riskPerMachine    = 15
	riskPerShortCall  = 10
	riskDecayPerClean = 5
	shortCallSeconds  = 5.0
	rateWindow        = time.Minute
	maxCachedEntries  = 10000
	ledgerDateLayout  = "2006-01-02"
)

// Ledger persists usage entries keyed by (user, identity, date).
type Ledger interface {
	GetUsage(ctx context.Context, userID, identity, date string) (*models.UsageEntry, error)
	UpsertUsage(ctx context.Context, entry *models.UsageEntry) error
}

// Request identifies a prospective send.
type Request struct {
	UserID    string
	Identity  string
	Channel   models.Channel
	Emergency bool
}

// Decision is the structured outcome of a governance check. It is never an error.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	Reason            string        `json:"reason,omitempty"`
	RemainingToday    int           `json:"remainingToday"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
	RateLimited       bool          `json:"rateLimited"`
	Blocked           bool          `json:"blocked"`
	BlockRemaining    time.Duration `json:"blockRemaining"`
	RiskScore         int           `json:"riskScore"`
	BlockReason       string        `json:"blockReason,omitempty"`
}

// Outcome is the provider-reported result of a placed call or message.
type Outcome struct {
	Status          models.CallOutcome
	DurationSeconds float64
	MachineDetected bool
}

// Limits holds the governance limits of one channel class.
type Limits struct {
	DailyCap  int
	Cooldown  time.Duration
	PerMinute int
}

type ledgerKey struct {
	user     string
	identity string
	date     string
}

// reservation is an in-flight send that counts against limits until committed or released.
// A committed reservation is a confirmed send still waiting to reach the ledger.
type reservation struct {
	channel   models.Channel
	at        time.Time
	committed bool
}

// Governor owns the usage ledger for every (user, identity) pair.
type Governor struct {
	call          Limits
	sms           Limits
	riskThreshold int
	blockDuration time.Duration
	bypass        map[string]bool

	ledger  Ledger
	audit   *security.AuditLogger
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	entries  map[ledgerKey]*models.UsageEntry
	inflight map[ledgerKey][]*reservation
	now      func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the governor clock.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithAudit records block transitions to the audit trail.
func WithAudit(al *security.AuditLogger) Option {
	return func(g *Governor) { g.audit = al }
}

// WithMetrics reports rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// New creates a governor from configuration. ledger may be nil for an in-memory ledger.
func New(cfg config.GovernorConfig, ledger Ledger, logger zerolog.Logger, opts ...Option) *Governor {
	g := &Governor{
		call:          Limits{DailyCap: cfg.Call.DailyCap, Cooldown: cfg.Call.Cooldown, PerMinute: cfg.Call.PerMinute},
		sms:           Limits{DailyCap: cfg.SMS.DailyCap, Cooldown: cfg.SMS.Cooldown, PerMinute: cfg.SMS.PerMinute},
		riskThreshold: cfg.RiskThreshold,
		blockDuration: cfg.BlockDuration,
		bypass:        make(map[string]bool, len(cfg.BypassUsers)),
		ledger:        ledger,
		logger:        logging.WithComponent(logger, "governor"),
		entries:       make(map[ledgerKey]*models.UsageEntry),
		inflight:      make(map[ledgerKey][]*reservation),
		now:           time.Now,
	}
	for _, u := range cfg.BypassUsers {
		g.bypass[u] = true
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// limitsFor maps a channel to its limit class. Telegram shares SMS quotas.
func (g *Governor) limitsFor(ch models.Channel) Limits {
	if ch == models.ChannelCall {
		return g.call
	}
	return g.sms
}

func isCall(ch models.Channel) bool {
	return ch == models.ChannelCall
}

// Check evaluates req without reserving capacity.
func (g *Governor) Check(ctx context.Context, req Request) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := g.keyFor(req.UserID, req.Identity)
	entry, err := g.loadLocked(ctx, key)
	if err != nil {
		return unavailable()
	}
	return g.decideLocked(ctx, key, entry, req)
}

// unavailable is the fail-closed decision used when the ledger cannot be read.
func unavailable() Decision {
	return Decision{Reason: ReasonUnavailable}
}

// Acquire evaluates req and, when allowed, reserves capacity under the same lock.
// The caller must Commit the permit after a confirmed send or Release it otherwise.
func (g *Governor) Acquire(ctx context.Context, req Request) (*Permit, Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := g.keyFor(req.UserID, req.Identity)
	var d Decision
	if entry, err := g.loadLocked(ctx, key); err != nil {
		d = unavailable()
	} else {
		d = g.decideLocked(ctx, key, entry, req)
	}
	if !d.Allowed {
		logging.LogGovernor(g.logger, req.UserID, security.MaskPhone(req.Identity), string(req.Channel), d.Reason)
		g.metrics.Rejected(string(req.Channel), d.Reason)
		return nil, d
	}

	r := &reservation{channel: req.Channel, at: g.now()}
	g.inflight[key] = append(g.inflight[key], r)
	return &Permit{g: g, key: key, res: r}, d
}

// Record counts a confirmed send for (user, identity) on channel.
func (g *Governor) Record(ctx context.Context, userID, identity string, channel models.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := g.keyFor(userID, identity)
	g.recordLocked(ctx, key, &reservation{channel: channel, at: g.now()})
}

// RecordOutcome feeds a delivery outcome into the risk score and blocks the
// pair once the score reaches the threshold.
func (g *Governor) RecordOutcome(ctx context.Context, userID, identity string, outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := g.keyFor(userID, identity)
	entry, err := g.loadLocked(ctx, key)
	if err != nil {
		g.logger.Warn().Str("user_id", userID).Str("status", string(outcome.Status)).Msg("Dropping outcome, usage ledger unavailable")
		return
	}

	var signal string
	switch {
	case outcome.Status.IsFailure():
		entry.ConsecutiveFailures++
		if entry.ConsecutiveFailures >= failureStreak {
			entry.RiskScore += riskPerFailure
			signal = fmt.Sprintf("%d consecutive failed deliveries", entry.ConsecutiveFailures)
		}
	case outcome.MachineDetected:
		entry.ConsecutiveFailures = 0
		entry.RiskScore += riskPerMachine
		signal = "answering machine detected"
	case outcome.Status == models.OutcomeCompleted && outcome.DurationSeconds < shortCallSeconds:
		entry.ConsecutiveFailures = 0
		entry.RiskScore += riskPerShortCall
		signal = fmt.Sprintf("call completed in %.1fs", outcome.DurationSeconds)
	default:
		entry.ConsecutiveFailures = 0
		entry.RiskScore -= riskDecayPerClean
		if entry.RiskScore < 0 {
			entry.RiskScore = 0
		}
	}

	now := g.now()
	if signal != "" && entry.RiskScore >= g.riskThreshold && !isBlocked(entry, now) {
		until := now.Add(g.blockDuration)
		entry.BlockedUntil = &until
		entry.BlockReason = fmt.Sprintf("risk score %d reached %d (%s)", entry.RiskScore, g.riskThreshold, signal)

		g.logger.Warn().
			Str("user_id", userID).
			Str("identity", security.MaskPhone(identity)).
			Int("risk_score", entry.RiskScore).
			Time("blocked_until", until).
			Str("reason", entry.BlockReason).
			Msg("Sender pair blocked")
		if err := g.audit.LogBlock(ctx, userID, identity, entry.BlockReason, entry.RiskScore, until); err != nil {
			g.logger.Error().Err(err).Msg("Failed to write audit event")
		}
	}

	g.persistLocked(ctx, entry)
}

// Usage returns a copy of today's ledger entry for (user, identity).
func (g *Governor) Usage(ctx context.Context, userID, identity string) models.UsageEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := g.keyFor(userID, identity)
	entry, err := g.loadLocked(ctx, key)
	if err != nil {
		return models.UsageEntry{UserID: userID, Identity: identity, Date: key.date}
	}
	cp := *entry
	cp.RecentCalls = append([]time.Time(nil), entry.RecentCalls...)
	cp.RecentSMS = append([]time.Time(nil), entry.RecentSMS...)
	return cp
}

func (g *Governor) keyFor(userID, identity string) ledgerKey {
	return ledgerKey{user: userID, identity: identity, date: g.now().UTC().Format(ledgerDateLayout)}
}

// loadLocked returns the in-memory entry for key, creating it from the
// ledger or from scratch on first use of the day. A ledger read error is
// returned and nothing is cached.
func (g *Governor) loadLocked(ctx context.Context, key ledgerKey) (*models.UsageEntry, error) {
	if entry, ok := g.entries[key]; ok {
		return entry, nil
	}

	if len(g.entries) >= maxCachedEntries {
		for k := range g.entries {
			if k.date != key.date {
				delete(g.entries, k)
			}
		}
	}

	entry, err := g.readLedger(ctx, key)
	if err != nil {
		g.logger.Error().Err(err).Str("user_id", key.user).Msg("Failed to load usage entry")
		return nil, err
	}
	if entry == nil {
		entry = &models.UsageEntry{UserID: key.user, Identity: key.identity, Date: key.date}
		// Risk and blocks outlive the day boundary.
		if err := g.carryOverLocked(ctx, key, entry); err != nil {
			g.logger.Error().Err(err).Str("user_id", key.user).Msg("Failed to load previous usage entry")
			return nil, err
		}
	}
	g.entries[key] = entry
	g.settleLocked(ctx, key, entry)
	return entry, nil
}

// readLedger returns the stored entry for key, or nil when there is none.
func (g *Governor) readLedger(ctx context.Context, key ledgerKey) (*models.UsageEntry, error) {
	if g.ledger == nil {
		return nil, nil
	}
	stored, err := g.ledger.GetUsage(ctx, key.user, key.identity, key.date)
	if errors.Is(err, apperrors.ErrDataNotFound) {
		return nil, nil
	}
	return stored, err
}

// carryOverLocked copies risk state from yesterday's entry.
func (g *Governor) carryOverLocked(ctx context.Context, key ledgerKey, entry *models.UsageEntry) error {
	day, err := time.Parse(ledgerDateLayout, key.date)
	if err != nil {
		return nil
	}
	prevKey := ledgerKey{user: key.user, identity: key.identity, date: day.AddDate(0, 0, -1).Format(ledgerDateLayout)}
	prev, ok := g.entries[prevKey]
	if !ok {
		if prev, err = g.readLedger(ctx, prevKey); err != nil {
			return err
		}
	}
	if prev == nil {
		return nil
	}
	entry.RiskScore = prev.RiskScore
	entry.ConsecutiveFailures = prev.ConsecutiveFailures
	entry.BlockedUntil = prev.BlockedUntil
	entry.BlockReason = prev.BlockReason
	return nil
}

// settleLocked folds sends confirmed while the ledger was unreadable into entry.
func (g *Governor) settleLocked(ctx context.Context, key ledgerKey, entry *models.UsageEntry) {
	var pending []*reservation
	for _, r := range g.inflight[key] {
		if r.committed {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return
	}
	for _, r := range pending {
		g.releaseLocked(key, r)
		applySend(entry, r)
	}
	g.persistLocked(ctx, entry)
}

func isBlocked(entry *models.UsageEntry, now time.Time) bool {
	return entry.BlockedUntil != nil && now.Before(*entry.BlockedUntil)
}

func (g *Governor) decideLocked(ctx context.Context, key ledgerKey, entry *models.UsageEntry, req Request) Decision {
	now := g.now()
	limits := g.limitsFor(req.Channel)

	// Expired blocks clear and reset the risk score.
	if entry.BlockedUntil != nil && !now.Before(*entry.BlockedUntil) {
		entry.BlockedUntil = nil
		entry.BlockReason = ""
		entry.RiskScore = 0
		entry.ConsecutiveFailures = 0
		g.persistLocked(ctx, entry)
		if err := g.audit.LogUnblock(ctx, req.UserID, req.Identity); err != nil {
			g.logger.Error().Err(err).Msg("Failed to write audit event")
		}
	}

	recent := pruneWindow(recentFor(entry, req.Channel), now)
	setRecent(entry, req.Channel, recent)

	sent, last := countFor(entry, req.Channel)
	inWindow := len(recent)
	for _, r := range g.inflight[key] {
		if isCall(r.channel) != isCall(req.Channel) {
			continue
		}
		sent++
		inWindow++
		if last == nil || r.at.After(*last) {
			at := r.at
			last = &at
		}
	}

	d := Decision{
		RemainingToday: limits.DailyCap - sent,
		RiskScore:      entry.RiskScore,
	}
	if d.RemainingToday < 0 {
		d.RemainingToday = 0
	}
	if last != nil {
		if elapsed := now.Sub(*last); elapsed < limits.Cooldown {
			d.CooldownRemaining = limits.Cooldown - elapsed
		}
	}
	d.RateLimited = limits.PerMinute > 0 && inWindow >= limits.PerMinute

	if isBlocked(entry, now) {
		d.BlockRemaining = entry.BlockedUntil.Sub(now)
		d.BlockReason = entry.BlockReason
		if !req.Emergency && !g.bypass[req.UserID] {
			d.Blocked = true
			d.Reason = ReasonBlocked
			return d
		}
	}

	switch {
	case !req.Emergency && sent >= limits.DailyCap:
		d.Reason = ReasonDailyCap
	case d.CooldownRemaining > 0:
		d.Reason = ReasonCooldown
	case d.RateLimited:
		d.Reason = ReasonRateLimited
	default:
		d.Allowed = true
	}
	return d
}

// recordLocked counts the send r. When the ledger cannot be read, r stays in
// flight as committed so it keeps counting against limits until settled.
func (g *Governor) recordLocked(ctx context.Context, key ledgerKey, r *reservation) {
	r.at = g.now()
	entry, err := g.loadLocked(ctx, key)
	if err != nil {
		r.committed = true
		g.inflight[key] = append(g.inflight[key], r)
		return
	}
	applySend(entry, r)
	g.persistLocked(ctx, entry)
}

func applySend(entry *models.UsageEntry, r *reservation) {
	at := r.at
	if isCall(r.channel) {
		entry.CallCount++
		entry.LastCallAt = &at
		entry.RecentCalls = append(pruneWindow(entry.RecentCalls, at), at)
	} else {
		entry.SMSCount++
		entry.LastSMSAt = &at
		entry.RecentSMS = append(pruneWindow(entry.RecentSMS, at), at)
	}
}

func (g *Governor) persistLocked(ctx context.Context, entry *models.UsageEntry) {
	entry.UpdatedAt = g.now()
	if g.ledger == nil {
		return
	}
	if err := g.ledger.UpsertUsage(ctx, entry); err != nil {
		g.logger.Error().Err(err).Str("user_id", entry.UserID).Msg("Failed to persist usage entry")
	}
}

func (g *Governor) releaseLocked(key ledgerKey, r *reservation) {
	list := g.inflight[key]
	for i, x := range list {
		if x == r {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(g.inflight, key)
	} else {
		g.inflight[key] = list
	}
}

func recentFor(entry *models.UsageEntry, ch models.Channel) []time.Time {
	if isCall(ch) {
		return entry.RecentCalls
	}
	return entry.RecentSMS
}

func setRecent(entry *models.UsageEntry, ch models.Channel, ts []time.Time) {
	if isCall(ch) {
		entry.RecentCalls = ts
	} else {
		entry.RecentSMS = ts
	}
}

func countFor(entry *models.UsageEntry, ch models.Channel) (int, *time.Time) {
	if isCall(ch) {
		return entry.CallCount, entry.LastCallAt
	}
	return entry.SMSCount, entry.LastSMSAt
}

// pruneWindow drops timestamps older than the rate window.
func pruneWindow(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Permit is a reserved send slot returned by Acquire.
type Permit struct {
	g    *Governor
	key  ledgerKey
	res  *reservation
	once sync.Once
}

// Commit records the send and frees the reservation.
func (p *Permit) Commit(ctx context.Context) {
	p.once.Do(func() {
		p.g.mu.Lock()
		defer p.g.mu.Unlock()
		p.g.releaseLocked(p.key, p.res)
		p.g.recordLocked(ctx, p.key, p.res)
	})
}

// Release frees the reservation without recording a send.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.mu.Lock()
		defer p.g.mu.Unlock()
		p.g.releaseLocked(p.key, p.res)
	})
}
