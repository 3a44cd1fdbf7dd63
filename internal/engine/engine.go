// Package engine evaluates price alerts, condition groups and social alerts
// against the freshest cached data.
package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tickwatch/internal/cache"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/logging"
	"tickwatch/internal/metrics"
	"tickwatch/internal/models"
)

// Fan-out event names.
const (
	EventPriceUpdate  = "price_update"
	EventSocialUpdate = "social_update"
)

// AlertStore is the slice of the data store the engine reads and mutates.
type AlertStore interface {
	GetActivePriceAlerts(ctx context.Context) ([]models.PriceAlert, error)
	GetActiveSocialAlerts(ctx context.Context) ([]models.SocialAlert, error)
	GetActiveConditionGroups(ctx context.Context) ([]models.ConditionGroup, error)
	DeactivatePriceAlert(ctx context.Context, id string) error
	DeactivateSocialAlert(ctx context.Context, id string) error
	DeactivateConditionGroup(ctx context.Context, id string) error
}

// Notifier receives triggers. Implementations must not block.
type Notifier interface {
	Notify(trigger models.Trigger)
}

// Broadcaster fans events out to realtime subscribers.
type Broadcaster interface {
	Broadcast(topic, event string, data interface{}) int
	BroadcastSocial(account, content, event string, data interface{}) int
}

// Engine runs cache update plus evaluation as one step per event.
// All evaluation is serialized under a single mutex.
type Engine struct {
	cache    *cache.PriceCache
	store    AlertStore
	notifier Notifier
	fanout   Broadcaster
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	priceAlerts  map[string][]*models.PriceAlert     // symbol -> alerts
	groups       map[string][]*models.ConditionGroup // symbol -> groups containing it
	socialAlerts map[string][]*models.SocialAlert    // lower(account) -> alerts
	retired      map[string]struct{}                 // one-shot ids deactivated in memory
	now          func() time.Time
}

// New creates an engine. notifier and fanout may be nil.
func New(c *cache.PriceCache, store AlertStore, notifier Notifier, fanout Broadcaster, logger zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		cache:        c,
		store:        store,
		notifier:     notifier,
		fanout:       fanout,
		logger:       logging.WithComponent(logger, "engine"),
		metrics:      m,
		priceAlerts:  make(map[string][]*models.PriceAlert),
		groups:       make(map[string][]*models.ConditionGroup),
		socialAlerts: make(map[string][]*models.SocialAlert),
		retired:      make(map[string]struct{}),
		now:          time.Now,
	}
}

// Reload replaces the in-memory alert sets with the active rows from the store.
// Rows for alerts this engine already deactivated are skipped, so a read that
// races a trigger cannot revive a one-shot alert.
func (e *Engine) Reload(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	prices, err := e.store.GetActivePriceAlerts(ctx)
	if err != nil {
		return apperrors.Wrap(err, "loading price alerts")
	}
	groups, err := e.store.GetActiveConditionGroups(ctx)
	if err != nil {
		return apperrors.Wrap(err, "loading condition groups")
	}
	socials, err := e.store.GetActiveSocialAlerts(ctx)
	if err != nil {
		return apperrors.Wrap(err, "loading social alerts")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stillActive := make(map[string]struct{}, len(prices)+len(groups)+len(socials))

	e.priceAlerts = make(map[string][]*models.PriceAlert)
	for i := range prices {
		a := &prices[i]
		stillActive[a.ID] = struct{}{}
		if e.isRetiredLocked(a.ID) {
			continue
		}
		if !a.Condition.Valid() {
			e.logger.Warn().Str("alert_id", a.ID).Str("condition", string(a.Condition)).Msg("Skipping alert with unknown condition")
			continue
		}
		e.priceAlerts[a.Symbol] = append(e.priceAlerts[a.Symbol], a)
	}

	e.groups = make(map[string][]*models.ConditionGroup)
	for i := range groups {
		g := &groups[i]
		stillActive[g.ID] = struct{}{}
		if e.isRetiredLocked(g.ID) {
			continue
		}
		seen := make(map[string]bool, len(g.Assets))
		for _, asset := range g.Assets {
			if seen[asset.Symbol] {
				continue
			}
			seen[asset.Symbol] = true
			e.groups[asset.Symbol] = append(e.groups[asset.Symbol], g)
		}
	}

	e.socialAlerts = make(map[string][]*models.SocialAlert)
	for i := range socials {
		s := &socials[i]
		stillActive[s.ID] = struct{}{}
		if e.isRetiredLocked(s.ID) {
			continue
		}
		key := strings.ToLower(s.Account)
		e.socialAlerts[key] = append(e.socialAlerts[key], s)
	}

	// Once the store stops returning an id its deactivation has landed.
	for id := range e.retired {
		if _, ok := stillActive[id]; !ok {
			delete(e.retired, id)
		}
	}

	e.logger.Debug().
		Int("price_alerts", len(prices)).
		Int("groups", len(groups)).
		Int("social_alerts", len(socials)).
		Msg("Alerts reloaded")
	return nil
}

func (e *Engine) isRetiredLocked(id string) bool {
	_, ok := e.retired[id]
	return ok
}

// HandleTick updates the cache and evaluates every alert and group touching the symbol.
// Invalid ticks are dropped with a warning and reported as ErrInvalidEvent.
func (e *Engine) HandleTick(ctx context.Context, tick models.Tick) error {
	if tick.Symbol == "" || tick.Price <= 0 || math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) {
		e.logger.Warn().Str("symbol", tick.Symbol).Float64("price", tick.Price).Msg("Dropping invalid tick")
		return apperrors.NewValidationError("tick", tick, "symbol and a positive price are required")
	}

	e.mu.Lock()
	entry := e.cache.Update(tick.Symbol, tick.Price, tick.Timestamp)
	triggers := e.evaluatePricesLocked(ctx, tick.Symbol, entry)
	triggers = append(triggers, e.evaluateGroupsLocked(ctx, tick.Symbol)...)
	e.mu.Unlock()

	if e.fanout != nil {
		e.fanout.Broadcast(tick.Symbol, EventPriceUpdate, entry)
	}
	e.emit(triggers)
	return nil
}

// HandleSocial matches a new post against the account's active social alerts.
func (e *Engine) HandleSocial(ctx context.Context, ev models.SocialEvent) error {
	if ev.Account == "" || ev.PostID == "" {
		e.logger.Warn().Str("account", ev.Account).Msg("Dropping invalid social event")
		return apperrors.NewValidationError("social", ev.PostID, "account and postId are required")
	}

	e.mu.Lock()
	triggers := e.evaluateSocialLocked(ctx, ev)
	e.mu.Unlock()

	if e.fanout != nil {
		e.fanout.BroadcastSocial(ev.Account, ev.Content, EventSocialUpdate, ev)
	}
	e.emit(triggers)
	return nil
}

func (e *Engine) evaluatePricesLocked(ctx context.Context, symbol string, entry models.CachedPrice) []models.Trigger {
	alerts := e.priceAlerts[symbol]
	if len(alerts) == 0 {
		return nil
	}

	var triggers []models.Trigger
	kept := alerts[:0]
	for _, alert := range alerts {
		if !alert.Active || !EvaluateAlert(alert, entry) {
			kept = append(kept, alert)
			continue
		}

		logging.LogAlert(e.logger, alert.ID, symbol, string(alert.Condition), entry.Price)
		e.metrics.Triggered(string(models.TriggerPrice))
		triggers = append(triggers, models.Trigger{
			Kind:    models.TriggerPrice,
			AlertID: alert.ID,
			UserID:  alert.UserID,
			Subject: symbol,
			Message: AlertMessage(alert, entry),
			At:      e.now(),
		})

		if alert.Recurring {
			kept = append(kept, alert)
			continue
		}
		alert.Active = false
		e.retired[alert.ID] = struct{}{}
		if e.store != nil {
			if err := e.store.DeactivatePriceAlert(ctx, alert.ID); err != nil {
				e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("Failed to deactivate alert")
			}
		}
	}
	e.priceAlerts[symbol] = kept
	if len(kept) == 0 {
		delete(e.priceAlerts, symbol)
	}
	return triggers
}

func (e *Engine) evaluateGroupsLocked(ctx context.Context, symbol string) []models.Trigger {
	groups := e.groups[symbol]
	if len(groups) == 0 {
		return nil
	}

	var triggers []models.Trigger
	for _, group := range groups {
		if !group.Active {
			continue
		}
		res := EvaluateGroup(group, e.cache.Get)
		if !res.Satisfied {
			continue
		}

		e.logger.Info().
			Str("event", "alert").
			Str("group_id", group.ID).
			Str("logic", string(group.LogicOperator)).
			Msg("Condition group triggered")
		e.metrics.Triggered(string(models.TriggerGroup))
		triggers = append(triggers, models.Trigger{
			Kind:    models.TriggerGroup,
			AlertID: group.ID,
			UserID:  group.UserID,
			Subject: group.Name,
			Message: GroupMessage(group, res),
			At:      e.now(),
		})

		if group.Recurring {
			continue
		}
		// Shared pointer: clearing Active removes it from every symbol index at once.
		group.Active = false
		e.retired[group.ID] = struct{}{}
		if e.store != nil {
			if err := e.store.DeactivateConditionGroup(ctx, group.ID); err != nil {
				e.logger.Error().Err(err).Str("group_id", group.ID).Msg("Failed to deactivate condition group")
			}
		}
	}
	return triggers
}

func (e *Engine) evaluateSocialLocked(ctx context.Context, ev models.SocialEvent) []models.Trigger {
	key := strings.ToLower(ev.Account)
	alerts := e.socialAlerts[key]
	if len(alerts) == 0 {
		return nil
	}

	content := strings.ToLower(ev.Content)
	var triggers []models.Trigger
	kept := alerts[:0]
	for _, alert := range alerts {
		matched := MatchKeywords(content, alert.Keywords)
		if !alert.Active || len(matched) == 0 {
			kept = append(kept, alert)
			continue
		}

		e.logger.Info().
			Str("event", "alert").
			Str("alert_id", alert.ID).
			Str("account", ev.Account).
			Strs("keywords", matched).
			Msg("Social alert triggered")
		e.metrics.Triggered(string(models.TriggerSocial))
		triggers = append(triggers, models.Trigger{
			Kind:    models.TriggerSocial,
			AlertID: alert.ID,
			UserID:  alert.UserID,
			Subject: ev.Account,
			Message: SocialMessage(ev, matched),
			At:      e.now(),
		})

		if alert.Recurring {
			kept = append(kept, alert)
			continue
		}
		alert.Active = false
		e.retired[alert.ID] = struct{}{}
		if e.store != nil {
			if err := e.store.DeactivateSocialAlert(ctx, alert.ID); err != nil {
				e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("Failed to deactivate social alert")
			}
		}
	}
	e.socialAlerts[key] = kept
	if len(kept) == 0 {
		delete(e.socialAlerts, key)
	}
	return triggers
}

// MatchKeywords returns the keywords contained in lowered content, case-insensitively.
func MatchKeywords(loweredContent string, keywords []string) []string {
	var matched []string
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k != "" && strings.Contains(loweredContent, strings.ToLower(k)) {
			matched = append(matched, k)
		}
	}
	return matched
}

func (e *Engine) emit(triggers []models.Trigger) {
	if e.notifier == nil {
		return
	}
	for _, t := range triggers {
		e.notifier.Notify(t)
	}
}

// Stats summarizes what the engine is watching.
type Stats struct {
	PriceAlerts  int
	Groups       int
	SocialAlerts int
	Symbols      int
}

// Stats returns counts of the active in-memory alert sets.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s Stats
	for _, alerts := range e.priceAlerts {
		s.PriceAlerts += len(alerts)
	}
	groupIDs := make(map[string]bool)
	for _, groups := range e.groups {
		for _, g := range groups {
			if g.Active {
				groupIDs[g.ID] = true
			}
		}
	}
	s.Groups = len(groupIDs)
	for _, alerts := range e.socialAlerts {
		s.SocialAlerts += len(alerts)
	}
	s.Symbols = len(e.priceAlerts)
	return s
}
