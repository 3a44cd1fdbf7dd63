package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tickwatch/internal/cache"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/models"
)

type memStore struct {
	mu          sync.Mutex
	prices      []models.PriceAlert
	socials     []models.SocialAlert
	groups      []models.ConditionGroup
	deactivated []string
}

func (s *memStore) GetActivePriceAlerts(ctx context.Context) ([]models.PriceAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PriceAlert
	for _, a := range s.prices {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) GetActiveSocialAlerts(ctx context.Context) ([]models.SocialAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SocialAlert(nil), s.socials...), nil
}

func (s *memStore) GetActiveConditionGroups(ctx context.Context) ([]models.ConditionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConditionGroup(nil), s.groups...), nil
}

func (s *memStore) deactivate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated = append(s.deactivated, id)
	for i := range s.prices {
		if s.prices[i].ID == id {
			s.prices[i].Active = false
		}
	}
	return nil
}

func (s *memStore) DeactivatePriceAlert(ctx context.Context, id string) error     { return s.deactivate(id) }
func (s *memStore) DeactivateSocialAlert(ctx context.Context, id string) error    { return s.deactivate(id) }
func (s *memStore) DeactivateConditionGroup(ctx context.Context, id string) error { return s.deactivate(id) }

type recorder struct {
	mu       sync.Mutex
	triggers []models.Trigger
}

func (r *recorder) Notify(t models.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, t)
}

type broadcast struct {
	topic, event string
}

type fakeFanout struct {
	mu     sync.Mutex
	events []broadcast
}

func (f *fakeFanout) Broadcast(topic, event string, data interface{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, broadcast{topic, event})
	return 1
}

func (f *fakeFanout) BroadcastSocial(account, content, event string, data interface{}) int {
	return f.Broadcast(account, event, data)
}

func newTestEngine(t *testing.T, st *memStore) (*Engine, *recorder, *fakeFanout) {
	t.Helper()
	rec := &recorder{}
	fan := &fakeFanout{}
	e := New(cache.New(5*time.Minute), st, rec, fan, zerolog.Nop(), nil)
	if err := e.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return e, rec, fan
}

func TestEngine_PriceAlertFiresOnceAndDeactivates(t *testing.T) {
	st := &memStore{prices: []models.PriceAlert{
		{ID: "a1", UserID: "u1", Symbol: "BTC", Condition: models.ConditionAbove, TargetPrice: 50000, Active: true},
	}}
	e, rec, fan := newTestEngine(t, st)
	ctx := context.Background()

	if err := e.HandleTick(ctx, models.Tick{Symbol: "BTC", Price: 49000, Source: "test"}); err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	if len(rec.triggers) != 0 {
		t.Fatalf("triggered below target: %+v", rec.triggers)
	}

	e.HandleTick(ctx, models.Tick{Symbol: "BTC", Price: 50500, Source: "test"})
	e.HandleTick(ctx, models.Tick{Symbol: "BTC", Price: 51000, Source: "test"})

	if len(rec.triggers) != 1 {
		t.Fatalf("got %d triggers, want exactly 1", len(rec.triggers))
	}
	msg := rec.triggers[0].Message
	if !strings.Contains(msg, "50,000") || !strings.Contains(msg, "50,500") {
		t.Errorf("message %q should cite target and price", msg)
	}
	if len(st.deactivated) != 1 || st.deactivated[0] != "a1" {
		t.Errorf("deactivated = %v, want [a1]", st.deactivated)
	}
	if len(fan.events) != 3 || fan.events[0].event != EventPriceUpdate {
		t.Errorf("expected a price_update per tick, got %+v", fan.events)
	}
}

func TestEngine_RecurringAlertStaysActive(t *testing.T) {
	st := &memStore{prices: []models.PriceAlert{
		{ID: "r1", UserID: "u1", Symbol: "ETH", Condition: models.ConditionBelow, TargetPrice: 2000, Active: true, Recurring: true},
	}}
	e, rec, _ := newTestEngine(t, st)

	e.HandleTick(context.Background(), models.Tick{Symbol: "ETH", Price: 1900})
	e.HandleTick(context.Background(), models.Tick{Symbol: "ETH", Price: 1800})

	if len(rec.triggers) != 2 {
		t.Fatalf("recurring alert fired %d times, want 2", len(rec.triggers))
	}
	if len(st.deactivated) != 0 {
		t.Errorf("recurring alert deactivated: %v", st.deactivated)
	}
}

func TestEngine_GroupFiresOneCombinedNotification(t *testing.T) {
	st := &memStore{groups: []models.ConditionGroup{{
		ID: "g1", UserID: "u1", Name: "risk-on", LogicOperator: models.LogicAND, Active: true,
		Assets: []models.GroupAsset{
			{Symbol: "BTC", Condition: models.ConditionAbove, Value: 60000},
			{Symbol: "ETH", Condition: models.ConditionAbove, Value: 3000},
		},
	}}}
	e, rec, _ := newTestEngine(t, st)
	ctx := context.Background()

	e.HandleTick(ctx, models.Tick{Symbol: "ETH", Price: 2900})
	e.HandleTick(ctx, models.Tick{Symbol: "BTC", Price: 61000})
	if len(rec.triggers) != 0 {
		t.Fatalf("AND group fired with a failing fresh asset")
	}

	e.HandleTick(ctx, models.Tick{Symbol: "ETH", Price: 3100})
	if len(rec.triggers) != 1 {
		t.Fatalf("got %d triggers, want 1 combined", len(rec.triggers))
	}
	if rec.triggers[0].Kind != models.TriggerGroup || !strings.Contains(rec.triggers[0].Message, "BTC") || !strings.Contains(rec.triggers[0].Message, "ETH") {
		t.Errorf("unexpected trigger: %+v", rec.triggers[0])
	}

	e.HandleTick(ctx, models.Tick{Symbol: "BTC", Price: 62000})
	if len(rec.triggers) != 1 {
		t.Errorf("non-recurring group fired again")
	}
}

func TestEngine_SocialMatchesCaseInsensitively(t *testing.T) {
	st := &memStore{socials: []models.SocialAlert{
		{ID: "s1", UserID: "u1", Account: "ElonMusk", Keywords: []string{"Doge", "mars"}, Active: true},
		{ID: "s2", UserID: "u2", Account: "elonmusk", Keywords: []string{"tesla"}, Active: true},
	}}
	e, rec, fan := newTestEngine(t, st)

	err := e.HandleSocial(context.Background(), models.SocialEvent{Account: "elonmusk", PostID: "p1", Content: "DOGE to MARS"})
	if err != nil {
		t.Fatalf("HandleSocial: %v", err)
	}
	if len(rec.triggers) != 1 || rec.triggers[0].AlertID != "s1" {
		t.Fatalf("triggers = %+v, want one for s1", rec.triggers)
	}
	if !strings.Contains(rec.triggers[0].Message, "Doge, mars") {
		t.Errorf("message should list matched keywords: %s", rec.triggers[0].Message)
	}
	if len(fan.events) != 1 || fan.events[0].event != EventSocialUpdate {
		t.Errorf("social_update not broadcast: %+v", fan.events)
	}
}

func TestEngine_InvalidTickDropped(t *testing.T) {
	e, rec, fan := newTestEngine(t, &memStore{})

	err := e.HandleTick(context.Background(), models.Tick{Symbol: "BTC", Price: -1})
	if !apperrors.Is(err, apperrors.ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
	if len(rec.triggers) != 0 || len(fan.events) != 0 {
		t.Error("invalid tick reached evaluation")
	}
}

// racingStore fires a hook after the price rows were read but before Reload
// takes the engine lock.
type racingStore struct {
	*memStore
	during func()
}

func (s *racingStore) GetActiveSocialAlerts(ctx context.Context) ([]models.SocialAlert, error) {
	if s.during != nil {
		hook := s.during
		s.during = nil
		hook()
	}
	return s.memStore.GetActiveSocialAlerts(ctx)
}

func TestEngine_ReloadDoesNotReviveTriggeredAlert(t *testing.T) {
	mem := &memStore{prices: []models.PriceAlert{
		{ID: "a1", UserID: "u1", Symbol: "BTC", Condition: models.ConditionAbove, TargetPrice: 50000, Active: true},
	}}
	st := &racingStore{memStore: mem}
	rec := &recorder{}
	e := New(cache.New(5*time.Minute), st, rec, nil, zerolog.Nop(), nil)
	ctx := context.Background()
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	st.during = func() {
		if err := e.HandleTick(ctx, models.Tick{Symbol: "BTC", Price: 50500, Source: "test"}); err != nil {
			t.Errorf("HandleTick: %v", err)
		}
	}
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	e.HandleTick(ctx, models.Tick{Symbol: "BTC", Price: 50600, Source: "test"})

	if len(rec.triggers) != 1 {
		t.Fatalf("one-shot alert fired %d times, want 1", len(rec.triggers))
	}

	// The next reload sees the store row inactive and forgets the id.
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	e.mu.Lock()
	retired := len(e.retired)
	e.mu.Unlock()
	if retired != 0 {
		t.Errorf("retired set not cleared after the store caught up: %d", retired)
	}
	e.HandleTick(ctx, models.Tick{Symbol: "BTC", Price: 50700, Source: "test"})
	if len(rec.triggers) != 1 {
		t.Errorf("alert fired again after reload: %d triggers", len(rec.triggers))
	}
}
