package cache

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func TestPriceCache_GetAbsentWhenStale(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New(5*time.Minute, WithClock(clock.Now))

	c.Update("BTC", 50000, clock.t)
	if _, ok := c.Get("BTC"); !ok {
		t.Fatal("fresh entry not returned")
	}

	clock.t = clock.t.Add(5*time.Minute + time.Second)
	if _, ok := c.Get("BTC"); ok {
		t.Fatal("stale entry returned as fresh")
	}
	if got := len(c.Snapshot()); got != 0 {
		t.Fatalf("snapshot has %d stale entries", got)
	}
}

func TestPriceCache_ChangeOnlyWithinTTL(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	c := New(5*time.Minute, WithClock(func() time.Time { return base }))

	first := c.Update("ETH", 2000, base)
	if first.PercentageChange != nil {
		t.Fatal("first sample must not carry a change")
	}

	second := c.Update("ETH", 2100, base.Add(time.Minute))
	if second.PercentageChange == nil || math.Abs(*second.PercentageChange-5) > 1e-9 {
		t.Fatalf("change = %v, want 5", second.PercentageChange)
	}

	third := c.Update("ETH", 2200, base.Add(7*time.Minute))
	if third.PercentageChange != nil {
		t.Fatalf("change computed against a stale prior: %v", *third.PercentageChange)
	}
}

func TestPriceCache_Sweep(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	c := New(time.Minute, WithClock(func() time.Time { return base }))

	c.Update("OLD", 1, base.Add(-2*time.Minute))
	c.Update("NEW", 1, base)

	if removed := c.Sweep(base); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
	if _, ok := c.Get("NEW"); !ok {
		t.Fatal("fresh entry swept")
	}
}

// Feature: tickwatch, Property 1: Percentage change is present iff a prior sample is within TTL
//
// Property: For any sequence of updates to one symbol, the returned entry carries
// a percentage change exactly when the previous sample is no older than the TTL,
// and the value equals (new-old)/old*100.
func TestProperty_PercentageChangeWithinTTL(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	ttl := 5 * time.Minute

	// Gaps between samples in seconds (0-600), straddling the 300s TTL.
	gapsGen := gen.SliceOfN(20, gen.IntRange(0, 600))
	pricesGen := gen.SliceOfN(20, gen.Float64Range(0.01, 100000))

	properties.Property("change present iff prior within TTL and equals relative delta", prop.ForAll(
		func(gaps []int, prices []float64) bool {
			now := time.Unix(1_700_000_000, 0)
			c := New(ttl, WithClock(func() time.Time { return now }))

			var prevPrice float64
			var prevAt time.Time
			for i := range gaps {
				at := now
				if i > 0 {
					at = prevAt.Add(time.Duration(gaps[i]) * time.Second)
				}
				entry := c.Update("SYM", prices[i], at)

				withinTTL := i > 0 && at.Sub(prevAt) <= ttl
				if withinTTL != (entry.PercentageChange != nil) {
					return false
				}
				if withinTTL {
					want := (prices[i] - prevPrice) / prevPrice * 100
					if math.Abs(*entry.PercentageChange-want) > 1e-6*math.Max(1, math.Abs(want)) {
						return false
					}
				}
				prevPrice, prevAt = prices[i], at
			}
			return true
		},
		gapsGen,
		pricesGen,
	))

	properties.TestingRun(t)
}
