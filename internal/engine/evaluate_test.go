package engine

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tickwatch/internal/models"
)

func cached(price float64, change *float64) models.CachedPrice {
	return models.CachedPrice{Price: price, PercentageChange: change, LastUpdated: time.Now()}
}

func TestEvaluateAlert_Conditions(t *testing.T) {
	tests := []struct {
		name  string
		alert models.PriceAlert
		cp    models.CachedPrice
		want  bool
	}{
		{"above at target", models.PriceAlert{Condition: models.ConditionAbove, TargetPrice: 100}, cached(100, nil), true},
		{"above under target", models.PriceAlert{Condition: models.ConditionAbove, TargetPrice: 100}, cached(99.99, nil), false},
		{"below at target", models.PriceAlert{Condition: models.ConditionBelow, TargetPrice: 100}, cached(100, nil), true},
		{"below over target", models.PriceAlert{Condition: models.ConditionBelow, TargetPrice: 100}, cached(101, nil), false},
		{"between inside", models.PriceAlert{Condition: models.ConditionBetween, TargetPrice: 10, TargetPrice2: models.Float64Ptr(20)}, cached(15, nil), true},
		{"between reversed bounds", models.PriceAlert{Condition: models.ConditionBetween, TargetPrice: 20, TargetPrice2: models.Float64Ptr(10)}, cached(10, nil), true},
		{"between outside", models.PriceAlert{Condition: models.ConditionBetween, TargetPrice: 10, TargetPrice2: models.Float64Ptr(20)}, cached(21, nil), false},
		{"between missing bound", models.PriceAlert{Condition: models.ConditionBetween, TargetPrice: 10}, cached(15, nil), false},
		{"change absolute drop", models.PriceAlert{Condition: models.ConditionChange, PercentageChange: models.Float64Ptr(2)}, cached(1, models.Float64Ptr(-2.5)), true},
		{"change too small", models.PriceAlert{Condition: models.ConditionChange, PercentageChange: models.Float64Ptr(2)}, cached(1, models.Float64Ptr(1.5)), false},
		{"change without sample", models.PriceAlert{Condition: models.ConditionChange, PercentageChange: models.Float64Ptr(2)}, cached(1, nil), false},
		{"change threshold in target", models.PriceAlert{Condition: models.ConditionChange, TargetPrice: 3}, cached(1, models.Float64Ptr(3)), true},
		{"unknown condition", models.PriceAlert{Condition: "crosses", TargetPrice: 1}, cached(2, nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateAlert(&tt.alert, tt.cp); got != tt.want {
				t.Errorf("EvaluateAlert() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateAsset_ReferenceBand(t *testing.T) {
	ref := models.GroupAsset{Condition: models.ConditionChange, PercentageChange: models.Float64Ptr(2), IsReference: true}
	dir := models.GroupAsset{Condition: models.ConditionChange, PercentageChange: models.Float64Ptr(2)}

	if !EvaluateAsset(&ref, cached(1, models.Float64Ptr(1.5))) {
		t.Error("reference 2% band with 1.5% change should be satisfied")
	}
	if !EvaluateAsset(&ref, cached(1, models.Float64Ptr(-1.5))) {
		t.Error("reference band is absolute: -1.5% should be satisfied")
	}
	if EvaluateAsset(&ref, cached(1, models.Float64Ptr(2.5))) {
		t.Error("reference 2% band with 2.5% change should not be satisfied")
	}
	if EvaluateAsset(&dir, cached(1, models.Float64Ptr(1.5))) {
		t.Error("directional 2% with 1.5% change should not be satisfied")
	}
	if !EvaluateAsset(&dir, cached(1, models.Float64Ptr(2.5))) {
		t.Error("directional 2% with 2.5% change should be satisfied")
	}
	if EvaluateAsset(&dir, cached(1, models.Float64Ptr(-2.5))) {
		t.Error("directional threshold is signed: -2.5% should not satisfy +2%")
	}
}

// buildGroup creates n "above 100" assets; fresh[i] controls cache presence
// and pass[i] whether the cached price clears the target.
func buildGroup(op models.LogicOperator, n int, fresh, pass []bool) (*models.ConditionGroup, PriceLookup) {
	group := &models.ConditionGroup{ID: "g1", Name: "test", LogicOperator: op}
	prices := make(map[string]models.CachedPrice)
	for i := 0; i < n; i++ {
		sym := fmt.Sprintf("S%d", i)
		group.Assets = append(group.Assets, models.GroupAsset{Symbol: sym, Condition: models.ConditionAbove, Value: 100})
		if fresh[i] {
			price := 50.0
			if pass[i] {
				price = 150
			}
			prices[sym] = cached(price, nil)
		}
	}
	lookup := func(symbol string) (models.CachedPrice, bool) {
		cp, ok := prices[symbol]
		return cp, ok
	}
	return group, lookup
}

func TestEvaluateGroup_ANDSkipsMissingData(t *testing.T) {
	group, lookup := buildGroup(models.LogicAND, 3, []bool{true, false, true}, []bool{true, false, true})
	res := EvaluateGroup(group, lookup)
	if !res.Satisfied {
		t.Fatal("AND group with one missing asset and the rest passing should be satisfied")
	}
	if res.Assets[1].Status != AssetNoData {
		t.Errorf("missing asset status = %s, want no_data", res.Assets[1].Status)
	}
}

func TestEvaluateGroup_ANDAllMissingNotSatisfied(t *testing.T) {
	group, lookup := buildGroup(models.LogicAND, 2, []bool{false, false}, []bool{true, true})
	if EvaluateGroup(group, lookup).Satisfied {
		t.Fatal("AND group with no fresh data must not fire")
	}
}

func TestEvaluateGroup_ORCitesFirstFreshPass(t *testing.T) {
	group, lookup := buildGroup(models.LogicOR, 4, []bool{false, true, true, true}, []bool{true, false, true, true})
	res := EvaluateGroup(group, lookup)
	if !res.Satisfied || res.Causal != 2 {
		t.Fatalf("satisfied=%v causal=%d, want true/2", res.Satisfied, res.Causal)
	}

	msg := GroupMessage(group, res)
	if strings.Index(msg, "S2 ") > strings.Index(msg, "S0 ") {
		t.Errorf("causal asset not cited first: %s", msg)
	}
	if !strings.Contains(msg, "S0 above 100: no data.") {
		t.Errorf("missing asset not summarized: %s", msg)
	}
}

// Feature: tickwatch, Property 2: AND groups never fire while a fresh asset fails
//
// Property: For any mix of fresh/missing and passing/failing assets, an AND group
// is satisfied exactly when no fresh asset fails and at least one asset is fresh.
func TestProperty_ANDGroupSemantics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("AND satisfied iff no fresh failure and some fresh data", prop.ForAll(
		func(n int, fresh, pass []bool) bool {
			group, lookup := buildGroup(models.LogicAND, n, fresh, pass)
			res := EvaluateGroup(group, lookup)

			anyFresh, freshFailure := false, false
			for i := 0; i < n; i++ {
				if fresh[i] {
					anyFresh = true
					if !pass[i] {
						freshFailure = true
					}
				}
			}
			return res.Satisfied == (anyFresh && !freshFailure)
		},
		gen.IntRange(1, 6),
		gen.SliceOfN(6, gen.Bool()),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}

// Feature: tickwatch, Property 3: OR groups fire on the first fresh passing asset
//
// Property: An OR group is satisfied exactly when some fresh asset passes,
// and the causal asset is the first such asset in declared order.
func TestProperty_ORGroupSemantics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("OR satisfied iff a fresh asset passes; first one is causal", prop.ForAll(
		func(n int, fresh, pass []bool) bool {
			group, lookup := buildGroup(models.LogicOR, n, fresh, pass)
			res := EvaluateGroup(group, lookup)

			first := -1
			for i := 0; i < n; i++ {
				if fresh[i] && pass[i] {
					first = i
					break
				}
			}
			return res.Satisfied == (first >= 0) && res.Causal == first
		},
		gen.IntRange(1, 6),
		gen.SliceOfN(6, gen.Bool()),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}
