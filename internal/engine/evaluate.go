package engine

import (
	"math"

	"tickwatch/internal/models"
)

// AssetStatus is the contribution of one asset to a group evaluation.
type AssetStatus string

const (
	AssetSatisfied AssetStatus = "satisfied"
	AssetFailed    AssetStatus = "failed"
	AssetNoData    AssetStatus = "no_data"
)

// AssetResult records how one group asset evaluated.
type AssetResult struct {
	Asset  models.GroupAsset
	Status AssetStatus
	Price  float64
	Change *float64
}

// GroupResult is the outcome of evaluating a ConditionGroup.
// Causal is the index into Assets of the asset that decided an OR group, or -1.
type GroupResult struct {
	Satisfied bool
	Causal    int
	Assets    []AssetResult
}

// PriceLookup returns the fresh cached price for a symbol.
type PriceLookup func(symbol string) (models.CachedPrice, bool)

// EvaluateAlert reports whether a single price alert is satisfied by cp.
func EvaluateAlert(alert *models.PriceAlert, cp models.CachedPrice) bool {
	switch alert.Condition {
	case models.ConditionAbove:
		return cp.Price >= alert.TargetPrice
	case models.ConditionBelow:
		return cp.Price <= alert.TargetPrice
	case models.ConditionBetween:
		if alert.TargetPrice2 == nil {
			return false
		}
		return inRange(cp.Price, alert.TargetPrice, *alert.TargetPrice2)
	case models.ConditionChange:
		if cp.PercentageChange == nil {
			return false
		}
		return math.Abs(*cp.PercentageChange) >= math.Abs(alert.ChangeThreshold())
	default:
		return false
	}
}

// EvaluateAsset reports whether one group asset is satisfied by cp.
// Reference assets treat "change" as a stability band, others as a directional threshold.
func EvaluateAsset(asset *models.GroupAsset, cp models.CachedPrice) bool {
	switch asset.Condition {
	case models.ConditionAbove:
		return cp.Price >= asset.Value
	case models.ConditionBelow:
		return cp.Price <= asset.Value
	case models.ConditionBetween:
		if asset.Value2 == nil {
			return false
		}
		return inRange(cp.Price, asset.Value, *asset.Value2)
	case models.ConditionChange:
		if cp.PercentageChange == nil {
			return false
		}
		actual := *cp.PercentageChange
		threshold := asset.ChangeThreshold()
		if asset.IsReference {
			return math.Abs(actual) <= math.Abs(threshold)
		}
		return actual >= threshold
	default:
		return false
	}
}

// EvaluateGroup evaluates a group's assets in declared order.
//
// AND: not satisfied as soon as an asset with fresh data fails; assets without
// fresh data are skipped; a group where every asset was skipped is not satisfied.
// OR: satisfied by the first fresh asset that passes, which becomes Causal.
//
// Every asset is still evaluated so the result can summarize all contributions.
func EvaluateGroup(group *models.ConditionGroup, lookup PriceLookup) GroupResult {
	result := GroupResult{
		Causal: -1,
		Assets: make([]AssetResult, len(group.Assets)),
	}

	decided := false
	sawFresh := false
	for i := range group.Assets {
		asset := group.Assets[i]
		ar := AssetResult{Asset: asset, Status: AssetNoData}

		cp, ok := lookup(asset.Symbol)
		if ok {
			sawFresh = true
			ar.Price = cp.Price
			ar.Change = cp.PercentageChange
			if EvaluateAsset(&asset, cp) {
				ar.Status = AssetSatisfied
			} else {
				ar.Status = AssetFailed
			}
		}
		result.Assets[i] = ar

		if decided {
			continue
		}
		switch group.LogicOperator {
		case models.LogicOR:
			if ar.Status == AssetSatisfied {
				result.Satisfied = true
				result.Causal = i
				decided = true
			}
		default: // AND
			if ar.Status == AssetFailed {
				result.Satisfied = false
				decided = true
			}
		}
	}

	if !decided && group.LogicOperator != models.LogicOR {
		result.Satisfied = sawFresh
	}
	return result
}

func inRange(price, a, b float64) bool {
	lo, hi := math.Min(a, b), math.Max(a, b)
	return price >= lo && price <= hi
}
