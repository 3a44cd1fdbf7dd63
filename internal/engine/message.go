package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"tickwatch/internal/models"
)

// FormatPrice renders a price with thousands separators and enough
// precision for sub-unit assets.
func FormatPrice(p float64) string {
	digits := 2
	if math.Abs(p) < 1 {
		digits = 6
	}
	return humanize.CommafWithDigits(p, digits)
}

// FormatPercent renders a percentage with two decimals and an explicit sign.
func FormatPercent(p float64) string {
	s := decimal.NewFromFloat(p).StringFixed(2)
	if p > 0 {
		s = "+" + s
	}
	return s + "%"
}

// describeCondition renders "above 50,000", "between 10 and 20", "change of 2%".
func describeCondition(cond models.Condition, v float64, v2 *float64, change float64, reference bool) string {
	switch cond {
	case models.ConditionAbove:
		return "above " + FormatPrice(v)
	case models.ConditionBelow:
		return "below " + FormatPrice(v)
	case models.ConditionBetween:
		if v2 == nil {
			return "between " + FormatPrice(v) + " and ?"
		}
		return fmt.Sprintf("between %s and %s", FormatPrice(v), FormatPrice(*v2))
	case models.ConditionChange:
		if reference {
			return "steady within " + decimal.NewFromFloat(math.Abs(change)).String() + "%"
		}
		return "moved " + decimal.NewFromFloat(change).String() + "%"
	}
	return string(cond)
}

// AlertMessage builds the notification text for a satisfied price alert.
func AlertMessage(alert *models.PriceAlert, cp models.CachedPrice) string {
	if alert.Condition == models.ConditionChange {
		actual := 0.0
		if cp.PercentageChange != nil {
			actual = *cp.PercentageChange
		}
		return fmt.Sprintf("%s changed %s, crossing your %s%% threshold. Price now %s.",
			alert.Symbol, FormatPercent(actual),
			decimal.NewFromFloat(math.Abs(alert.ChangeThreshold())).String(), FormatPrice(cp.Price))
	}
	return fmt.Sprintf("%s is %s. Price now %s.",
		alert.Symbol,
		describeCondition(alert.Condition, alert.TargetPrice, alert.TargetPrice2, 0, false),
		FormatPrice(cp.Price))
}

// GroupMessage builds one combined notification for a satisfied group.
// For OR groups the causal asset is listed first.
func GroupMessage(group *models.ConditionGroup, res GroupResult) string {
	order := make([]int, 0, len(res.Assets))
	if res.Causal >= 0 {
		order = append(order, res.Causal)
	}
	for i := range res.Assets {
		if i != res.Causal {
			order = append(order, i)
		}
	}

	name := group.Name
	if name == "" {
		name = group.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Condition group %s triggered (%s).", name, group.LogicOperator)
	for _, i := range order {
		ar := res.Assets[i]
		a := ar.Asset
		fmt.Fprintf(&b, " %s %s: ", a.Symbol,
			describeCondition(a.Condition, a.Value, a.Value2, a.ChangeThreshold(), a.IsReference))
		switch ar.Status {
		case AssetNoData:
			b.WriteString("no data.")
			continue
		case AssetSatisfied:
			b.WriteString("met")
		default:
			b.WriteString("not met")
		}
		if a.Condition == models.ConditionChange && ar.Change != nil {
			fmt.Fprintf(&b, ", change %s.", FormatPercent(*ar.Change))
		} else {
			fmt.Fprintf(&b, ", now %s.", FormatPrice(ar.Price))
		}
	}
	return b.String()
}

// SocialMessage builds the notification text for a keyword match.
func SocialMessage(ev models.SocialEvent, matched []string) string {
	content := ev.Content
	if r := []rune(content); len(r) > 140 {
		content = string(r[:140]) + "..."
	}
	return fmt.Sprintf("New post from %s mentions %s: %s", ev.Account, strings.Join(matched, ", "), content)
}
