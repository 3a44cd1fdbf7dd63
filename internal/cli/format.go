package cli

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"tickwatch/internal/engine"
	"tickwatch/internal/models"
)

// FormatAge renders t relative to now, or "-" when t is zero.
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// FormatOptionalTime renders a nullable timestamp relative to now.
func FormatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return FormatAge(*t)
}

// DescribePriceAlert renders an alert condition such as "above 50,000.00".
func DescribePriceAlert(a *models.PriceAlert) string {
	switch a.Condition {
	case models.ConditionAbove:
		return "above " + engine.FormatPrice(a.TargetPrice)
	case models.ConditionBelow:
		return "below " + engine.FormatPrice(a.TargetPrice)
	case models.ConditionBetween:
		upper := "?"
		if a.TargetPrice2 != nil {
			upper = engine.FormatPrice(*a.TargetPrice2)
		}
		return "between " + engine.FormatPrice(a.TargetPrice) + " and " + upper
	case models.ConditionChange:
		return "change " + engine.FormatPercent(a.ChangeThreshold())
	}
	return string(a.Condition)
}

// Truncate shortens s to n runes with a trailing ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// ShortID returns the first eight characters of a UUID.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// JoinKeywords renders a keyword list for a table cell.
func JoinKeywords(keywords []string) string {
	return strings.Join(keywords, ", ")
}
