package security

import (
	"regexp"
	"strings"

	apperrors "tickwatch/internal/errors"
)

var (
	// Exchange symbols: BTC, BTCUSDT, BTC-USDT, BTC/USDT
	symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9/_-]{0,29}$`)

	// Social accounts: handles and feed slugs
	accountPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

const maxKeywordLength = 100

// NormalizeSymbol upper-cases and trims a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol validates a market symbol after normalization.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return apperrors.NewValidationError("symbol", symbol, "symbol cannot be empty")
	}
	if !symbolPattern.MatchString(symbol) {
		return apperrors.NewValidationError("symbol", symbol, "invalid symbol format")
	}
	return nil
}

// ValidateAccount validates a social account handle.
func ValidateAccount(account string) error {
	if !accountPattern.MatchString(account) {
		return apperrors.NewValidationError("account", account, "invalid account handle")
	}
	return nil
}

// ValidateKeyword validates a social alert keyword.
func ValidateKeyword(keyword string) error {
	k := strings.TrimSpace(keyword)
	if k == "" {
		return apperrors.NewValidationError("keyword", keyword, "keyword cannot be empty")
	}
	if len(k) > maxKeywordLength {
		return apperrors.NewValidationError("keyword", keyword, "keyword too long")
	}
	if strings.ContainsAny(k, "\x00\r\n") {
		return apperrors.NewValidationError("keyword", keyword, "keyword contains control characters")
	}
	return nil
}

// ValidateTopic validates a fan-out topic: either a symbol or "account:keyword".
func ValidateTopic(topic string) error {
	if account, keyword, ok := strings.Cut(topic, ":"); ok {
		if err := ValidateAccount(account); err != nil {
			return err
		}
		return ValidateKeyword(keyword)
	}
	return ValidateSymbol(topic)
}
