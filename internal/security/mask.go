// Package security provides log masking, input validation and the audit trail.
package security

import (
	"regexp"
	"strings"
)

// sensitiveFields contains field names that should be masked in logs.
var sensitiveFields = map[string]bool{
	"auth_token":  true,
	"authtoken":   true,
	"account_sid": true,
	"bot_token":   true,
	"token":       true,
	"secret":      true,
	"password":    true,
	"signature":   true,
	"phone":       true,
	"to":          true,
	"from":        true,
}

// sensitivePatterns contains regex patterns for sensitive data.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(auth[_-]?token|account[_-]?sid|bot[_-]?token|password|secret)[=:\s]+["']?([^\s"'&]+)["']?`),
	regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_-]{30,}\b`), // Telegram bot tokens
	regexp.MustCompile(`\bAC[0-9a-fA-F]{32}\b`),           // provider account SIDs
}

var phonePattern = regexp.MustCompile(`\+\d{8,15}\b|\b\d{10,15}\b`)

// MaskCredential masks a credential for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskPhone keeps the country prefix and the last two digits of a phone number.
func MaskPhone(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			digits = append(digits, phone[i])
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	prefix := ""
	if strings.HasPrefix(phone, "+") {
		prefix = "+"
	}
	return prefix + string(digits[:2]) + strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-2:])
}

// MaskField masks val when key names a sensitive field, and scrubs
// known secret patterns from it otherwise.
func MaskField(key, val string) string {
	if sensitiveFields[strings.ToLower(key)] {
		if phonePattern.MatchString(val) {
			return MaskPhone(val)
		}
		return MaskCredential(val)
	}
	return MaskString(val)
}

// MaskString scrubs credentials and phone numbers embedded in free text,
// such as provider error bodies.
func MaskString(input string) string {
	result := input

	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			// Find the sensitive part and mask it
			parts := strings.SplitN(match, "=", 2)
			if len(parts) == 2 {
				return parts[0] + "=" + MaskCredential(strings.Trim(parts[1], "\"' "))
			}
			parts = strings.SplitN(match, ":", 2)
			if len(parts) == 2 && !strings.ContainsAny(parts[0], "0123456789") {
				return parts[0] + ":" + MaskCredential(strings.Trim(parts[1], "\"' "))
			}
			return MaskCredential(match)
		})
	}

	return phonePattern.ReplaceAllStringFunc(result, MaskPhone)
}
