package security

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	apperrors "tickwatch/internal/errors"
)

func TestMaskPhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+14155550123", "+14*******23"},
		{"4155550123", "41******23"},
		{"123", "***"},
	}
	for _, tt := range tests {
		if got := MaskPhone(tt.in); got != tt.want {
			t.Errorf("MaskPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskString_ScrubsSecretsAndPhones(t *testing.T) {
	in := "auth_token=abcdef1234567890 calling +14155550123 via AC0123456789abcdef0123456789abcdef"
	out := MaskString(in)

	for _, leaked := range []string{"abcdef1234567890", "4155550123", "AC0123456789abcdef0123456789abcdef"} {
		if strings.Contains(out, leaked) {
			t.Errorf("MaskString leaked %q: %s", leaked, out)
		}
	}
}

func TestMaskField_SensitiveKeys(t *testing.T) {
	if got := MaskField("phone", "+14155550123"); strings.Contains(got, "5550") {
		t.Errorf("phone not masked: %s", got)
	}
	if got := MaskField("bot_token", "123456:abcdefghijkl"); got == "123456:abcdefghijkl" {
		t.Errorf("token not masked")
	}
	if got := MaskField("symbol", "BTCUSDT"); got != "BTCUSDT" {
		t.Errorf("plain field altered: %s", got)
	}
}

func TestValidateTopic(t *testing.T) {
	valid := []string{"BTC", "BTCUSDT", "BTC-USDT", "elonmusk:doge", "elon_musk:to the moon"}
	for _, topic := range valid {
		if err := ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v", topic, err)
		}
	}

	invalid := []string{"", "btc usdt", "elon musk:doge", "elonmusk:", ":doge"}
	for _, topic := range invalid {
		err := ValidateTopic(topic)
		if err == nil {
			t.Errorf("ValidateTopic(%q) accepted", topic)
			continue
		}
		if !apperrors.Is(err, apperrors.ErrInvalidEvent) {
			t.Errorf("ValidateTopic(%q) error %v does not match ErrInvalidEvent", topic, err)
		}
	}
}

type bufferCloser struct{ bytes.Buffer }

func (b *bufferCloser) Close() error { return nil }

func TestAuditLogger_WritesJSONLines(t *testing.T) {
	buf := &bufferCloser{}
	al := NewAuditLoggerWithWriter(buf)

	ctx := WithRequestID(context.Background(), "req-1")
	if err := al.LogBlock(ctx, "u1", "+15550001111", "machine answers", 55, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("LogBlock: %v", err)
	}
	if err := al.LogDelivery(ctx, "u1", "a1", "sms", true, apperrors.New("auth_token=supersecretvalue1")); err != nil {
		t.Fatalf("LogDelivery: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var block AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &block); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if block.EventType != AuditBlockApplied || block.RequestID != "req-1" || block.SessionID == "" {
		t.Errorf("unexpected block event: %+v", block)
	}

	var failed AuditEvent
	if err := json.Unmarshal([]byte(lines[1]), &failed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if failed.EventType != AuditDeliveryFailed || failed.Success {
		t.Errorf("unexpected delivery event: %+v", failed)
	}
	if strings.Contains(failed.ErrorMsg, "supersecretvalue1") {
		t.Errorf("audit error message not masked: %s", failed.ErrorMsg)
	}
}

func TestAuditLogger_NilIsNoop(t *testing.T) {
	var al *AuditLogger
	if err := al.LogUnblock(context.Background(), "u", "i"); err != nil {
		t.Fatalf("nil logger returned %v", err)
	}
}
