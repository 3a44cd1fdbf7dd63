package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"tickwatch/internal/config"
	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/resilience"
)

// Provider operations, also used as circuit breaker names.
const (
	OpCall = "call"
	OpSMS  = "sms"
)

const maxResponseBytes = 1 << 20

// CallRequest is an outbound voice call.
type CallRequest struct {
	From    string
	To      string
	Script  string
	UserID  string
	AlertID string
}

// SMSRequest is an outbound text message.
type SMSRequest struct {
	From string
	To   string
	Body string
}

// Provider places calls and sends SMS through the voice/SMS API.
// Both methods return the provider's message id.
type Provider interface {
	PlaceCall(ctx context.Context, req CallRequest) (string, error)
	SendSMS(ctx context.Context, req SMSRequest) (string, error)
}

// TwilioClient talks to a Twilio-compatible REST API with form-encoded requests.
type TwilioClient struct {
	baseURL     string
	accountSID  string
	authToken   string
	callbackURL string
	voice       string
	retryable   map[string]bool
	client      *http.Client
	breakers    *resilience.CircuitBreakerRegistry
}

// NewTwilioClient creates a provider client. breakers may be nil.
func NewTwilioClient(cfg config.ProviderConfig, creds config.ProviderCredentials, voice string, breakers *resilience.CircuitBreakerRegistry) *TwilioClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retryable := make(map[string]bool, len(cfg.RetryableCodes))
	for _, c := range cfg.RetryableCodes {
		retryable[c] = true
	}
	if breakers == nil {
		bc := resilience.DefaultCircuitBreakerConfig()
		bc.IsFailure = apperrors.IsRetryable
		breakers = resilience.NewCircuitBreakerRegistry(bc)
	}
	return &TwilioClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accountSID:  creds.AccountSID,
		authToken:   creds.AuthToken,
		callbackURL: cfg.StatusCallbackURL,
		voice:       voice,
		retryable:   retryable,
		client:      &http.Client{Timeout: timeout},
		breakers:    breakers,
	}
}

// PlaceCall starts a call that speaks req.Script. Call-state events are posted
// to the configured status callback with the user and alert in the query.
func (c *TwilioClient) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Twiml", c.twiml(req.Script))
	form.Set("MachineDetection", "Enable")
	if c.callbackURL != "" {
		form.Set("StatusCallback", statusCallback(c.callbackURL, req.UserID, req.AlertID))
		form.Set("StatusCallbackEvent", "completed")
	}
	return c.post(ctx, OpCall, "/Calls.json", form)
}

// SendSMS sends req.Body as a text message.
func (c *TwilioClient) SendSMS(ctx context.Context, req SMSRequest) (string, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Body", req.Body)
	return c.post(ctx, OpSMS, "/Messages.json", form)
}

func (c *TwilioClient) twiml(script string) string {
	var buf bytes.Buffer
	buf.WriteString(`<Response><Say voice="`)
	_ = xml.EscapeText(&buf, []byte(c.voice))
	buf.WriteString(`">`)
	_ = xml.EscapeText(&buf, []byte(script))
	buf.WriteString(`</Say></Response>`)
	return buf.String()
}

func statusCallback(base, userID, alertID string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("user", userID)
	if alertID != "" {
		q.Set("alert", alertID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type providerResponse struct {
	SID string `json:"sid"`
}

type providerErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *TwilioClient) post(ctx context.Context, op, path string, form url.Values) (string, error) {
	cb := c.breakers.Get(op)
	return resilience.ExecuteWithResult(cb, ctx, func(ctx context.Context) (string, error) {
		endpoint := fmt.Sprintf("%s/Accounts/%s%s", c.baseURL, url.PathEscape(c.accountSID), path)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return "", apperrors.Wrap(err, "creating provider request")
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "tickwatch/1.0")

		resp, err := c.client.Do(req)
		if err != nil {
			return "", apperrors.NewProviderError(op, 0, "", "request failed", err, c.retryable)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return "", apperrors.NewProviderError(op, 0, "", "reading response", err, c.retryable)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var pe providerErrorBody
			_ = json.Unmarshal(body, &pe)
			code := ""
			if pe.Code != 0 {
				code = strconv.Itoa(pe.Code)
			}
			msg := pe.Message
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			return "", apperrors.NewProviderError(op, resp.StatusCode, code, msg, nil, c.retryable)
		}

		var out providerResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return "", apperrors.NewProviderError(op, resp.StatusCode, "", "decoding response", err, nil)
		}
		return out.SID, nil
	})
}

// ComputeSignature returns the webhook signature for a callback: base64 of
// HMAC-SHA1(authToken, fullURL + each param name and value in sorted name order).
func ComputeSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	buf.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			buf.WriteString(k)
			buf.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(buf.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature authenticates the callback.
func VerifySignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := ComputeSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
