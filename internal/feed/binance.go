package feed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/models"
	"tickwatch/internal/security"
)

// quoteAsset is the market every base symbol is quoted against.
const quoteAsset = "USDT"

// BinanceAdapter subscribes to Binance 24h ticker streams.
type BinanceAdapter struct {
	symbols []string
	bases   map[string]string // exchange symbol -> base symbol
}

// NewBinanceAdapter creates an adapter for base symbols such as "BTC".
func NewBinanceAdapter(symbols []string) *BinanceAdapter {
	a := &BinanceAdapter{bases: make(map[string]string, len(symbols))}
	for _, s := range symbols {
		base := security.NormalizeSymbol(s)
		if base == "" {
			continue
		}
		a.symbols = append(a.symbols, base)
		a.bases[base+quoteAsset] = base
	}
	return a
}

// Name implements Adapter.
func (a *BinanceAdapter) Name() string { return "binance" }

// Ping implements Adapter; Binance answers websocket ping frames.
func (a *BinanceAdapter) Ping() []byte { return nil }

type binanceSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// SubscribeMessages implements Adapter.
func (a *BinanceAdapter) SubscribeMessages() ([][]byte, error) {
	if len(a.symbols) == 0 {
		return nil, nil
	}
	params := make([]string, 0, len(a.symbols))
	for _, s := range a.symbols {
		params = append(params, strings.ToLower(s+quoteAsset)+"@ticker")
	}
	msg, err := json.Marshal(binanceSubscribe{Method: "SUBSCRIBE", Params: params, ID: 1})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// binanceEnvelope covers combined-stream wrappers and subscription replies.
type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     *int            `json:"id"`
	Event  string          `json:"e"`
	Time   int64           `json:"E"`
}

// Parse implements Adapter.
func (a *BinanceAdapter) Parse(msg []byte) ([]models.Tick, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, apperrors.NewValidationError("message", len(msg), err.Error())
	}
	payload := msg
	switch {
	case len(env.Data) > 0:
		payload = env.Data
	case env.ID != nil:
		return nil, nil
	case env.Event == "":
		return nil, nil
	}

	var ev binance.WsMarketStatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, apperrors.NewValidationError("ticker", len(payload), err.Error())
	}
	if ev.Event != "24hrTicker" {
		return nil, nil
	}

	base, ok := a.bases[strings.ToUpper(ev.Symbol)]
	if !ok {
		return nil, nil
	}
	price, err := decimal.NewFromString(ev.LastPrice)
	if err != nil {
		return nil, apperrors.NewValidationError("price", ev.LastPrice, "invalid last price")
	}
	if !price.IsPositive() {
		return nil, apperrors.NewValidationError("price", ev.LastPrice, "non-positive last price")
	}

	ts := time.UnixMilli(ev.Time)
	if ev.Time == 0 {
		ts = time.Now()
	}
	return []models.Tick{{
		Symbol:    base,
		Price:     price.InexactFloat64(),
		Source:    a.Name(),
		Timestamp: ts.UTC(),
	}}, nil
}
