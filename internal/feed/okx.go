package feed

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/models"
	"tickwatch/internal/security"
)

// OKXAdapter subscribes to the OKX public tickers channel.
type OKXAdapter struct {
	symbols []string
	bases   map[string]string // instId -> base symbol
}

// NewOKXAdapter creates an adapter for base symbols such as "BTC".
func NewOKXAdapter(symbols []string) *OKXAdapter {
	a := &OKXAdapter{bases: make(map[string]string, len(symbols))}
	for _, s := range symbols {
		base := security.NormalizeSymbol(s)
		if base == "" {
			continue
		}
		a.symbols = append(a.symbols, base)
		a.bases[base+"-"+quoteAsset] = base
	}
	return a
}

// Name implements Adapter.
func (a *OKXAdapter) Name() string { return "okx" }

// Ping implements Adapter. OKX expects a literal "ping" text frame.
func (a *OKXAdapter) Ping() []byte { return []byte("ping") }

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxSubscribe struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

// SubscribeMessages implements Adapter.
func (a *OKXAdapter) SubscribeMessages() ([][]byte, error) {
	if len(a.symbols) == 0 {
		return nil, nil
	}
	sub := okxSubscribe{Op: "subscribe"}
	for _, s := range a.symbols {
		sub.Args = append(sub.Args, okxArg{Channel: "tickers", InstID: s + "-" + quoteAsset})
	}
	msg, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

type okxTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	TS     string `json:"ts"`
}

type okxMessage struct {
	Event string      `json:"event"`
	Code  string      `json:"code"`
	Msg   string      `json:"msg"`
	Arg   okxArg      `json:"arg"`
	Data  []okxTicker `json:"data"`
}

// Parse implements Adapter.
func (a *OKXAdapter) Parse(msg []byte) ([]models.Tick, error) {
	if bytes.Equal(bytes.TrimSpace(msg), []byte("pong")) {
		return nil, nil
	}

	var m okxMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, apperrors.NewValidationError("message", len(msg), err.Error())
	}
	switch m.Event {
	case "":
	case "error":
		return nil, apperrors.NewValidationError("event", m.Code, m.Msg)
	default:
		return nil, nil
	}
	if m.Arg.Channel != "tickers" {
		return nil, nil
	}

	ticks := make([]models.Tick, 0, len(m.Data))
	for _, d := range m.Data {
		base, ok := a.bases[strings.ToUpper(d.InstID)]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(d.Last)
		if err != nil || !price.IsPositive() {
			return nil, apperrors.NewValidationError("last", d.Last, "invalid last price")
		}
		ts := time.Now()
		if ms, err := strconv.ParseInt(d.TS, 10, 64); err == nil && ms > 0 {
			ts = time.UnixMilli(ms)
		}
		ticks = append(ticks, models.Tick{
			Symbol:    base,
			Price:     price.InexactFloat64(),
			Source:    a.Name(),
			Timestamp: ts.UTC(),
		})
	}
	return ticks, nil
}
