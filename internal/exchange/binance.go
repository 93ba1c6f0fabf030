package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"settler/internal/config"
	"settler/internal/model"
)

const (
	binanceWSURL   = "wss://stream.binance.com:9443"
	binanceRESTURL = "https://api.binance.com"
	listenKeyTTL   = 30 * time.Minute
)

// BinanceClient implements the ExchangeClient, Trader and AccountStreamer interfaces for Binance spot.
type BinanceClient struct {
	logger       *slog.Logger
	wsURL        string
	restURL      string
	apiKey       string
	apiSecret    string
	http         *http.Client
	limiter      *rate.Limiter
	dialer       *websocket.Dialer
	onDisconnect func(stream string, err error)
	now          func() time.Time
	listenKey    atomic.Value
}

// NewBinanceClient creates a new BinanceClient.
func NewBinanceClient(logger *slog.Logger, cfg *config.ExchangeConfig) *BinanceClient {
	b := &BinanceClient{
		logger:  logger,
		wsURL:   binanceWSURL,
		restURL: binanceRESTURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 1),
		dialer:  websocket.DefaultDialer,
		now:     time.Now,
	}
	if cfg != nil {
		if cfg.WSURL != "" {
			b.wsURL = strings.TrimSuffix(cfg.WSURL, "/")
		}
		if cfg.RESTURL != "" {
			b.restURL = strings.TrimSuffix(cfg.RESTURL, "/")
		}
		b.apiKey = cfg.APIKey
		b.apiSecret = cfg.APISecret
		if cfg.RequestsPerSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
		}
	}
	return b
}

func (b *BinanceClient) GetName() string {
	return "binance"
}

func (b *BinanceClient) OnDisconnect(fn func(stream string, err error)) {
	b.onDisconnect = fn
}

func binanceSymbol(p Pair) string {
	return strings.ToUpper(p.Base + p.Quote)
}

type binanceCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceBookTicker struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	Bid      string `json:"b"`
	BidQty   string `json:"B"`
	Ask      string `json:"a"`
	AskQty   string `json:"A"`
}

// StartStream subscribes to the combined bookTicker stream of every pair.
func (b *BinanceClient) StartStream(ctx context.Context, priceChan chan<- model.PriceTick, pairs []Pair) error {
	if len(pairs) == 0 {
		return fmt.Errorf("binance: no pairs to stream")
	}
	bySymbol := make(map[string]Pair, len(pairs))
	streams := make([]string, 0, len(pairs))
	for _, p := range pairs {
		sym := binanceSymbol(p)
		bySymbol[sym] = p
		streams = append(streams, strings.ToLower(sym)+"@bookTicker")
	}
	url := b.wsURL + "/stream?streams=" + strings.Join(streams, "/")

	loop := &streamLoop{name: "BinanceClient", logger: b.logger, dialer: b.dialer, onDisconnect: b.onDisconnect}
	return loop.run(ctx,
		func(context.Context) (string, error) { return url, nil },
		nil,
		func(ctx context.Context, msg []byte) error {
			tick, ok := b.parseBookTicker(msg, bySymbol)
			if !ok {
				return nil
			}
			select {
			case priceChan <- tick:
				b.logger.Debug("BinanceClient: sent price tick", "symbol", tick.Symbol, "bid", tick.Bid, "ask", tick.Ask)
			case <-ctx.Done():
			}
			return nil
		})
}

func (b *BinanceClient) parseBookTicker(msg []byte, bySymbol map[string]Pair) (model.PriceTick, bool) {
	var env binanceCombined
	if err := json.Unmarshal(msg, &env); err != nil {
		b.logger.Warn("BinanceClient: failed to parse message", "error", err)
		return model.PriceTick{}, false
	}
	var bt binanceBookTicker
	if err := json.Unmarshal(env.Data, &bt); err != nil || bt.Symbol == "" {
		return model.PriceTick{}, false
	}
	pair, ok := bySymbol[bt.Symbol]
	if !ok {
		return model.PriceTick{}, false
	}
	bid, err := decimal.NewFromString(bt.Bid)
	if err != nil {
		b.logger.Warn("BinanceClient: failed to parse bid price", "error", err)
		return model.PriceTick{}, false
	}
	ask, err := decimal.NewFromString(bt.Ask)
	if err != nil {
		b.logger.Warn("BinanceClient: failed to parse ask price", "error", err)
		return model.PriceTick{}, false
	}
	return model.PriceTick{
		Exchange: b.GetName(),
		Pair:     pair.String(),
		Symbol:   pair.Base,
		Bid:      bid,
		Ask:      ask,
		Time:     b.now(),
	}, true
}

type binanceListenKey struct {
	ListenKey string `json:"listenKey"`
}

type binanceEventHeader struct {
	Event string `json:"e"`
}

type binanceExecutionReport struct {
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	ExecutionType   string `json:"x"`
	OrderID         int64  `json:"i"`
	LastQty         string `json:"l"`
	LastPrice       string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TradeTime       int64  `json:"T"`
	TradeID         int64  `json:"t"`
}

type binanceAccountPosition struct {
	Balances []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// StartUserStream opens the private user data stream and pushes executions and balance updates.
func (b *BinanceClient) StartUserStream(ctx context.Context, events chan<- AccountEvent) error {
	loop := &streamLoop{name: "BinanceUserStream", logger: b.logger, dialer: b.dialer, onDisconnect: b.onDisconnect}
	return loop.run(ctx,
		func(ctx context.Context) (string, error) {
			key, err := b.createListenKey(ctx)
			if err != nil {
				return "", err
			}
			b.listenKey.Store(key)
			go b.keepAlive(ctx, key)
			return b.wsURL + "/ws/" + key, nil
		},
		nil,
		func(ctx context.Context, msg []byte) error {
			ev, ok := b.parseAccountEvent(msg)
			if !ok {
				return nil
			}
			select {
			case events <- ev:
			case <-ctx.Done():
			}
			return nil
		})
}

func (b *BinanceClient) parseAccountEvent(msg []byte) (AccountEvent, bool) {
	var head binanceEventHeader
	if err := json.Unmarshal(msg, &head); err != nil {
		b.logger.Warn("BinanceUserStream: failed to parse message", "error", err)
		return AccountEvent{}, false
	}
	switch head.Event {
	case "executionReport":
		var er binanceExecutionReport
		if err := json.Unmarshal(msg, &er); err != nil {
			b.logger.Warn("BinanceUserStream: bad execution report", "error", err)
			return AccountEvent{}, false
		}
		if er.ExecutionType != "TRADE" {
			return AccountEvent{}, false
		}
		return AccountEvent{Execution: &model.Clearing{
			OrderID:     fmt.Sprint(er.OrderID),
			TradeID:     fmt.Sprint(er.TradeID),
			Symbol:      er.Symbol,
			Side:        model.OrderSide(er.Side),
			TradePrice:  parseDecimal(er.LastPrice),
			TradeVolume: parseDecimal(er.LastQty),
			Fee:         parseDecimal(er.Commission),
			FeeAsset:    er.CommissionAsset,
			TradeTime:   time.UnixMilli(er.TradeTime).UTC(),
		}}, true
	case "outboundAccountPosition":
		var pos binanceAccountPosition
		if err := json.Unmarshal(msg, &pos); err != nil {
			b.logger.Warn("BinanceUserStream: bad account position", "error", err)
			return AccountEvent{}, false
		}
		balances := make(map[string]decimal.Decimal, len(pos.Balances))
		for _, bal := range pos.Balances {
			balances[strings.ToUpper(bal.Asset)] = parseDecimal(bal.Free)
		}
		return AccountEvent{Balances: balances}, true
	}
	return AccountEvent{}, false
}

func (b *BinanceClient) keepAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(listenKeyTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.listenKey.Load() != key {
				return
			}
			if err := b.send(ctx, http.MethodPut, "/api/v3/userDataStream", map[string]string{"listenKey": key}, false, nil); err != nil {
				b.logger.Warn("BinanceUserStream: keepalive failed", "error", err)
				return
			}
		}
	}
}

func (b *BinanceClient) createListenKey(ctx context.Context) (string, error) {
	var out binanceListenKey
	if err := b.send(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false, &out); err != nil {
		return "", err
	}
	if out.ListenKey == "" {
		return "", fmt.Errorf("binance: empty listen key")
	}
	return out.ListenKey, nil
}

func (b *BinanceClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
