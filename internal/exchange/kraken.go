package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"settler/internal/config"
	"settler/internal/model"
)

const krakenWSURL = "wss://ws.kraken.com"

// KrakenClient implements the ExchangeClient interface for Kraken. It serves market data only.
type KrakenClient struct {
	logger       *slog.Logger
	wsURL        string
	dialer       *websocket.Dialer
	onDisconnect func(stream string, err error)
	now          func() time.Time
}

// NewKrakenClient creates a new KrakenClient.
func NewKrakenClient(logger *slog.Logger, cfg *config.ExchangeConfig) *KrakenClient {
	k := &KrakenClient{logger: logger, wsURL: krakenWSURL, dialer: websocket.DefaultDialer, now: time.Now}
	if cfg != nil && cfg.WSURL != "" {
		k.wsURL = cfg.WSURL
	}
	return k
}

func (k *KrakenClient) GetName() string {
	return "kraken"
}

func (k *KrakenClient) OnDisconnect(fn func(stream string, err error)) {
	k.onDisconnect = fn
}

type krakenSubscription struct {
	Event        string   `json:"event"`
	Pair         []string `json:"pair"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

type krakenEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
}

// krakenTicker levels are [price, wholeLotVolume, lotVolume] with mixed element types.
type krakenTicker struct {
	Ask []json.RawMessage `json:"a"`
	Bid []json.RawMessage `json:"b"`
}

// krakenName maps a pair to the name Kraken uses on its websocket.
func krakenName(p Pair) string {
	base := strings.ToUpper(p.Base)
	if base == "BTC" {
		base = "XBT"
	}
	return base + "/" + strings.ToUpper(p.Quote)
}

// StartStream subscribes to the ticker channel of every pair.
func (k *KrakenClient) StartStream(ctx context.Context, priceChan chan<- model.PriceTick, pairs []Pair) error {
	if len(pairs) == 0 {
		return fmt.Errorf("kraken: no pairs to stream")
	}
	byName := make(map[string]Pair, len(pairs))
	sub := krakenSubscription{Event: "subscribe"}
	sub.Subscription.Name = "ticker"
	for _, p := range pairs {
		name := krakenName(p)
		byName[name] = p
		sub.Pair = append(sub.Pair, name)
	}

	loop := &streamLoop{name: "KrakenClient", logger: k.logger, dialer: k.dialer, onDisconnect: k.onDisconnect}
	return loop.run(ctx,
		func(context.Context) (string, error) { return k.wsURL, nil },
		func(c *websocket.Conn) error {
			if err := c.WriteJSON(sub); err != nil {
				return fmt.Errorf("send subscription: %w", err)
			}
			k.logger.Info("KrakenClient: subscription sent successfully")
			return nil
		},
		func(ctx context.Context, msg []byte) error {
			tick, ok := k.parseTicker(msg, byName)
			if !ok {
				return nil
			}
			select {
			case priceChan <- tick:
				k.logger.Debug("KrakenClient: sent price tick", "symbol", tick.Symbol, "bid", tick.Bid, "ask", tick.Ask)
			case <-ctx.Done():
			}
			return nil
		})
}

func (k *KrakenClient) parseTicker(msg []byte, byName map[string]Pair) (model.PriceTick, bool) {
	trimmed := strings.TrimSpace(string(msg))
	if strings.HasPrefix(trimmed, "{") {
		var ev krakenEvent
		if err := json.Unmarshal(msg, &ev); err == nil && ev.Event == "subscriptionStatus" {
			if ev.Status == "error" {
				k.logger.Warn("KrakenClient: subscription rejected", "pair", ev.Pair, "error", ev.ErrorMessage)
			} else {
				k.logger.Info("KrakenClient: subscription confirmed", "pair", ev.Pair)
			}
		}
		return model.PriceTick{}, false
	}

	// ticker data arrives as [channelID, tickerData, channelName, pair]
	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil || len(frame) < 4 {
		k.logger.Warn("KrakenClient: failed to parse message", "error", err)
		return model.PriceTick{}, false
	}
	var name string
	if err := json.Unmarshal(frame[len(frame)-1], &name); err != nil {
		return model.PriceTick{}, false
	}
	pair, ok := byName[name]
	if !ok {
		return model.PriceTick{}, false
	}
	var t krakenTicker
	if err := json.Unmarshal(frame[1], &t); err != nil || len(t.Ask) == 0 || len(t.Bid) == 0 {
		return model.PriceTick{}, false
	}
	bid, err := levelPrice(t.Bid[0])
	if err != nil {
		k.logger.Warn("KrakenClient: failed to parse bid price", "error", err)
		return model.PriceTick{}, false
	}
	ask, err := levelPrice(t.Ask[0])
	if err != nil {
		k.logger.Warn("KrakenClient: failed to parse ask price", "error", err)
		return model.PriceTick{}, false
	}
	return model.PriceTick{
		Exchange: k.GetName(),
		Pair:     pair.String(),
		Symbol:   pair.Base,
		Bid:      bid,
		Ask:      ask,
		Time:     k.now(),
	}, true
}

func levelPrice(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}
