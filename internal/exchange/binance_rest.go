package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"settler/internal/model"
	"settler/internal/swap"
)

// APIError is a rejection reported by the exchange.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d (http %d): %s", e.Code, e.Status, e.Msg)
}

type binanceOrderAck struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

type binanceOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

type binanceTrade struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

type binanceAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// PlaceMarketOrder places a MARKET order. Sells spend amount of the base asset, buys spend amount of the quote asset.
func (b *BinanceClient) PlaceMarketOrder(ctx context.Context, pair Pair, side model.OrderSide, amount decimal.Decimal, clientOrderID string) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("binance: non-positive order amount %s", amount)
	}
	params := map[string]string{
		"symbol":           binanceSymbol(pair),
		"side":             string(side),
		"type":             "MARKET",
		"newClientOrderId": clientOrderID,
		"newOrderRespType": "ACK",
	}
	switch side {
	case model.SideSell:
		params["quantity"] = amount.String()
	case model.SideBuy:
		params["quoteOrderQty"] = amount.String()
	default:
		return "", fmt.Errorf("binance: unknown side %q", side)
	}
	var ack binanceOrderAck
	if err := b.send(ctx, http.MethodPost, "/api/v3/order", params, true, &ack); err != nil {
		return "", fmt.Errorf("place %s %s: %w", side, pair, err)
	}
	b.logger.Info("BinanceClient: placed market order", "symbol", params["symbol"], "side", side, "amount", amount, "orderId", ack.OrderID)
	return strconv.FormatInt(ack.OrderID, 10), nil
}

// GetOrder returns the order state with fees summed over its trades.
func (b *BinanceClient) GetOrder(ctx context.Context, pair Pair, orderID string) (*model.TradeFill, error) {
	symbol := binanceSymbol(pair)
	var o binanceOrder
	if err := b.send(ctx, http.MethodGet, "/api/v3/order", map[string]string{"symbol": symbol, "orderId": orderID}, true, &o); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	fill := &model.TradeFill{
		OrderID:          strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:    o.ClientOrderID,
		Symbol:           o.Symbol,
		Side:             model.OrderSide(o.Side),
		Amount:           parseDecimal(o.OrigQty),
		FilledAmount:     parseDecimal(o.ExecutedQty),
		FilledCashAmount: parseDecimal(o.CummulativeQuoteQty),
		State:            model.OrderState(o.Status),
		CreatedAt:        time.UnixMilli(o.Time).UTC(),
	}
	if !fill.State.Finished() {
		return fill, nil
	}
	fill.FinishedAt = time.UnixMilli(o.UpdateTime).UTC()

	var trades []binanceTrade
	if err := b.send(ctx, http.MethodGet, "/api/v3/myTrades", map[string]string{"symbol": symbol, "orderId": orderID}, true, &trades); err != nil {
		return nil, fmt.Errorf("get trades of order %s: %w", orderID, err)
	}
	for _, t := range trades {
		fill.Fees = fill.Fees.Add(parseDecimal(t.Commission))
		if fill.FeeAsset == "" {
			fill.FeeAsset = t.CommissionAsset
		}
	}
	return fill, nil
}

// Balances returns the free balance per asset.
func (b *BinanceClient) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var acct binanceAccount
	if err := b.send(ctx, http.MethodGet, "/api/v3/account", nil, true, &acct); err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(acct.Balances))
	for _, bal := range acct.Balances {
		out[strings.ToUpper(bal.Asset)] = parseDecimal(bal.Free)
	}
	return out, nil
}

// send performs one throttled REST call. Transport errors and 5xx map to swap.ErrExternalServiceUnavailable.
func (b *BinanceClient) send(ctx context.Context, method, path string, params map[string]string, signed bool, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	query := encodeParams(params)
	if signed {
		ts := "timestamp=" + strconv.FormatInt(b.now().UnixMilli(), 10) + "&recvWindow=5000"
		if query == "" {
			query = ts
		} else {
			query += "&" + ts
		}
		query += "&signature=" + b.sign(query)
	}
	target := b.restURL + path
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrExternalServiceUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrExternalServiceUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: binance http %d", swap.ErrExternalServiceUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil {
			apiErr.Msg = string(body)
		}
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// encodeParams renders params in key order so the signature is reproducible.
func encodeParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	return sb.String()
}

// IsRejected reports whether err is an exchange-side rejection rather than an outage.
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
