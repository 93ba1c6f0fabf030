package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"settler/internal/model"
)

// Pair is a tradable market, e.g. ETH quoted in USDT.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// ExchangeClient defines the standard interface for all exchange market data clients.
type ExchangeClient interface {
	GetName() string
	// StartStream pushes best bid/ask ticks for pairs until ctx is cancelled, reconnecting on failure.
	StartStream(ctx context.Context, priceChan chan<- model.PriceTick, pairs []Pair) error
}

// Trader places and inspects market orders.
type Trader interface {
	// PlaceMarketOrder sells amount of the base asset, or buys with amount of the quote asset.
	PlaceMarketOrder(ctx context.Context, pair Pair, side model.OrderSide, amount decimal.Decimal, clientOrderID string) (string, error)
	GetOrder(ctx context.Context, pair Pair, orderID string) (*model.TradeFill, error)
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// AccountEvent is a push from the private account stream. Exactly one field is set.
type AccountEvent struct {
	Execution *model.Clearing
	Balances  map[string]decimal.Decimal
}

// AccountStreamer streams private executions and balance changes.
type AccountStreamer interface {
	StartUserStream(ctx context.Context, events chan<- AccountEvent) error
}

// DisconnectNotifier is implemented by clients that report dropped streams.
type DisconnectNotifier interface {
	OnDisconnect(fn func(stream string, err error))
}
