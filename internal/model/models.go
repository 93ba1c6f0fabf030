package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick represents a single bid/ask update from an exchange.
type PriceTick struct {
	Exchange string
	Pair     string
	Symbol   string
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Time     time.Time
}

// SwapStatus is the delivery axis of a swap record.
type SwapStatus int

const (
	StatusConfirming SwapStatus = iota + 1
	StatusConfirmed
	StatusDelivering
	StatusDelivered
	StatusIgnored
)

var swapStatusString = map[SwapStatus]string{
	StatusConfirming: "CONFIRMING",
	StatusConfirmed:  "CONFIRMED",
	StatusDelivering: "DELIVERING",
	StatusDelivered:  "DELIVERED",
	StatusIgnored:    "IGNORED",
}

func (s SwapStatus) String() string {
	if v, ok := swapStatusString[s]; ok {
		return v
	}
	return "UNKNOWN"
}

// ExchangeStatus is the reconciliation axis of a swap record.
type ExchangeStatus int

const (
	ExchangeNone ExchangeStatus = iota
	ExchangeExchanging
	ExchangeExchanged
)

var exchangeStatusString = map[ExchangeStatus]string{
	ExchangeNone:       "NOT_EXCHANGE",
	ExchangeExchanging: "EXCHANGING",
	ExchangeExchanged:  "EXCHANGED",
}

func (s ExchangeStatus) String() string {
	if v, ok := exchangeStatusString[s]; ok {
		return v
	}
	return "UNKNOWN"
}

// SwapRecord is the durable audit trail of one deposit, keyed by its transaction hash.
type SwapRecord struct {
	ID            int64
	TxHash        string
	Block         uint64
	From          string
	To            string
	Currency      string
	Amount        *big.Int
	SwapFee       *big.Int
	Confirmations uint64

	CurrencyPrice   decimal.Decimal
	OutputPrice     decimal.Decimal
	OutputAmount    *big.Int // quoted by the user
	ConvertedAmount *big.Int // computed at confirmation

	DeliveredAmount *big.Int
	DeliveryFee     *big.Int
	DeliveryTxHash  string
	Status          SwapStatus

	ExchangeStatus   ExchangeStatus
	SellOrderID      string
	BuyOrderID       string
	AvgCurrencyPrice decimal.Decimal
	AvgOutputPrice   decimal.Decimal
	ExchangedAmount  *big.Int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryTarget is the amount owed to the depositor: the quote, capped by what the deposit converted to.
func (r *SwapRecord) DeliveryTarget() *big.Int {
	if r.ConvertedAmount == nil {
		return nil
	}
	if r.OutputAmount == nil || r.OutputAmount.Cmp(r.ConvertedAmount) > 0 {
		return new(big.Int).Set(r.ConvertedAmount)
	}
	return new(big.Int).Set(r.OutputAmount)
}

// ExchangeResult carries the reconciliation fields written back to one swap record.
type ExchangeResult struct {
	SwapID           int64
	SellOrderID      string
	BuyOrderID       string
	AvgCurrencyPrice decimal.Decimal
	AvgOutputPrice   decimal.Decimal
	ExchangedAmount  *big.Int
}

// QuoteStatus tracks whether a registered quote has been matched to a deposit.
type QuoteStatus int

const (
	QuoteOpen QuoteStatus = iota + 1
	QuoteBound
)

// PendingQuote is a user's acknowledgement of a swap before the deposit confirms.
type PendingQuote struct {
	ID           int64
	TxHash       string
	From         string
	Currency     string
	TokenAmount  *big.Int
	OutputAmount *big.Int
	Status       QuoteStatus
	CreatedAt    time.Time
}

// OrderSide is the direction of an exchange order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderState mirrors the exchange's order lifecycle.
type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
	OrderExpired         OrderState = "EXPIRED"
)

// Finished reports whether the order can no longer change.
func (s OrderState) Finished() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// TradeFill is the executed result of one market order.
type TradeFill struct {
	OrderID          string
	ClientOrderID    string
	Symbol           string
	Side             OrderSide
	Amount           decimal.Decimal
	FilledAmount     decimal.Decimal
	FilledCashAmount decimal.Decimal
	Fees             decimal.Decimal
	FeeAsset         string
	State            OrderState
	CreatedAt        time.Time
	FinishedAt       time.Time
}

// Clearing is a single trade execution pushed by the exchange account stream.
type Clearing struct {
	OrderID     string
	TradeID     string
	Symbol      string
	Side        OrderSide
	TradePrice  decimal.Decimal
	TradeVolume decimal.Decimal
	Fee         decimal.Decimal
	FeeAsset    string
	TradeTime   time.Time
}

// OutPoint references a transaction output on the delivery chain.
type OutPoint struct {
	TxHash string
	Index  uint32
}

// UnspentInput is a spendable funding cell owned by the custodial lock.
type UnspentInput struct {
	ID       uint64
	OutPoint OutPoint
	Capacity uint64
	LockHash string
}
