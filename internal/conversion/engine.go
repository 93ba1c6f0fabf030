// Package conversion turns a deposited token amount into the equivalent
// output-asset amount at cached market prices.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"settler/internal/cache"
	"settler/internal/config"
	"settler/internal/swap"
)

// priceScale is the minimum number of decimal places prices are fixed to before integer arithmetic.
const priceScale = 8

const bpsBase = 10000

// Result is the outcome of one conversion.
type Result struct {
	OutputAmount *big.Int
	Fee          *big.Int
	SourcePrice  decimal.Decimal
	OutputPrice  decimal.Decimal
}

// Engine reads prices from the cache and applies Compute.
type Engine struct {
	prices  cache.PriceCache
	tokens  []config.Token
	output  config.Token
	feeBps  int64
	maxAge  time.Duration
	nowFunc func() time.Time
}

// NewEngine creates a conversion engine. maxAge <= 0 disables the staleness check.
func NewEngine(prices cache.PriceCache, tokens []config.Token, output config.Token, feeBps int64, maxAge time.Duration) *Engine {
	return &Engine{
		prices:  prices,
		tokens:  tokens,
		output:  output,
		feeBps:  feeBps,
		maxAge:  maxAge,
		nowFunc: time.Now,
	}
}

// Convert computes the output amount for rawAmount of currency. A missing or stale
// price yields swap.ErrPriceUnavailable, which callers treat as retryable.
func (e *Engine) Convert(ctx context.Context, currency string, rawAmount *big.Int) (Result, error) {
	token, ok := e.token(currency)
	if !ok {
		return Result{}, fmt.Errorf("unsupported currency %s", currency)
	}
	srcPrice, err := e.price(ctx, token.Symbol)
	if err != nil {
		return Result{}, err
	}
	outPrice, err := e.price(ctx, e.output.Symbol)
	if err != nil {
		return Result{}, err
	}
	out, fee, err := Compute(rawAmount, token.Decimals, e.output.Decimals, srcPrice, outPrice, e.feeBps)
	if err != nil {
		return Result{}, err
	}
	return Result{OutputAmount: out, Fee: fee, SourcePrice: srcPrice, OutputPrice: outPrice}, nil
}

func (e *Engine) token(symbol string) (config.Token, bool) {
	for _, t := range e.tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return config.Token{}, false
}

func (e *Engine) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := e.prices.GetPrice(ctx, symbol)
	if errors.Is(err, cache.ErrMiss) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s not cached", swap.ErrPriceUnavailable, symbol)
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", swap.ErrPriceUnavailable, symbol, err)
	}
	if e.maxAge > 0 && e.nowFunc().Sub(p.Time) > e.maxAge {
		return decimal.Decimal{}, fmt.Errorf("%w: %s price is %s old", swap.ErrPriceUnavailable, symbol, e.nowFunc().Sub(p.Time).Truncate(time.Second))
	}
	if !p.Price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s price %s", swap.ErrPriceUnavailable, symbol, p.Price)
	}
	return p.Price, nil
}

// Compute applies the fee and converts between assets:
//
//	fee = amount * feeBps / 10000
//	out = (amount - fee) * srcPrice * 10^outDecimals / (outPrice * 10^srcDecimals)
//
// Both prices are fixed to a shared scale of at least priceScale decimals, wide enough to hold
// every digit either carries; every step is integer arithmetic and the single division truncates toward zero.
func Compute(amount *big.Int, srcDecimals, outDecimals int32, srcPrice, outPrice decimal.Decimal, feeBps int64) (out, fee *big.Int, err error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, fmt.Errorf("invalid amount %v", amount)
	}
	if feeBps < 0 || feeBps >= bpsBase {
		return nil, nil, fmt.Errorf("invalid fee rate %d bps", feeBps)
	}
	scale := max(priceScale, -srcPrice.Exponent(), -outPrice.Exponent())
	src := fixedPrice(srcPrice, scale)
	dst := fixedPrice(outPrice, scale)
	if dst.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: output price %s", swap.ErrPriceUnavailable, outPrice)
	}
	if src.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: source price %s", swap.ErrPriceUnavailable, srcPrice)
	}

	fee = new(big.Int).Mul(amount, big.NewInt(feeBps))
	fee.Quo(fee, big.NewInt(bpsBase))

	num := new(big.Int).Sub(amount, fee)
	num.Mul(num, src)
	num.Mul(num, pow10(outDecimals))

	den := new(big.Int).Mul(dst, pow10(srcDecimals))

	out = num.Quo(num, den)
	return out, fee, nil
}

func fixedPrice(p decimal.Decimal, scale int32) *big.Int {
	return p.Shift(scale).BigInt()
}

func pow10(n int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
