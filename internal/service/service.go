// Package service exposes the read and registration operations that outer controllers build on:
// quote registration, per-address swap history, current rates and the public configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"settler/internal/cache"
	"settler/internal/config"
	"settler/internal/database"
	"settler/internal/model"
)

// ErrQuoteRejected wraps every reason a quote registration is refused.
var ErrQuoteRejected = errors.New("quote rejected")

const rateDecimals = 6

// QuoteRequest is a user's acknowledgement of the amount they expect for a deposit.
type QuoteRequest struct {
	// TxHash is optional: quotes may be registered before the deposit is broadcast.
	TxHash       string
	From         string
	Currency     string
	TokenAmount  *big.Int
	OutputAmount *big.Int
}

// SwapView is the public projection of a swap record. Amounts are in whole units.
type SwapView struct {
	TxHash          string          `json:"txHash"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	OutputAmount    decimal.Decimal `json:"outputAmount"`
	DeliveredAmount decimal.Decimal `json:"deliveredAmount"`
	DeliveryTxHash  string          `json:"deliveryTxHash,omitempty"`
	Confirmations   uint64          `json:"confirmations"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Rate is a displayed price in the settlement currency.
type Rate struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// ConfigView is the configuration a client needs to build a deposit.
type ConfigView struct {
	SupportedCurrencies []string        `json:"supportedCurrencies"`
	FeeRate             decimal.Decimal `json:"feeRate"`
	DepositAddress      string          `json:"depositAddress"`
	AmountTiers         []int64         `json:"amountTiers"`
	OutputSymbol        string          `json:"outputSymbol"`
}

// SwapService holds the logic for the operations exposed to controllers.
type SwapService struct {
	logger *slog.Logger
	repo   database.Repository
	prices cache.PriceCache
	cfg    config.SwapConfig
	output config.OutputConfig
}

// NewSwapService creates a new instance of the SwapService.
func NewSwapService(logger *slog.Logger, repo database.Repository, prices cache.PriceCache, cfg config.SwapConfig, output config.OutputConfig) *SwapService {
	return &SwapService{logger: logger, repo: repo, prices: prices, cfg: cfg, output: output}
}

// RegisterQuote stores a quote. When the deposit hash is known and no record exists yet, a CONFIRMING
// record carrying the quoted output is created so the scanner settles against it.
func (s *SwapService) RegisterQuote(ctx context.Context, req QuoteRequest) error {
	if err := s.validate(&req); err != nil {
		return err
	}

	var existing *model.SwapRecord
	if req.TxHash != "" {
		rec, err := s.repo.GetSwap(ctx, req.TxHash)
		switch {
		case errors.Is(err, database.ErrNotFound):
		case err != nil:
			return fmt.Errorf("lookup swap: %w", err)
		case rec.Status != model.StatusConfirming:
			return fmt.Errorf("%w: deposit %s is already %s", ErrQuoteRejected, req.TxHash, rec.Status)
		case rec.Block != 0 && !strings.EqualFold(rec.Currency, req.Currency):
			return fmt.Errorf("%w: deposit %s is %s, not %s", ErrQuoteRejected, req.TxHash, rec.Currency, req.Currency)
		default:
			existing = rec
		}
	}

	quote := &model.PendingQuote{
		TxHash:       req.TxHash,
		From:         req.From,
		Currency:     req.Currency,
		TokenAmount:  req.TokenAmount,
		OutputAmount: req.OutputAmount,
		Status:       model.QuoteOpen,
	}
	err := s.repo.SaveQuote(ctx, quote)
	if errors.Is(err, database.ErrDuplicateKey) {
		s.logger.Info("SwapService: quote already registered", "txHash", req.TxHash)
		return nil
	}
	if err != nil {
		return fmt.Errorf("save quote: %w", err)
	}
	s.logger.Info("SwapService: quote registered", "quoteId", quote.ID, "txHash", req.TxHash, "from", req.From,
		"currency", req.Currency, "outputAmount", req.OutputAmount)

	if req.TxHash == "" {
		return nil
	}
	if existing != nil {
		return s.attachQuote(ctx, existing, req.OutputAmount)
	}
	rec := &model.SwapRecord{
		TxHash:       req.TxHash,
		From:         req.From,
		Currency:     req.Currency,
		Amount:       req.TokenAmount,
		OutputAmount: req.OutputAmount,
		Status:       model.StatusConfirming,
	}
	err = s.repo.InsertSwap(ctx, rec)
	if errors.Is(err, database.ErrDuplicateKey) {
		// the scanner saw the deposit meanwhile; it reads the quote from the store
		return nil
	}
	if err != nil {
		return fmt.Errorf("create swap record: %w", err)
	}
	return nil
}

// attachQuote records the quoted output on a record the scanner created before the quote arrived.
func (s *SwapService) attachQuote(ctx context.Context, rec *model.SwapRecord, output *big.Int) error {
	if rec.OutputAmount != nil {
		return nil
	}
	rec.OutputAmount = output
	err := s.repo.UpdateSwap(ctx, rec, model.StatusConfirming)
	if errors.Is(err, database.ErrStaleStatus) {
		s.logger.Info("SwapService: record settled before quote attached", "txHash", rec.TxHash)
		return nil
	}
	return err
}

func (s *SwapService) validate(req *QuoteRequest) error {
	token, ok := s.cfg.Token(req.Currency)
	if !ok {
		return fmt.Errorf("%w: unsupported currency %q", ErrQuoteRejected, req.Currency)
	}
	req.Currency = strings.ToUpper(token.Symbol)

	if !common.IsHexAddress(req.From) {
		return fmt.Errorf("%w: invalid sender address %q", ErrQuoteRejected, req.From)
	}
	req.From = strings.ToLower(req.From)

	if req.TxHash != "" {
		if b, err := hexutil.Decode(req.TxHash); err != nil || len(b) != common.HashLength {
			return fmt.Errorf("%w: invalid transaction hash %q", ErrQuoteRejected, req.TxHash)
		}
		req.TxHash = strings.ToLower(req.TxHash)
	}

	if req.TokenAmount == nil || req.TokenAmount.Sign() <= 0 {
		return fmt.Errorf("%w: token amount must be positive", ErrQuoteRejected)
	}
	if req.OutputAmount == nil || req.OutputAmount.Sign() <= 0 {
		return fmt.Errorf("%w: output amount must be positive", ErrQuoteRejected)
	}
	return nil
}

// ListSwapsFor returns the swap history of a sender, newest first.
func (s *SwapService) ListSwapsFor(ctx context.Context, address string) ([]SwapView, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	recs, err := s.repo.ListSwapsByAddress(ctx, strings.ToLower(address))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ID > recs[j].ID })

	views := make([]SwapView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, s.view(rec))
	}
	return views, nil
}

func (s *SwapService) view(rec *model.SwapRecord) SwapView {
	var srcDecimals int32
	if token, ok := s.cfg.Token(rec.Currency); ok {
		srcDecimals = token.Decimals
	}
	target := rec.DeliveryTarget()
	if target == nil {
		target = rec.OutputAmount
	}
	return SwapView{
		TxHash:          rec.TxHash,
		Currency:        rec.Currency,
		Amount:          units(rec.Amount, srcDecimals),
		Fee:             units(rec.SwapFee, srcDecimals),
		OutputAmount:    units(target, s.output.Decimals),
		DeliveredAmount: units(rec.DeliveredAmount, s.output.Decimals),
		DeliveryTxHash:  rec.DeliveryTxHash,
		Confirmations:   rec.Confirmations,
		Status:          rec.Status.String(),
		CreatedAt:       rec.CreatedAt,
	}
}

func units(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// CurrentRates returns the cached price of every deposit currency and of the output asset.
// The output price is marked up by the swap fee so it reads as the effective rate a user gets.
// Symbols without a cached price are left out.
func (s *SwapService) CurrentRates(ctx context.Context) ([]Rate, error) {
	rates := make([]Rate, 0, len(s.cfg.Tokens)+1)
	for _, t := range s.cfg.Tokens {
		p, ok, err := s.price(ctx, t.Symbol)
		if err != nil {
			return nil, err
		}
		if ok {
			rates = append(rates, Rate{Symbol: strings.ToUpper(t.Symbol), Price: p.Round(rateDecimals)})
		}
	}

	p, ok, err := s.price(ctx, s.output.Symbol)
	if err != nil {
		return nil, err
	}
	if ok {
		keep := decimal.NewFromInt(1).Sub(s.feeRate())
		rates = append(rates, Rate{Symbol: strings.ToUpper(s.output.Symbol), Price: p.Div(keep).Round(rateDecimals)})
	}
	return rates, nil
}

func (s *SwapService) price(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	p, err := s.prices.GetPrice(ctx, symbol)
	if errors.Is(err, cache.ErrMiss) {
		s.logger.Debug("SwapService: no cached price", "symbol", symbol)
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("price %s: %w", symbol, err)
	}
	return p.Price, true, nil
}

func (s *SwapService) feeRate() decimal.Decimal {
	return decimal.New(s.cfg.FeeRateBps, -4)
}

// Config returns the public swap configuration.
func (s *SwapService) Config() ConfigView {
	currencies := make([]string, 0, len(s.cfg.Tokens))
	for _, t := range s.cfg.Tokens {
		currencies = append(currencies, strings.ToUpper(t.Symbol))
	}
	tiers := make([]int64, len(s.cfg.AmountTiers))
	copy(tiers, s.cfg.AmountTiers)
	return ConfigView{
		SupportedCurrencies: currencies,
		FeeRate:             s.feeRate(),
		DepositAddress:      s.cfg.DepositAddress,
		AmountTiers:         tiers,
		OutputSymbol:        strings.ToUpper(s.output.Symbol),
	}
}
