package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"settler/internal/cache"
	"settler/internal/config"
	"settler/internal/database"
	"settler/internal/database/dbmock"
	"settler/internal/model"
)

const (
	sender = "0x52908400098527886E0F7030069857D2E4169EE7"
	txHash = "0x9fc76417374aa880d4449a1f7f31ec597f00b1f6f3dd2d66f4c9c6c445836d8b"
)

func newService(repo database.Repository, prices cache.PriceCache) *SwapService {
	cfg := config.SwapConfig{
		DepositAddress: "0xdeposit",
		FeeRateBps:     100,
		AmountTiers:    []int64{200, 500},
		Tokens: []config.Token{
			{Symbol: "ETH", Decimals: 18},
			{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
		},
	}
	output := config.OutputConfig{Symbol: "CKB", Decimals: 8}
	return NewSwapService(slog.New(slog.NewTextHandler(io.Discard, nil)), repo, prices, cfg, output)
}

func quote(hash string) QuoteRequest {
	return QuoteRequest{
		TxHash:       hash,
		From:         sender,
		Currency:     "eth",
		TokenAmount:  big.NewInt(1e18),
		OutputAmount: big.NewInt(99000000000),
	}
}

func TestRegisterQuote_Validation(t *testing.T) {
	svc := newService(new(dbmock.MockRepository), cache.NewMemoryCache())
	ctx := context.Background()

	cases := map[string]func(*QuoteRequest){
		"unsupported currency": func(q *QuoteRequest) { q.Currency = "DOGE" },
		"bad sender":           func(q *QuoteRequest) { q.From = "0x1234" },
		"short hash":           func(q *QuoteRequest) { q.TxHash = "0xabc" },
		"hash without prefix":  func(q *QuoteRequest) { q.TxHash = txHash[2:] + "00" },
		"non-hex hash":         func(q *QuoteRequest) { q.TxHash = "0x" + string(make([]byte, 64)) },
		"zero token amount":    func(q *QuoteRequest) { q.TokenAmount = big.NewInt(0) },
		"missing output":       func(q *QuoteRequest) { q.OutputAmount = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			q := quote(txHash)
			mutate(&q)
			assert.ErrorIs(t, svc.RegisterQuote(ctx, q), ErrQuoteRejected)
		})
	}
}

func TestRegisterQuote_PrecreatesRecord(t *testing.T) {
	repo := new(dbmock.MockRepository)
	svc := newService(repo, cache.NewMemoryCache())
	ctx := context.Background()

	repo.On("GetSwap", ctx, txHash).Return(nil, database.ErrNotFound)
	repo.On("SaveQuote", ctx, mock.MatchedBy(func(q *model.PendingQuote) bool {
		return q.TxHash == txHash && q.From == "0x52908400098527886e0f7030069857d2e4169ee7" &&
			q.Currency == "ETH" && q.Status == model.QuoteOpen
	})).Return(nil)
	repo.On("InsertSwap", ctx, mock.MatchedBy(func(r *model.SwapRecord) bool {
		return r.Status == model.StatusConfirming && r.OutputAmount.Cmp(big.NewInt(99000000000)) == 0 &&
			r.Amount.Cmp(big.NewInt(1e18)) == 0
	})).Return(nil)

	require.NoError(t, svc.RegisterQuote(ctx, quote(txHash)))
	repo.AssertExpectations(t)
}

func TestRegisterQuote_WithoutHashOnlySavesQuote(t *testing.T) {
	repo := new(dbmock.MockRepository)
	svc := newService(repo, cache.NewMemoryCache())
	ctx := context.Background()

	repo.On("SaveQuote", ctx, mock.AnythingOfType("*model.PendingQuote")).Return(nil)

	require.NoError(t, svc.RegisterQuote(ctx, quote("")))
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "GetSwap", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "InsertSwap", mock.Anything, mock.Anything)
}

func TestRegisterQuote_RejectsSettledDeposit(t *testing.T) {
	for _, status := range []model.SwapStatus{model.StatusConfirmed, model.StatusDelivered, model.StatusIgnored} {
		t.Run(status.String(), func(t *testing.T) {
			repo := new(dbmock.MockRepository)
			svc := newService(repo, cache.NewMemoryCache())
			ctx := context.Background()
			repo.On("GetSwap", ctx, txHash).Return(&model.SwapRecord{TxHash: txHash, Status: status}, nil)

			assert.ErrorIs(t, svc.RegisterQuote(ctx, quote(txHash)), ErrQuoteRejected)
			repo.AssertNotCalled(t, "SaveQuote", mock.Anything, mock.Anything)
		})
	}
}

func TestRegisterQuote_AttachesToConfirmingRecord(t *testing.T) {
	repo := new(dbmock.MockRepository)
	svc := newService(repo, cache.NewMemoryCache())
	ctx := context.Background()
	rec := &model.SwapRecord{TxHash: txHash, Block: 100, Currency: "ETH", Status: model.StatusConfirming}

	repo.On("GetSwap", ctx, txHash).Return(rec, nil)
	repo.On("SaveQuote", ctx, mock.Anything).Return(nil)
	repo.On("UpdateSwap", ctx, rec, model.StatusConfirming).Return(nil)

	require.NoError(t, svc.RegisterQuote(ctx, quote(txHash)))
	assert.Equal(t, big.NewInt(99000000000), rec.OutputAmount)
	repo.AssertNotCalled(t, "InsertSwap", mock.Anything, mock.Anything)
}

func TestRegisterQuote_RejectsCurrencyOfSeenDeposit(t *testing.T) {
	repo := new(dbmock.MockRepository)
	svc := newService(repo, cache.NewMemoryCache())
	ctx := context.Background()
	repo.On("GetSwap", ctx, txHash).Return(&model.SwapRecord{TxHash: txHash, Block: 100, Currency: "USDT",
		Status: model.StatusConfirming}, nil)

	assert.ErrorIs(t, svc.RegisterQuote(ctx, quote(txHash)), ErrQuoteRejected)
	repo.AssertNotCalled(t, "SaveQuote", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "UpdateSwap", mock.Anything, mock.Anything, mock.Anything)
}

func TestRegisterQuote_DuplicateIsAccepted(t *testing.T) {
	repo := new(dbmock.MockRepository)
	svc := newService(repo, cache.NewMemoryCache())
	ctx := context.Background()

	repo.On("GetSwap", ctx, txHash).Return(nil, database.ErrNotFound)
	repo.On("SaveQuote", ctx, mock.Anything).Return(database.ErrDuplicateKey)

	require.NoError(t, svc.RegisterQuote(ctx, quote(txHash)))
	repo.AssertNotCalled(t, "InsertSwap", mock.Anything, mock.Anything)
}

func TestRegisterQuote_StoreError(t *testing.T) {
	repo := new(dbmock.MockRepository)
	svc := newService(repo, cache.NewMemoryCache())
	ctx := context.Background()

	repo.On("GetSwap", ctx, txHash).Return(nil, errors.New("connection refused"))

	err := svc.RegisterQuote(ctx, quote(txHash))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuoteRejected)
}

func TestListSwapsFor(t *testing.T) {
	repo := new(dbmock.MockRepository)
	svc := newService(repo, cache.NewMemoryCache())
	ctx := context.Background()

	delivered := &model.SwapRecord{
		ID:              1,
		TxHash:          "0xaa",
		Currency:        "ETH",
		Amount:          big.NewInt(5e17),
		SwapFee:         big.NewInt(5e15),
		OutputAmount:    big.NewInt(600000000000),
		ConvertedAmount: big.NewInt(500000000000),
		DeliveredAmount: big.NewInt(500000000000),
		DeliveryTxHash:  "0xbb",
		Status:          model.StatusDelivered,
	}
	pending := &model.SwapRecord{
		ID:           2,
		TxHash:       "0xcc",
		Currency:     "USDT",
		Amount:       big.NewInt(250000000),
		OutputAmount: big.NewInt(1000000000000),
		Status:       model.StatusConfirming,
	}
	repo.On("ListSwapsByAddress", ctx, "0x52908400098527886e0f7030069857d2e4169ee7").
		Return([]*model.SwapRecord{delivered, pending}, nil)

	views, err := svc.ListSwapsFor(ctx, sender)
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, "0xcc", views[0].TxHash)
	assert.Equal(t, "CONFIRMING", views[0].Status)
	assert.True(t, decimal.NewFromInt(250).Equal(views[0].Amount))
	assert.True(t, decimal.NewFromInt(10000).Equal(views[0].OutputAmount))

	assert.Equal(t, "DELIVERED", views[1].Status)
	assert.True(t, decimal.RequireFromString("0.5").Equal(views[1].Amount))
	assert.True(t, decimal.RequireFromString("0.005").Equal(views[1].Fee))
	assert.True(t, decimal.NewFromInt(5000).Equal(views[1].OutputAmount), "capped by the converted amount")
	assert.True(t, decimal.NewFromInt(5000).Equal(views[1].DeliveredAmount))

	_, err = svc.ListSwapsFor(ctx, "not-an-address")
	assert.Error(t, err)
}

func TestCurrentRates(t *testing.T) {
	prices := cache.NewMemoryCache()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, prices.SetPrice(ctx, "ETH", cache.PricePoint{Price: decimal.RequireFromString("2000.1234567"), Time: now}))
	require.NoError(t, prices.SetPrice(ctx, "CKB", cache.PricePoint{Price: decimal.RequireFromString("0.0198"), Time: now}))

	rates, err := newService(new(dbmock.MockRepository), prices).CurrentRates(ctx)
	require.NoError(t, err)
	require.Len(t, rates, 2, "USDT has no cached price")

	assert.Equal(t, "ETH", rates[0].Symbol)
	assert.True(t, decimal.RequireFromString("2000.123457").Equal(rates[0].Price))
	assert.Equal(t, "CKB", rates[1].Symbol)
	// 0.0198 / 0.99
	assert.True(t, decimal.RequireFromString("0.02").Equal(rates[1].Price))
}

func TestConfig(t *testing.T) {
	view := newService(new(dbmock.MockRepository), cache.NewMemoryCache()).Config()

	assert.Equal(t, []string{"ETH", "USDT"}, view.SupportedCurrencies)
	assert.True(t, decimal.RequireFromString("0.01").Equal(view.FeeRate))
	assert.Equal(t, "0xdeposit", view.DepositAddress)
	assert.Equal(t, []int64{200, 500}, view.AmountTiers)
	assert.Equal(t, "CKB", view.OutputSymbol)
}
