// Package dbmock provides a testify double of database.Repository.
package dbmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"settler/internal/database"
	"settler/internal/model"
)

type MockRepository struct {
	mock.Mock
}

var _ database.Repository = (*MockRepository)(nil)

func (m *MockRepository) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) GetSwap(ctx context.Context, txHash string) (*model.SwapRecord, error) {
	args := m.Called(ctx, txHash)
	rec, _ := args.Get(0).(*model.SwapRecord)
	return rec, args.Error(1)
}

func (m *MockRepository) InsertSwap(ctx context.Context, rec *model.SwapRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRepository) UpdateSwap(ctx context.Context, rec *model.SwapRecord, expected model.SwapStatus) error {
	args := m.Called(ctx, rec, expected)
	return args.Error(0)
}

func (m *MockRepository) ListSwaps(ctx context.Context, filter database.SwapFilter) ([]*model.SwapRecord, error) {
	args := m.Called(ctx, filter)
	recs, _ := args.Get(0).([]*model.SwapRecord)
	return recs, args.Error(1)
}

func (m *MockRepository) ListSwapsByAddress(ctx context.Context, from string) ([]*model.SwapRecord, error) {
	args := m.Called(ctx, from)
	recs, _ := args.Get(0).([]*model.SwapRecord)
	return recs, args.Error(1)
}

func (m *MockRepository) ScanStart(ctx context.Context, currency string, floor uint64) (uint64, error) {
	args := m.Called(ctx, currency, floor)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockRepository) MarkExchanging(ctx context.Context, ids []int64) (int, error) {
	args := m.Called(ctx, ids)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) CompleteExchange(ctx context.Context, results []model.ExchangeResult) error {
	args := m.Called(ctx, results)
	return args.Error(0)
}

func (m *MockRepository) SaveTradeFill(ctx context.Context, fill *model.TradeFill) error {
	args := m.Called(ctx, fill)
	return args.Error(0)
}

func (m *MockRepository) FindTradeFill(ctx context.Context, clientOrderID string) (*model.TradeFill, error) {
	args := m.Called(ctx, clientOrderID)
	fill, _ := args.Get(0).(*model.TradeFill)
	return fill, args.Error(1)
}

func (m *MockRepository) SaveClearing(ctx context.Context, c *model.Clearing) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockRepository) SaveQuote(ctx context.Context, q *model.PendingQuote) error {
	args := m.Called(ctx, q)
	return args.Error(0)
}

func (m *MockRepository) FindQuote(ctx context.Context, txHash, from, currency string) (*model.PendingQuote, error) {
	args := m.Called(ctx, txHash, from, currency)
	q, _ := args.Get(0).(*model.PendingQuote)
	return q, args.Error(1)
}

func (m *MockRepository) BindQuote(ctx context.Context, quoteID int64, txHash string) error {
	args := m.Called(ctx, quoteID, txHash)
	return args.Error(0)
}
