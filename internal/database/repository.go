package database

import (
	"context"
	"errors"

	"settler/internal/model"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a unique key already exists.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrStaleStatus is returned when a conditional update finds the record no longer in the expected status.
	ErrStaleStatus = errors.New("stale status")
)

// SwapFilter selects swap records by status axes. Empty slices match everything.
type SwapFilter struct {
	Statuses         []model.SwapStatus
	ExchangeStatuses []model.ExchangeStatus
	// AwaitingConversion restricts to records with no converted amount yet.
	AwaitingConversion bool
	// Converted restricts to records that already carry a converted amount.
	Converted bool
}

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error

	GetSwap(ctx context.Context, txHash string) (*model.SwapRecord, error)
	InsertSwap(ctx context.Context, rec *model.SwapRecord) error
	// UpdateSwap writes the deposit, scan and delivery columns of rec, only if its stored status is still expected.
	// The reconciliation columns are never touched.
	UpdateSwap(ctx context.Context, rec *model.SwapRecord, expected model.SwapStatus) error
	ListSwaps(ctx context.Context, filter SwapFilter) ([]*model.SwapRecord, error)
	ListSwapsByAddress(ctx context.Context, from string) ([]*model.SwapRecord, error)
	// ScanStart returns the first block the deposit scanner must read for currency: the lowest block still
	// confirming, else the highest block seen (re-read so a partly stored block is finished), never below floor.
	ScanStart(ctx context.Context, currency string, floor uint64) (uint64, error)

	// MarkExchanging atomically moves the given records to EXCHANGING and returns how many moved.
	MarkExchanging(ctx context.Context, ids []int64) (int, error)
	// CompleteExchange writes reconciliation results and marks the records EXCHANGED in one transaction.
	CompleteExchange(ctx context.Context, results []model.ExchangeResult) error

	SaveTradeFill(ctx context.Context, fill *model.TradeFill) error
	// FindTradeFill returns the order placed under clientOrderID, so an interrupted round resumes it.
	FindTradeFill(ctx context.Context, clientOrderID string) (*model.TradeFill, error)
	SaveClearing(ctx context.Context, c *model.Clearing) error

	SaveQuote(ctx context.Context, q *model.PendingQuote) error
	// FindQuote returns the quote bound to txHash, or else the newest open quote for (from, currency).
	FindQuote(ctx context.Context, txHash, from, currency string) (*model.PendingQuote, error)
	BindQuote(ctx context.Context, quoteID int64, txHash string) error
}
