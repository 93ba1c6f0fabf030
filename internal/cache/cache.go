// Package cache holds the process-wide best-effort state shared between tasks:
// latest asset prices, the input-selection cursor per funding lock, and short-lived locks.
// Nothing stored here is a source of truth; the swap store is.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMiss is returned when a key has never been written.
var ErrMiss = errors.New("cache miss")

// PricePoint is a cached price with the time it was observed.
type PricePoint struct {
	Price decimal.Decimal `json:"price"`
	Time  time.Time       `json:"time"`
}

// PriceCache stores the latest price per symbol.
type PriceCache interface {
	GetPrice(ctx context.Context, symbol string) (PricePoint, error)
	SetPrice(ctx context.Context, symbol string, point PricePoint) error
}

// CursorStore stores the highest consumed input id per funding lock.
type CursorStore interface {
	GetCursor(ctx context.Context, lockHash string) (uint64, error)
	// AdvanceCursor stores id only if it is higher than the current value.
	AdvanceCursor(ctx context.Context, lockHash string, id uint64) error
	ResetCursor(ctx context.Context, lockHash string) error
}

// Locker acquires named locks with a bounded lifetime.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

func priceKey(symbol string) string {
	return "price:" + strings.ToUpper(symbol)
}

func cursorKey(lockHash string) string {
	return "unspent_lastId_" + lockHash
}

func lockKey(key string) string {
	return "lock:" + key
}
