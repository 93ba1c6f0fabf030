package feed

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"settler/internal/database"
	"settler/internal/exchange"
)

// Balances is the last known free balance per asset on the exchange.
type Balances struct {
	mu   sync.RWMutex
	free map[string]decimal.Decimal
}

func NewBalances() *Balances {
	return &Balances{free: make(map[string]decimal.Decimal)}
}

// Set merges a balance snapshot.
func (b *Balances) Set(update map[string]decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for asset, v := range update {
		b.free[strings.ToUpper(asset)] = v
	}
}

// Get reports the free balance of asset and whether it was ever seen.
func (b *Balances) Get(asset string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.free[strings.ToUpper(asset)]
	return v, ok
}

// AccountFeed persists executions and tracks balances pushed by the private stream.
type AccountFeed struct {
	logger   *slog.Logger
	streamer exchange.AccountStreamer
	repo     database.Repository
	balances *Balances
}

func NewAccountFeed(logger *slog.Logger, streamer exchange.AccountStreamer, repo database.Repository, balances *Balances) *AccountFeed {
	return &AccountFeed{logger: logger, streamer: streamer, repo: repo, balances: balances}
}

// Run consumes the account stream until ctx is cancelled.
func (a *AccountFeed) Run(ctx context.Context) error {
	events := make(chan exchange.AccountEvent, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.streamer.StartUserStream(ctx, events); err != nil {
			a.logger.Error("AccountFeed: stream stopped", "error", err)
		}
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			a.Process(ctx, ev)
		}
	}
}

// Process applies one account event.
func (a *AccountFeed) Process(ctx context.Context, ev exchange.AccountEvent) {
	if ev.Balances != nil {
		a.balances.Set(ev.Balances)
	}
	if c := ev.Execution; c != nil {
		err := a.repo.SaveClearing(ctx, c)
		switch {
		case errors.Is(err, database.ErrDuplicateKey):
			a.logger.Debug("AccountFeed: clearing already stored", "orderId", c.OrderID, "tradeId", c.TradeID)
		case err != nil:
			a.logger.Error("AccountFeed: failed to store clearing", "orderId", c.OrderID, "error", err)
		default:
			a.logger.Info("AccountFeed: clearing stored", "orderId", c.OrderID, "symbol", c.Symbol, "volume", c.TradeVolume)
		}
	}
}
