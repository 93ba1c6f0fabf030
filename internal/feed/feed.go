package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"settler/internal/cache"
	"settler/internal/exchange"
	"settler/internal/metrics"
	"settler/internal/model"
	"settler/internal/notify"
)

// PriceFeed streams bid/ask from an exchange into the price cache.
// The output asset is priced at the ask, deposit currencies at the bid.
type PriceFeed struct {
	logger     *slog.Logger
	client     exchange.ExchangeClient
	prices     cache.PriceCache
	notifier   *notify.Notifier
	metrics    *metrics.SettlerMetrics
	pairs      []exchange.Pair
	output     string
	settlement string
	staleAfter time.Duration

	lastTick atomic.Int64
	stale    atomic.Bool
	now      func() time.Time
}

// NewPriceFeed tracks every currency against settlement. The settlement currency itself is pinned to 1.
func NewPriceFeed(logger *slog.Logger, client exchange.ExchangeClient, prices cache.PriceCache, notifier *notify.Notifier,
	m *metrics.SettlerMetrics, currencies []string, output, settlement string, staleAfter time.Duration) *PriceFeed {
	settlement = strings.ToUpper(settlement)
	f := &PriceFeed{
		logger:     logger,
		client:     client,
		prices:     prices,
		notifier:   notifier,
		metrics:    m,
		output:     strings.ToUpper(output),
		settlement: settlement,
		staleAfter: staleAfter,
		now:        time.Now,
	}
	seen := map[string]bool{settlement: true}
	for _, c := range append([]string{output}, currencies...) {
		c = strings.ToUpper(c)
		if seen[c] {
			continue
		}
		seen[c] = true
		f.pairs = append(f.pairs, exchange.Pair{Base: c, Quote: settlement})
	}
	if dn, ok := client.(exchange.DisconnectNotifier); ok {
		dn.OnDisconnect(f.onDisconnect)
	}
	return f
}

// Pairs returns the subscribed markets.
func (f *PriceFeed) Pairs() []exchange.Pair {
	return f.pairs
}

// Run streams until ctx is cancelled.
func (f *PriceFeed) Run(ctx context.Context) error {
	ticks := make(chan model.PriceTick, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := f.client.StartStream(ctx, ticks, f.pairs); err != nil {
			f.logger.Error("PriceFeed: stream stopped", "exchange", f.client.GetName(), "error", err)
		}
	}()
	defer wg.Wait()

	f.pinSettlement(ctx)
	interval := f.staleAfter / 4
	if interval <= 0 {
		interval = 15 * time.Second
	}
	watchdog := time.NewTicker(interval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick := <-ticks:
			f.ProcessTick(ctx, tick)
		case <-watchdog.C:
			f.pinSettlement(ctx)
			f.checkStale(ctx)
		}
	}
}

// ProcessTick writes one tick into the cache.
func (f *PriceFeed) ProcessTick(ctx context.Context, tick model.PriceTick) {
	symbol := strings.ToUpper(tick.Symbol)
	price := tick.Bid
	if symbol == f.output {
		price = tick.Ask
	}
	if !price.IsPositive() {
		f.logger.Warn("PriceFeed: ignoring non-positive price", "symbol", symbol, "price", price)
		return
	}
	at := tick.Time
	if at.IsZero() {
		at = f.now()
	}
	if err := f.prices.SetPrice(ctx, symbol, cache.PricePoint{Price: price, Time: at}); err != nil {
		f.logger.Error("PriceFeed: failed to cache price", "symbol", symbol, "error", err)
		return
	}
	f.lastTick.Store(at.UnixNano())
	if f.stale.Swap(false) {
		f.logger.Info("PriceFeed: prices flowing again", "exchange", tick.Exchange)
	}
}

func (f *PriceFeed) pinSettlement(ctx context.Context) {
	if err := f.prices.SetPrice(ctx, f.settlement, cache.PricePoint{Price: decimal.NewFromInt(1), Time: f.now()}); err != nil {
		f.logger.Error("PriceFeed: failed to pin settlement price", "symbol", f.settlement, "error", err)
	}
}

// checkStale raises one notification per outage once no tick arrived within staleAfter.
func (f *PriceFeed) checkStale(ctx context.Context) {
	last := f.lastTick.Load()
	if last == 0 || f.staleAfter <= 0 {
		return
	}
	age := f.now().Sub(time.Unix(0, last))
	if age <= f.staleAfter {
		return
	}
	if !f.stale.Swap(true) {
		f.logger.Warn("PriceFeed: prices are stale", "age", age)
		f.notifier.Notify(ctx, notify.FeedDisconnected, fmt.Sprintf("%s: no price update for %s", f.client.GetName(), age.Round(time.Second)), nil)
	}
}

func (f *PriceFeed) onDisconnect(stream string, err error) {
	f.metrics.ObserveFeedReconnect(f.client.GetName())
	f.notifier.Notify(context.Background(), notify.FeedDisconnected, fmt.Sprintf("%s: %v", stream, err), nil)
}
