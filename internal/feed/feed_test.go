package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settler/internal/cache"
	"settler/internal/database"
	"settler/internal/database/dbmock"
	"settler/internal/exchange"
	"settler/internal/model"
	"settler/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient replays ticks then blocks until cancelled.
type fakeClient struct {
	ticks []model.PriceTick
	pairs []exchange.Pair
	hook  func(string, error)
}

func (f *fakeClient) GetName() string { return "fake" }

func (f *fakeClient) OnDisconnect(fn func(string, error)) { f.hook = fn }

func (f *fakeClient) StartStream(ctx context.Context, ch chan<- model.PriceTick, pairs []exchange.Pair) error {
	f.pairs = pairs
	for _, t := range f.ticks {
		select {
		case ch <- t:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

type recordingSink struct {
	events chan notify.Event
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Notify(_ context.Context, ev notify.Event) error {
	r.events <- ev
	return nil
}

func TestPriceFeed_Pairs(t *testing.T) {
	f := NewPriceFeed(testLogger(), &fakeClient{}, cache.NewMemoryCache(), nil, nil,
		[]string{"ETH", "usdt", "DAI", "eth"}, "CKB", "USDT", time.Minute)
	assert.Equal(t, []exchange.Pair{
		{Base: "CKB", Quote: "USDT"},
		{Base: "ETH", Quote: "USDT"},
		{Base: "DAI", Quote: "USDT"},
	}, f.Pairs())
}

func TestPriceFeed_ProcessTick(t *testing.T) {
	ctx := context.Background()
	prices := cache.NewMemoryCache()
	f := NewPriceFeed(testLogger(), &fakeClient{}, prices, nil, nil, []string{"ETH"}, "CKB", "USDT", time.Minute)

	now := time.Now()
	f.ProcessTick(ctx, model.PriceTick{Symbol: "CKB", Bid: decimal.RequireFromString("0.0100"), Ask: decimal.RequireFromString("0.0101"), Time: now})
	f.ProcessTick(ctx, model.PriceTick{Symbol: "ETH", Bid: decimal.NewFromInt(2000), Ask: decimal.NewFromInt(2001), Time: now})
	f.ProcessTick(ctx, model.PriceTick{Symbol: "DAI", Bid: decimal.Zero, Ask: decimal.NewFromInt(1)})

	ckb, err := prices.GetPrice(ctx, "CKB")
	require.NoError(t, err)
	assert.True(t, ckb.Price.Equal(decimal.RequireFromString("0.0101")), "output asset uses ask")

	eth, err := prices.GetPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, eth.Price.Equal(decimal.NewFromInt(2000)), "deposit currency uses bid")

	_, err = prices.GetPrice(ctx, "DAI")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestPriceFeed_RunPinsSettlementAndStreams(t *testing.T) {
	prices := cache.NewMemoryCache()
	client := &fakeClient{ticks: []model.PriceTick{{Symbol: "ETH", Bid: decimal.NewFromInt(1500), Ask: decimal.NewFromInt(1501), Time: time.Now()}}}
	f := NewPriceFeed(testLogger(), client, prices, nil, nil, []string{"ETH"}, "CKB", "USDT", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool {
		p, err := prices.GetPrice(context.Background(), "ETH")
		return err == nil && p.Price.Equal(decimal.NewFromInt(1500))
	}, 2*time.Second, 10*time.Millisecond)
	usdt, err := prices.GetPrice(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, usdt.Price.Equal(decimal.NewFromInt(1)))

	cancel()
	assert.NoError(t, <-done)
}

func TestPriceFeed_StaleNotifiesOnce(t *testing.T) {
	sink := &recordingSink{events: make(chan notify.Event, 4)}
	notifier := notify.NewNotifier(testLogger(), nil, sink)
	f := NewPriceFeed(testLogger(), &fakeClient{}, cache.NewMemoryCache(), notifier, nil, []string{"ETH"}, "CKB", "USDT", time.Minute)

	base := time.Now()
	f.now = func() time.Time { return base }
	f.ProcessTick(context.Background(), model.PriceTick{Symbol: "ETH", Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(1), Time: base})

	f.now = func() time.Time { return base.Add(2 * time.Minute) }
	f.checkStale(context.Background())
	f.checkStale(context.Background())
	require.Len(t, sink.events, 1)
	assert.Equal(t, notify.FeedDisconnected, (<-sink.events).Kind)

	// a fresh tick re-arms the alarm
	f.ProcessTick(context.Background(), model.PriceTick{Symbol: "ETH", Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(1), Time: base.Add(2 * time.Minute)})
	f.now = func() time.Time { return base.Add(4 * time.Minute) }
	f.checkStale(context.Background())
	assert.Len(t, sink.events, 1)
}

func TestPriceFeed_DisconnectHook(t *testing.T) {
	sink := &recordingSink{events: make(chan notify.Event, 1)}
	client := &fakeClient{}
	NewPriceFeed(testLogger(), client, cache.NewMemoryCache(), notify.NewNotifier(testLogger(), nil, sink), nil, nil, "CKB", "USDT", 0)
	require.NotNil(t, client.hook)

	client.hook("BinanceClient", errors.New("eof"))
	ev := <-sink.events
	assert.Equal(t, notify.FeedDisconnected, ev.Kind)
	assert.Contains(t, ev.Detail, "eof")
}

func TestAccountFeed_Process(t *testing.T) {
	ctx := context.Background()
	repo := new(dbmock.MockRepository)
	balances := NewBalances()
	a := NewAccountFeed(testLogger(), nil, repo, balances)

	clearing := &model.Clearing{OrderID: "1", TradeID: "2", Symbol: "ETHUSDT"}
	repo.On("SaveClearing", ctx, clearing).Return(nil).Once()
	repo.On("SaveClearing", ctx, clearing).Return(database.ErrDuplicateKey).Once()

	a.Process(ctx, exchange.AccountEvent{Execution: clearing})
	a.Process(ctx, exchange.AccountEvent{Execution: clearing})
	a.Process(ctx, exchange.AccountEvent{Balances: map[string]decimal.Decimal{"ckb": decimal.NewFromInt(5)}})

	repo.AssertExpectations(t)
	repo.AssertNumberOfCalls(t, "SaveClearing", 2)
	v, ok := balances.Get("CKB")
	assert.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(5)))
	_, ok = balances.Get("ETH")
	assert.False(t, ok)
}
