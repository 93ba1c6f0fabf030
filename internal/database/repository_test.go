package database

import (
	"context"
	"flag"
	"log"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"settler/internal/model"
)

var (
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	os.Exit(runWithPostgres(m))
}

func runWithPostgres(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("could not stop postgres container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb"

	// the listening port opens before postgres accepts queries
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err = pgxpool.New(ctx, connStr)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		if time.Now().After(deadline) {
			log.Fatalf("could not connect to database: %s", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
	defer pool.Close()

	if err := (&PostgresRepository{Pool: pool}).Migrate(ctx); err != nil {
		log.Fatalf("could not migrate: %s", err)
	}

	return m.Run()
}

func newRepo(t *testing.T) *PostgresRepository {
	t.Helper()
	if pool == nil {
		t.Skip("postgres container not started in short mode")
	}
	_, err := pool.Exec(context.Background(), "TRUNCATE swap_records, pending_quotes, trade_fills, clearings RESTART IDENTITY")
	require.NoError(t, err)
	return &PostgresRepository{Pool: pool}
}

func testSwap(hash string, block uint64) *model.SwapRecord {
	return &model.SwapRecord{
		TxHash:   hash,
		Block:    block,
		From:     "0xAbC0000000000000000000000000000000000001",
		To:       "0xdeposit",
		Currency: "eth",
		Amount:   big.NewInt(1_000_000_000_000_000_000),
		Status:   model.StatusConfirming,
	}
}

func TestPostgresRepository_InsertAndGetSwap(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := testSwap("0xAA01", 100)
	require.NoError(t, repo.InsertSwap(ctx, rec))
	assert.NotZero(t, rec.ID)

	got, err := repo.GetSwap(ctx, "0xaa01")
	require.NoError(t, err)
	assert.Equal(t, "0xaa01", got.TxHash)
	assert.Equal(t, "ETH", got.Currency)
	assert.Equal(t, uint64(100), got.Block)
	assert.Equal(t, 0, rec.Amount.Cmp(got.Amount))
	assert.Nil(t, got.ConvertedAmount)
	assert.Equal(t, model.StatusConfirming, got.Status)
	assert.Equal(t, model.ExchangeNone, got.ExchangeStatus)

	err = repo.InsertSwap(ctx, testSwap("0xaa01", 101))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, err = repo.GetSwap(ctx, "0xmissing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepository_UpdateSwapIsConditional(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := testSwap("0xbb01", 10)
	require.NoError(t, repo.InsertSwap(ctx, rec))

	rec.Status = model.StatusConfirmed
	rec.Confirmations = 3
	rec.CurrencyPrice = decimal.RequireFromString("2000.5")
	rec.OutputPrice = decimal.RequireFromString("0.01")
	rec.OutputAmount = big.NewInt(200_000)
	rec.ConvertedAmount = big.NewInt(198_000)
	require.NoError(t, repo.UpdateSwap(ctx, rec, model.StatusConfirming))

	// a second writer that read the old status loses
	stale := *rec
	stale.Status = model.StatusIgnored
	assert.ErrorIs(t, repo.UpdateSwap(ctx, &stale, model.StatusConfirming), ErrStaleStatus)

	got, err := repo.GetSwap(ctx, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.True(t, got.CurrencyPrice.Equal(rec.CurrencyPrice))
	assert.Equal(t, "198000", got.ConvertedAmount.String())
}

func TestPostgresRepository_DeliveredCannotExceedQuote(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := testSwap("0xcc01", 10)
	rec.Status = model.StatusConfirmed
	rec.OutputAmount = big.NewInt(100)
	rec.ConvertedAmount = big.NewInt(100)
	require.NoError(t, repo.InsertSwap(ctx, rec))

	rec.Status = model.StatusDelivering
	rec.DeliveredAmount = big.NewInt(101)
	assert.Error(t, repo.UpdateSwap(ctx, rec, model.StatusConfirmed))
}

func TestPostgresRepository_ListSwaps(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	a := testSwap("0xdd01", 1)
	b := testSwap("0xdd02", 2)
	b.Status = model.StatusConfirmed
	b.ConvertedAmount = big.NewInt(5)
	c := testSwap("0xdd03", 3)
	c.Status = model.StatusConfirmed
	for _, rec := range []*model.SwapRecord{a, b, c} {
		require.NoError(t, repo.InsertSwap(ctx, rec))
	}

	confirmed, err := repo.ListSwaps(ctx, SwapFilter{Statuses: []model.SwapStatus{model.StatusConfirmed}})
	require.NoError(t, err)
	assert.Len(t, confirmed, 2)

	ready, err := repo.ListSwaps(ctx, SwapFilter{Statuses: []model.SwapStatus{model.StatusConfirmed}, Converted: true})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "0xdd02", ready[0].TxHash)

	waiting, err := repo.ListSwaps(ctx, SwapFilter{Statuses: []model.SwapStatus{model.StatusConfirmed}, AwaitingConversion: true})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "0xdd03", waiting[0].TxHash)

	mine, err := repo.ListSwapsByAddress(ctx, "0xabc0000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Len(t, mine, 3)
	assert.Equal(t, "0xdd03", mine[0].TxHash)
}

func TestPostgresRepository_ScanStart(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	start, err := repo.ScanStart(ctx, "ETH", 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), start)

	done := testSwap("0xee01", 120)
	done.Status = model.StatusDelivered
	require.NoError(t, repo.InsertSwap(ctx, done))
	start, err = repo.ScanStart(ctx, "ETH", 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), start, "highest settled block is re-read")

	require.NoError(t, repo.InsertSwap(ctx, testSwap("0xee02", 90)))
	start, err = repo.ScanStart(ctx, "ETH", 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), start)

	start, err = repo.ScanStart(ctx, "USDT", 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), start)
}

func TestPostgresRepository_ScanStartAfterPartialBlock(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	// two deposits landed in block 300; only the first one was stored before the run failed
	stored := testSwap("0xef01", 300)
	stored.Currency = "DAI"
	stored.Status = model.StatusConfirmed
	require.NoError(t, repo.InsertSwap(ctx, stored))

	start, err := repo.ScanStart(ctx, "DAI", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), start)
}

func TestPostgresRepository_ExchangeLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	a := testSwap("0xff01", 1)
	a.Status = model.StatusDelivered
	b := testSwap("0xff02", 2)
	b.Status = model.StatusDelivered
	require.NoError(t, repo.InsertSwap(ctx, a))
	require.NoError(t, repo.InsertSwap(ctx, b))

	n, err := repo.MarkExchanging(ctx, []int64{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// delivery-side writes leave the exchange columns alone
	a.DeliveryTxHash = "0xdelivery"
	a.ExchangeStatus = model.ExchangeNone
	require.NoError(t, repo.UpdateSwap(ctx, a, model.StatusDelivered))

	err = repo.CompleteExchange(ctx, []model.ExchangeResult{
		{SwapID: a.ID, SellOrderID: "s1", BuyOrderID: "b1", AvgCurrencyPrice: decimal.NewFromInt(2000), AvgOutputPrice: decimal.RequireFromString("0.01"), ExchangedAmount: big.NewInt(600)},
		{SwapID: b.ID, SellOrderID: "s1", BuyOrderID: "b1", AvgCurrencyPrice: decimal.NewFromInt(2000), AvgOutputPrice: decimal.RequireFromString("0.01"), ExchangedAmount: big.NewInt(400)},
	})
	require.NoError(t, err)

	got, err := repo.GetSwap(ctx, a.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.ExchangeExchanged, got.ExchangeStatus)
	assert.Equal(t, "0xdelivery", got.DeliveryTxHash)
	assert.Equal(t, "600", got.ExchangedAmount.String())

	// exchanged records never move back
	n, err = repo.MarkExchanging(ctx, []int64{a.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
	err = repo.CompleteExchange(ctx, []model.ExchangeResult{{SwapID: a.ID}})
	assert.ErrorIs(t, err, ErrStaleStatus)
}

func TestPostgresRepository_Quotes(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	open := &model.PendingQuote{
		From:         "0xAbC",
		Currency:     "eth",
		TokenAmount:  big.NewInt(10),
		OutputAmount: big.NewInt(2000),
		Status:       model.QuoteOpen,
	}
	require.NoError(t, repo.SaveQuote(ctx, open))

	q, err := repo.FindQuote(ctx, "0x01", "0xabc", "ETH")
	require.NoError(t, err)
	assert.Equal(t, open.ID, q.ID)
	assert.Equal(t, "2000", q.OutputAmount.String())

	require.NoError(t, repo.BindQuote(ctx, q.ID, "0x01"))
	q, err = repo.FindQuote(ctx, "0x01", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.QuoteBound, q.Status)

	_, err = repo.FindQuote(ctx, "0x02", "0xabc", "ETH")
	assert.ErrorIs(t, err, ErrNotFound)

	dup := &model.PendingQuote{TxHash: "0x01", From: "0xabc", Currency: "ETH", TokenAmount: big.NewInt(1), OutputAmount: big.NewInt(1), Status: model.QuoteOpen}
	assert.ErrorIs(t, repo.SaveQuote(ctx, dup), ErrDuplicateKey)
}

func TestPostgresRepository_TradesAndClearings(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	_, err := repo.FindTradeFill(ctx, "sell-1")
	assert.ErrorIs(t, err, ErrNotFound)

	fill := &model.TradeFill{
		OrderID:       "42",
		ClientOrderID: "sell-1",
		Symbol:        "ETHUSDT",
		Side:          model.SideSell,
		Amount:        decimal.RequireFromString("1.5"),
		State:         model.OrderNew,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, repo.SaveTradeFill(ctx, fill))
	fill.State = model.OrderFilled
	fill.FilledAmount = fill.Amount
	fill.FilledCashAmount = decimal.NewFromInt(3000)
	fill.FinishedAt = time.Now()
	require.NoError(t, repo.SaveTradeFill(ctx, fill))

	var state string
	require.NoError(t, pool.QueryRow(ctx, "SELECT state FROM trade_fills WHERE order_id = '42'").Scan(&state))
	assert.Equal(t, "FILLED", state)

	found, err := repo.FindTradeFill(ctx, "sell-1")
	require.NoError(t, err)
	assert.Equal(t, "42", found.OrderID)
	assert.Equal(t, model.OrderFilled, found.State)
	assert.True(t, found.FilledCashAmount.Equal(decimal.NewFromInt(3000)))
	assert.False(t, found.FinishedAt.IsZero())

	c := &model.Clearing{OrderID: "42", TradeID: "7", Symbol: "ETHUSDT", Side: model.SideSell,
		TradePrice: decimal.NewFromInt(2000), TradeVolume: decimal.RequireFromString("1.5"), TradeTime: time.Now()}
	require.NoError(t, repo.SaveClearing(ctx, c))
	assert.ErrorIs(t, repo.SaveClearing(ctx, c), ErrDuplicateKey)
}
