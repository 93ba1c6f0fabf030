// Package reconcile converts accumulated deposits into the output asset on the exchange
// and apportions the bought amount back to the swaps that funded it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settler/internal/cache"
	"settler/internal/config"
	"settler/internal/database"
	"settler/internal/exchange"
	"settler/internal/metrics"
	"settler/internal/model"
	"settler/internal/notify"
	"settler/internal/swap"
)

// orderNamespace scopes client order ids derived from round membership.
var orderNamespace = uuid.MustParse("6f1c8a62-34d5-4b8e-9a47-2f0d3c5e7b19")

// BalanceSource reports pushed exchange balances.
type BalanceSource interface {
	Get(asset string) (decimal.Decimal, bool)
}

// ReconciliationEngine holds the logic for turning deposits into the output asset.
type ReconciliationEngine struct {
	logger   *slog.Logger
	repo     database.Repository
	trader   exchange.Trader
	prices   cache.PriceCache
	balances BalanceSource
	notifier *notify.Notifier
	metrics  *metrics.SettlerMetrics
	cfg      config.ExchangeConfig
	swapCfg  config.SwapConfig
	output   config.OutputConfig

	running atomic.Bool
	wait    func(ctx context.Context, d time.Duration) error

	lowMu sync.Mutex
	low   map[string]bool
}

// NewReconciliationEngine creates a new instance of the ReconciliationEngine. balances may be nil,
// in which case balances are read from the exchange REST API.
func NewReconciliationEngine(logger *slog.Logger, repo database.Repository, trader exchange.Trader, prices cache.PriceCache,
	balances BalanceSource, notifier *notify.Notifier, m *metrics.SettlerMetrics,
	cfg config.ExchangeConfig, swapCfg config.SwapConfig, output config.OutputConfig) *ReconciliationEngine {
	return &ReconciliationEngine{
		logger:   logger,
		repo:     repo,
		trader:   trader,
		prices:   prices,
		balances: balances,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		swapCfg:  swapCfg,
		output:   output,
		wait:     sleepCtx,
		low:      make(map[string]bool),
	}
}

// Round is one reconciliation batch of a single currency.
type Round struct {
	Currency string
	Members  []*model.SwapRecord
	Amount   *big.Int
	Fee      *big.Int
	Output   *big.Int
	// Resumed rounds retry members left EXCHANGING by an interrupted run.
	Resumed bool
}

func (r *Round) ids() []int64 {
	ids := make([]int64, len(r.Members))
	for i, m := range r.Members {
		ids[i] = m.ID
	}
	return ids
}

// advance fails the whole round when any member cannot move to the given reconciliation status.
func (r *Round) advance(to model.ExchangeStatus) error {
	for _, m := range r.Members {
		if !swap.CanTransitionExchange(m.ExchangeStatus, to) {
			return fmt.Errorf("%w: swap %d: %w: %s -> %s", swap.ErrReconciliationFailure, m.ID, swap.ErrInvalidTransition, m.ExchangeStatus, to)
		}
	}
	return nil
}

func (r *Round) setExchange(s model.ExchangeStatus) {
	for _, m := range r.Members {
		m.ExchangeStatus = s
	}
}

// Rounds groups records by currency. A currency with EXCHANGING records yields only those,
// so a retried round keeps its original membership; new deposits wait for the next run.
func Rounds(recs []*model.SwapRecord) []*Round {
	byCurrency := make(map[string][]*model.SwapRecord)
	for _, r := range recs {
		c := strings.ToUpper(r.Currency)
		byCurrency[c] = append(byCurrency[c], r)
	}
	out := make([]*Round, 0, len(byCurrency))
	for currency, members := range byCurrency {
		var resumed []*model.SwapRecord
		for _, m := range members {
			if m.ExchangeStatus == model.ExchangeExchanging {
				resumed = append(resumed, m)
			}
		}
		round := &Round{Currency: currency, Members: members}
		if len(resumed) > 0 {
			round.Members, round.Resumed = resumed, true
		}
		sort.Slice(round.Members, func(i, j int) bool { return round.Members[i].ID < round.Members[j].ID })
		round.Amount, round.Fee, round.Output = new(big.Int), new(big.Int), new(big.Int)
		for _, m := range round.Members {
			addInto(round.Amount, m.Amount)
			addInto(round.Fee, m.SwapFee)
			addInto(round.Output, m.DeliveryTarget())
		}
		out = append(out, round)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

func addInto(sum, v *big.Int) {
	if v != nil {
		sum.Add(sum, v)
	}
}

// Run reconciles every pending currency. Overlapping runs are skipped; a failing currency does not stop the others.
func (e *ReconciliationEngine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Info("ReconciliationEngine: previous run still in progress, skipping")
		return nil
	}
	defer e.running.Store(false)

	recs, err := e.repo.ListSwaps(ctx, database.SwapFilter{
		Statuses:         swap.Reconcilable(),
		ExchangeStatuses: swap.PendingExchange(),
		Converted:        true,
	})
	if err != nil {
		return fmt.Errorf("list reconcilable swaps: %w", err)
	}

	var errs []error
	for _, round := range Rounds(recs) {
		if err := e.reconcile(ctx, round); err != nil {
			e.metrics.ObserveReconcile(round.Currency, "failed")
			e.logger.Error("ReconciliationEngine: round failed", "currency", round.Currency, "members", len(round.Members), "error", err)
			e.notifier.Notify(ctx, notify.ReconcileFailed, fmt.Sprintf("%s round of %d swaps: %v", round.Currency, len(round.Members), err), nil)
			errs = append(errs, fmt.Errorf("%s: %w", round.Currency, err))
		}
	}
	if err := e.checkBalances(ctx); err != nil {
		e.logger.Warn("ReconciliationEngine: balance check failed", "error", err)
	}
	return errors.Join(errs...)
}

func (e *ReconciliationEngine) reconcile(ctx context.Context, round *Round) error {
	token, ok := e.swapCfg.Token(round.Currency)
	if !ok {
		return fmt.Errorf("unsupported currency %s", round.Currency)
	}
	settlement := strings.ToUpper(e.cfg.Settlement)
	quantity := decimal.NewFromBigInt(round.Amount, -token.Decimals).Truncate(e.cfg.QuantityPrecision)
	if !quantity.IsPositive() {
		return nil
	}

	if !round.Resumed {
		worth, err := e.value(ctx, round.Currency, quantity)
		if err != nil {
			e.logger.Warn("ReconciliationEngine: cannot value round, waiting", "currency", round.Currency, "error", err)
			return nil
		}
		if worth.LessThanOrEqual(decimal.NewFromFloat(e.cfg.MinReconcileValue)) {
			e.logger.Debug("ReconciliationEngine: round below threshold", "currency", round.Currency, "value", worth)
			return nil
		}
		if err := round.advance(model.ExchangeExchanging); err != nil {
			return err
		}
		moved, err := e.repo.MarkExchanging(ctx, round.ids())
		if err != nil {
			return fmt.Errorf("mark exchanging: %w", err)
		}
		if moved != len(round.Members) {
			return fmt.Errorf("%w: marked %d of %d swaps exchanging", swap.ErrReconciliationFailure, moved, len(round.Members))
		}
		round.setExchange(model.ExchangeExchanging)
		e.metrics.ObserveTransition(model.ExchangeExchanging.String())
	}
	e.logger.Info("ReconciliationEngine: reconciling", "currency", round.Currency, "members", len(round.Members),
		"quantity", quantity, "resumed", round.Resumed)

	proceeds := quantity
	avgCurrencyPrice := decimal.NewFromInt(1)
	var sellOrderID string
	if round.Currency != settlement {
		sell, err := e.execute(ctx, round, exchange.Pair{Base: round.Currency, Quote: settlement}, model.SideSell, quantity)
		if err != nil {
			return err
		}
		sellOrderID = sell.OrderID
		proceeds = sell.FilledCashAmount
		if feeIn(sell, settlement) {
			proceeds = proceeds.Sub(sell.Fees)
		}
		if !sell.FilledAmount.IsPositive() || !proceeds.IsPositive() {
			return fmt.Errorf("%w: sell %s filled nothing", swap.ErrReconciliationFailure, sell.OrderID)
		}
		avgCurrencyPrice = proceeds.Div(sell.FilledAmount)
	}

	outSymbol := strings.ToUpper(e.output.Symbol)
	spend := proceeds.Truncate(e.cfg.QuantityPrecision)
	buy, err := e.execute(ctx, round, exchange.Pair{Base: outSymbol, Quote: settlement}, model.SideBuy, spend)
	if err != nil {
		return err
	}
	bought := buy.FilledAmount
	if feeIn(buy, outSymbol) {
		bought = bought.Sub(buy.Fees)
	}
	if !bought.IsPositive() {
		return fmt.Errorf("%w: buy %s filled nothing", swap.ErrReconciliationFailure, buy.OrderID)
	}
	avgOutputPrice := buy.FilledCashAmount.Div(bought)

	weights := make([]*big.Int, len(round.Members))
	for i, m := range round.Members {
		weights[i] = m.Amount
	}
	shares := Apportion(bought.Shift(e.output.Decimals).BigInt(), weights)
	results := make([]model.ExchangeResult, len(round.Members))
	for i, m := range round.Members {
		results[i] = model.ExchangeResult{
			SwapID:           m.ID,
			SellOrderID:      sellOrderID,
			BuyOrderID:       buy.OrderID,
			AvgCurrencyPrice: avgCurrencyPrice,
			AvgOutputPrice:   avgOutputPrice,
			ExchangedAmount:  shares[i],
		}
	}
	if err := round.advance(model.ExchangeExchanged); err != nil {
		return err
	}
	if err := e.repo.CompleteExchange(ctx, results); err != nil {
		return fmt.Errorf("complete exchange: %w", err)
	}
	round.setExchange(model.ExchangeExchanged)
	e.metrics.ObserveReconcile(round.Currency, "exchanged")
	e.metrics.ObserveTransition(model.ExchangeExchanged.String())
	e.logger.Info("ReconciliationEngine: round exchanged", "currency", round.Currency, "members", len(round.Members),
		"sold", quantity, "proceeds", proceeds, "bought", bought, "avgCurrencyPrice", avgCurrencyPrice, "avgOutputPrice", avgOutputPrice)
	return nil
}

// execute places one market order, or resumes the one an interrupted run placed for the same round,
// and waits for it to finish.
func (e *ReconciliationEngine) execute(ctx context.Context, round *Round, pair exchange.Pair, side model.OrderSide, amount decimal.Decimal) (*model.TradeFill, error) {
	clientID := clientOrderID(side, round)
	var orderID string
	existing, err := e.repo.FindTradeFill(ctx, clientID)
	switch {
	case err == nil:
		orderID = existing.OrderID
		e.logger.Info("ReconciliationEngine: resuming order", "pair", pair.String(), "side", side, "orderId", orderID)
	case errors.Is(err, database.ErrNotFound):
		orderID, err = e.trader.PlaceMarketOrder(ctx, pair, side, amount, clientID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", swap.ErrReconciliationFailure, err)
		}
		placed := &model.TradeFill{
			OrderID:       orderID,
			ClientOrderID: clientID,
			Symbol:        pair.Base + pair.Quote,
			Side:          side,
			Amount:        amount,
			State:         model.OrderNew,
			CreatedAt:     time.Now().UTC(),
		}
		if err := e.repo.SaveTradeFill(ctx, placed); err != nil {
			e.logger.Error("ReconciliationEngine: failed to record placed order", "orderId", orderID, "error", err)
		}
	default:
		return nil, fmt.Errorf("find order %s: %w", clientID, err)
	}

	fill, err := e.awaitFill(ctx, pair, orderID)
	if err != nil {
		return nil, err
	}
	fill.ClientOrderID = clientID
	if err := e.repo.SaveTradeFill(ctx, fill); err != nil {
		return nil, fmt.Errorf("save fill %s: %w", orderID, err)
	}
	if fill.State != model.OrderFilled && !fill.FilledAmount.IsPositive() {
		return nil, fmt.Errorf("%w: order %s ended %s", swap.ErrReconciliationFailure, orderID, fill.State)
	}
	return fill, nil
}

func (e *ReconciliationEngine) awaitFill(ctx context.Context, pair exchange.Pair, orderID string) (*model.TradeFill, error) {
	attempts := e.cfg.OrderPollAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := e.wait(ctx, e.cfg.OrderPollInterval); err != nil {
				return nil, err
			}
		}
		fill, err := e.trader.GetOrder(ctx, pair, orderID)
		if err != nil {
			lastErr = err
			e.logger.Warn("ReconciliationEngine: order poll failed", "orderId", orderID, "error", err)
			continue
		}
		if fill.State.Finished() {
			return fill, nil
		}
		lastErr = fmt.Errorf("order %s still %s", orderID, fill.State)
	}
	return nil, fmt.Errorf("%w: %w", swap.ErrReconciliationFailure, lastErr)
}

func (e *ReconciliationEngine) value(ctx context.Context, currency string, quantity decimal.Decimal) (decimal.Decimal, error) {
	if strings.EqualFold(currency, e.cfg.Settlement) {
		return quantity, nil
	}
	p, err := e.prices.GetPrice(ctx, currency)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", swap.ErrPriceUnavailable, currency, err)
	}
	return quantity.Mul(p.Price), nil
}

// checkBalances reports settlement and output balances whose value fell below the configured minimum, once per episode.
func (e *ReconciliationEngine) checkBalances(ctx context.Context) error {
	if e.cfg.MinBalance <= 0 {
		return nil
	}
	assets := []string{strings.ToUpper(e.cfg.Settlement), strings.ToUpper(e.output.Symbol)}
	free, err := e.freeBalances(ctx, assets)
	if err != nil {
		return err
	}
	floor := decimal.NewFromFloat(e.cfg.MinBalance)
	for _, asset := range assets {
		worth, err := e.value(ctx, asset, free[asset])
		if err != nil {
			continue
		}
		low := worth.LessThan(floor)
		e.lowMu.Lock()
		wasLow := e.low[asset]
		e.low[asset] = low
		e.lowMu.Unlock()
		if low && !wasLow {
			e.logger.Warn("ReconciliationEngine: exchange balance low", "asset", asset, "free", free[asset], "value", worth)
			e.notifier.Notify(ctx, notify.BalanceLow, fmt.Sprintf("%s free %s (worth %s %s)", asset, free[asset], worth.StringFixed(2), e.cfg.Settlement), nil)
		}
	}
	return nil
}

func (e *ReconciliationEngine) freeBalances(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assets))
	if e.balances != nil {
		complete := true
		for _, a := range assets {
			v, ok := e.balances.Get(a)
			if !ok {
				complete = false
				break
			}
			out[a] = v
		}
		if complete {
			return out, nil
		}
	}
	all, err := e.trader.Balances(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		out[a] = all[a]
	}
	return out, nil
}

// Apportion splits total across weights pro rata, truncating each share; the last share absorbs the remainder.
func Apportion(total *big.Int, weights []*big.Int) []*big.Int {
	shares := make([]*big.Int, len(weights))
	if len(weights) == 0 {
		return shares
	}
	sum := new(big.Int)
	for _, w := range weights {
		addInto(sum, w)
	}
	assigned := new(big.Int)
	for i := 0; i < len(weights)-1; i++ {
		shares[i] = new(big.Int)
		if sum.Sign() > 0 && weights[i] != nil {
			shares[i].Mul(total, weights[i]).Quo(shares[i], sum)
		}
		assigned.Add(assigned, shares[i])
	}
	shares[len(weights)-1] = new(big.Int).Sub(total, assigned)
	return shares
}

// clientOrderID is stable for a round's leg, so a retried round finds the order it already placed.
func clientOrderID(side model.OrderSide, round *Round) string {
	var b strings.Builder
	b.WriteString(string(side))
	b.WriteByte(':')
	b.WriteString(round.Currency)
	for _, id := range round.ids() {
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return uuid.NewSHA1(orderNamespace, []byte(b.String())).String()
}

func feeIn(fill *model.TradeFill, asset string) bool {
	return fill.FeeAsset == "" || strings.EqualFold(fill.FeeAsset, asset)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
