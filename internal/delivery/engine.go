// Package delivery pays converted swaps out on the delivery chain and follows
// the payment until it is committed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"settler/internal/cache"
	"settler/internal/chain"
	"settler/internal/config"
	"settler/internal/database"
	"settler/internal/metrics"
	"settler/internal/model"
	"settler/internal/notify"
	"settler/internal/swap"
)

// Engine delivers CONFIRMED swaps and promotes DELIVERING swaps once their transaction is committed.
type Engine struct {
	logger   *slog.Logger
	repo     database.Repository
	node     chain.Node
	cells    chain.UnspentLister
	signer   chain.Signer
	cursor   cache.CursorStore
	locker   cache.Locker
	notifier *notify.Notifier
	metrics  *metrics.SettlerMetrics
	cfg      config.OutputConfig
	lockTTL  time.Duration

	lock        chain.Script
	lockHash    string
	minTransfer *big.Int

	running atomic.Bool

	// written only from Run, which never overlaps itself
	reported     map[string]bool
	unknownSince map[string]time.Time
	now          func() time.Time

	// fundingMu serializes input selection for the custodial lock; the fields below belong to it.
	fundingMu sync.Mutex
	dep       *chain.CellDep
	reserved  map[model.OutPoint]string
	// broadcast but not yet stored, keyed by deposit tx hash
	unstored map[string]pendingDelivery
}

type pendingDelivery struct {
	hash   string
	amount *big.Int
	fee    uint64
}

// droppedAfter is how long a broadcast delivery may stay unknown to the node before it is reported.
const droppedAfter = 30 * time.Minute

func NewEngine(logger *slog.Logger, repo database.Repository, node chain.Node, cells chain.UnspentLister, signer chain.Signer,
	cursor cache.CursorStore, locker cache.Locker, notifier *notify.Notifier, m *metrics.SettlerMetrics,
	cfg config.OutputConfig, lockTTL time.Duration) *Engine {
	lock := signer.Lock()
	minTransfer := config.Units(cfg.MinTransfer, cfg.Decimals)
	if minTransfer.Cmp(new(big.Int).SetUint64(chain.MinCellCapacity)) < 0 {
		minTransfer.SetUint64(chain.MinCellCapacity)
	}
	e := &Engine{
		logger:      logger,
		repo:        repo,
		node:        node,
		cells:       cells,
		signer:      signer,
		cursor:      cursor,
		locker:      locker,
		notifier:    notifier,
		metrics:     m,
		cfg:         cfg,
		lockTTL:     lockTTL,
		lock:        lock,
		lockHash:    lock.Hash().Hex(),
		minTransfer: minTransfer,
		reserved:    make(map[model.OutPoint]string),
		unstored:    make(map[string]pendingDelivery),

		reported:     make(map[string]bool),
		unknownSince: make(map[string]time.Time),
		now:          time.Now,
	}
	if cfg.DepTxHash != "" {
		e.dep = &chain.CellDep{
			OutPoint: chain.OutPoint{TxHash: common.HexToHash(cfg.DepTxHash), Index: hexutil.Uint(cfg.DepIndex)},
			DepType:  chain.DepTypeDepGroup,
		}
	}
	return e
}

// LockHash identifies the custodial funding lock.
func (e *Engine) LockHash() string {
	return e.lockHash
}

// Run polls in-flight deliveries, then delivers every converted CONFIRMED swap. Overlapping runs are skipped.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Info("DeliveryEngine: previous run still in progress, skipping")
		return nil
	}
	defer e.running.Store(false)

	var errs []error
	if err := e.pollDelivering(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.deliverConfirmed(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) pollDelivering(ctx context.Context) error {
	recs, err := e.repo.ListSwaps(ctx, database.SwapFilter{Statuses: []model.SwapStatus{model.StatusDelivering}})
	if err != nil {
		return fmt.Errorf("list delivering swaps: %w", err)
	}
	for _, rec := range recs {
		if err := e.poll(ctx, rec); err != nil {
			e.logger.Error("DeliveryEngine: status poll failed", "txHash", rec.TxHash, "deliveryTx", rec.DeliveryTxHash, "error", err)
		}
	}
	return nil
}

func (e *Engine) poll(ctx context.Context, rec *model.SwapRecord) error {
	if rec.DeliveryTxHash == "" {
		return errors.New("delivering record without delivery tx hash")
	}
	status, err := e.node.TxStatus(ctx, common.HexToHash(rec.DeliveryTxHash))
	if err != nil {
		return err
	}
	switch status {
	case chain.TxCommitted:
	case chain.TxRejected:
		e.release(rec.DeliveryTxHash)
		e.report(ctx, rec, "rejected", "delivery transaction rejected by node, manual review required")
		return fmt.Errorf("%w: delivery %s rejected", swap.ErrBroadcastFailure, rec.DeliveryTxHash)
	case chain.TxUnknown:
		if age := e.unknownAge(rec); age > droppedAfter {
			e.report(ctx, rec, "dropped", fmt.Sprintf("delivery transaction unknown to node for %s, manual review required", age.Truncate(time.Second)))
			return fmt.Errorf("%w: delivery %s dropped by node", swap.ErrBroadcastFailure, rec.DeliveryTxHash)
		}
		e.logger.Warn("DeliveryEngine: delivery unknown to node", "txHash", rec.TxHash, "deliveryTx", rec.DeliveryTxHash)
		return nil
	default:
		delete(e.unknownSince, rec.DeliveryTxHash)
		e.logger.Debug("DeliveryEngine: delivery not committed yet", "txHash", rec.TxHash, "status", status)
		return nil
	}
	delete(e.unknownSince, rec.DeliveryTxHash)

	if !swap.CanTransition(rec.Status, model.StatusDelivered) {
		return fmt.Errorf("%w: %s -> %s", swap.ErrInvalidTransition, rec.Status, model.StatusDelivered)
	}
	rec.Status = model.StatusDelivered
	err = e.repo.UpdateSwap(ctx, rec, model.StatusDelivering)
	if errors.Is(err, database.ErrStaleStatus) {
		e.logger.Info("DeliveryEngine: record changed concurrently, skipping", "txHash", rec.TxHash)
		return nil
	}
	if err != nil {
		return err
	}
	e.release(rec.DeliveryTxHash)
	e.metrics.ObserveTransition(rec.Status.String())
	e.metrics.ObserveDelivery("committed", 0)
	e.logger.Info("DeliveryEngine: swap delivered", "txHash", rec.TxHash, "deliveryTx", rec.DeliveryTxHash, "amount", rec.DeliveredAmount)
	e.notifier.Notify(ctx, notify.SwapDelivered, "", rec)
	return nil
}

// report notifies a failed delivery once per delivery transaction. The record stays DELIVERING for manual review.
func (e *Engine) report(ctx context.Context, rec *model.SwapRecord, outcome, detail string) {
	if e.reported[rec.DeliveryTxHash] {
		return
	}
	e.reported[rec.DeliveryTxHash] = true
	e.metrics.ObserveDelivery(outcome, 0)
	e.logger.Error("DeliveryEngine: delivery failed after broadcast", "txHash", rec.TxHash, "deliveryTx", rec.DeliveryTxHash, "outcome", outcome)
	e.notifier.Notify(ctx, notify.DeliveryFailed, detail, rec)
}

// unknownAge measures how long the node has not known a delivery: from the DELIVERING write when the
// store reports it, else from the first poll of this process that saw it unknown.
func (e *Engine) unknownAge(rec *model.SwapRecord) time.Duration {
	since, ok := e.unknownSince[rec.DeliveryTxHash]
	if !ok {
		since = e.now()
		e.unknownSince[rec.DeliveryTxHash] = since
	}
	if !rec.UpdatedAt.IsZero() && rec.UpdatedAt.Before(since) {
		since = rec.UpdatedAt
	}
	return e.now().Sub(since)
}

func (e *Engine) deliverConfirmed(ctx context.Context) error {
	recs, err := e.repo.ListSwaps(ctx, database.SwapFilter{
		Statuses:  []model.SwapStatus{model.StatusConfirmed},
		Converted: true,
	})
	if err != nil {
		return fmt.Errorf("list confirmed swaps: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	e.fundingMu.Lock()
	defer e.fundingMu.Unlock()

	release, ok, err := e.locker.TryLock(ctx, "delivery:"+e.lockHash, e.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire funding lock: %w", err)
	}
	if !ok {
		e.logger.Info("DeliveryEngine: funding lock held by another instance, skipping")
		return nil
	}
	defer release()

	for _, rec := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := e.deliver(ctx, rec)
		switch {
		case err == nil:
		case errors.Is(err, swap.ErrAmountBelowMinimum):
			e.metrics.ObserveDelivery("below_minimum", 0)
			e.logger.Error("DeliveryEngine: delivery below minimum transfer, skipped", "txHash", rec.TxHash, "error", err)
		case errors.Is(err, swap.ErrInsufficientFunds):
			e.metrics.ObserveDelivery("insufficient_funds", 0)
			e.logger.Error("DeliveryEngine: insufficient funds, retrying next run", "txHash", rec.TxHash, "error", err)
		default:
			e.metrics.ObserveDelivery("failed", 0)
			e.logger.Error("DeliveryEngine: delivery failed", "txHash", rec.TxHash, "error", err)
		}
	}
	return nil
}

// deliver pays rec. It must be called with fundingMu held.
func (e *Engine) deliver(ctx context.Context, rec *model.SwapRecord) error {
	if !swap.CanTransition(rec.Status, model.StatusDelivering) {
		return fmt.Errorf("%w: %s -> %s", swap.ErrInvalidTransition, rec.Status, model.StatusDelivering)
	}
	if p, ok := e.unstored[rec.TxHash]; ok {
		return e.store(ctx, rec, p)
	}

	target := rec.DeliveryTarget()
	if target == nil {
		return nil
	}
	if target.Cmp(e.minTransfer) < 0 || !target.IsUint64() {
		return fmt.Errorf("%w: %s < %s", swap.ErrAmountBelowMinimum, target, e.minTransfer)
	}
	amount := target.Uint64()

	dep, err := e.sighashDep(ctx)
	if err != nil {
		return err
	}
	inputs, err := e.selectInputs(ctx, amount+e.cfg.FeeReserve+chain.MinCellCapacity)
	if err != nil {
		return err
	}

	payment := chain.Payment{
		Inputs: inputs,
		From:   e.lock,
		To:     chain.ReceiverLock(e.cfg.ReceiverCodeHash, rec.From),
		Amount: amount,
		Deps:   []chain.CellDep{dep},
	}
	sizing, err := payment.Build()
	if err != nil {
		return err
	}
	payment.Fee = chain.Fee(chain.SerializedSize(sizing), e.cfg.FeeRate)
	tx, err := payment.Build()
	if err != nil {
		return err
	}
	if err := e.signer.Sign(tx); err != nil {
		return fmt.Errorf("%w: %v", swap.ErrBroadcastFailure, err)
	}

	hash, err := e.node.SendTransaction(ctx, tx)
	if err != nil {
		e.notifier.Notify(ctx, notify.DeliveryFailed, err.Error(), rec)
		return fmt.Errorf("%w: %w", swap.ErrBroadcastFailure, err)
	}
	p := pendingDelivery{hash: hash.Hex(), amount: target, fee: payment.Fee}
	e.reserve(inputs, p.hash)
	e.unstored[rec.TxHash] = p
	e.metrics.ObserveDelivery("broadcast", payment.Fee)
	e.logger.Info("DeliveryEngine: delivery broadcast", "txHash", rec.TxHash, "deliveryTx", p.hash, "amount", amount, "fee", payment.Fee)

	if err := e.cursor.AdvanceCursor(ctx, e.lockHash, inputs[len(inputs)-1].ID); err != nil {
		e.logger.Warn("DeliveryEngine: failed to advance cursor", "lockHash", e.lockHash, "error", err)
	}
	return e.store(ctx, rec, p)
}

// store moves rec to DELIVERING with the broadcast delivery. A failed write is retried next run
// from memory, so the swap is never paid twice by this process.
func (e *Engine) store(ctx context.Context, rec *model.SwapRecord, p pendingDelivery) error {
	rec.DeliveredAmount = p.amount
	rec.DeliveryFee = new(big.Int).SetUint64(p.fee)
	rec.DeliveryTxHash = p.hash
	rec.Status = model.StatusDelivering
	err := e.repo.UpdateSwap(ctx, rec, model.StatusConfirmed)
	if errors.Is(err, database.ErrStaleStatus) {
		delete(e.unstored, rec.TxHash)
		e.notifier.Notify(ctx, notify.DeliveryFailed, "delivery broadcast for a record that changed concurrently: "+p.hash, rec)
		return fmt.Errorf("record changed after broadcast of %s: %w", p.hash, err)
	}
	if err != nil {
		e.notifier.Notify(ctx, notify.DeliveryFailed, "delivery broadcast but not stored: "+p.hash, rec)
		return fmt.Errorf("store delivery %s: %w", p.hash, err)
	}
	delete(e.unstored, rec.TxHash)
	e.metrics.ObserveTransition(rec.Status.String())
	return nil
}

// selectInputs returns live cells above the cursor, skipping reserved ones, whose capacity covers need.
// A cursor that leaves too little behind it is reset once so older cells become selectable again.
func (e *Engine) selectInputs(ctx context.Context, need uint64) ([]model.UnspentInput, error) {
	cursor, err := e.cursor.GetCursor(ctx, e.lockHash)
	if errors.Is(err, cache.ErrMiss) {
		cursor, err = 0, nil
	}
	if err != nil {
		e.logger.Warn("DeliveryEngine: cursor unavailable, selecting from start", "error", err)
		cursor = 0
	}

	for {
		inputs, err := e.collect(ctx, need, cursor)
		if err == nil || !errors.Is(err, swap.ErrInsufficientFunds) || cursor == 0 {
			return inputs, err
		}
		e.logger.Info("DeliveryEngine: resetting input cursor", "lockHash", e.lockHash, "cursor", cursor)
		if err := e.cursor.ResetCursor(ctx, e.lockHash); err != nil {
			return nil, fmt.Errorf("reset cursor: %w", err)
		}
		cursor = 0
	}
}

func (e *Engine) collect(ctx context.Context, need, cursor uint64) ([]model.UnspentInput, error) {
	cells, err := e.cells.Unspent(ctx, e.lockHash, need, cursor)
	if err != nil {
		return nil, err
	}
	var (
		picked []model.UnspentInput
		sum    uint64
	)
	for _, c := range cells {
		if c.ID <= cursor {
			continue
		}
		if _, taken := e.reserved[c.OutPoint]; taken {
			continue
		}
		picked = append(picked, c)
		sum += c.Capacity
		if sum >= need {
			return picked, nil
		}
	}
	return nil, fmt.Errorf("%w: %d available above cursor %d, need %d", swap.ErrInsufficientFunds, sum, cursor, need)
}

func (e *Engine) sighashDep(ctx context.Context) (chain.CellDep, error) {
	if e.dep != nil {
		return *e.dep, nil
	}
	dep, err := e.cells.SighashDep(ctx)
	if err != nil {
		return chain.CellDep{}, fmt.Errorf("load secp256k1 dep: %w", err)
	}
	e.dep = &dep
	return dep, nil
}

func (e *Engine) reserve(inputs []model.UnspentInput, deliveryTx string) {
	for _, in := range inputs {
		e.reserved[in.OutPoint] = deliveryTx
	}
}

// release frees the inputs of a delivery that reached a final chain status.
func (e *Engine) release(deliveryTx string) {
	e.fundingMu.Lock()
	defer e.fundingMu.Unlock()
	for op, tx := range e.reserved {
		if tx == deliveryTx {
			delete(e.reserved, op)
		}
	}
}
