package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"

	"settler/internal/config"
	"settler/internal/conversion"
	"settler/internal/database"
	"settler/internal/explorer"
	"settler/internal/metrics"
	"settler/internal/model"
	"settler/internal/notify"
	"settler/internal/swap"
)

// Converter prices a deposit in the output asset.
type Converter interface {
	Convert(ctx context.Context, currency string, rawAmount *big.Int) (conversion.Result, error)
}

// DepositScanner polls the indexer for deposits and advances swap records to CONFIRMED or IGNORED.
type DepositScanner struct {
	logger    *slog.Logger
	repo      database.Repository
	indexer   explorer.Indexer
	head      explorer.HeadSource
	converter Converter
	notifier  *notify.Notifier
	metrics   *metrics.SettlerMetrics
	cfg       config.SwapConfig
	minOutput *big.Int
	maxOutput *big.Int

	running atomic.Bool
}

func NewDepositScanner(logger *slog.Logger, repo database.Repository, indexer explorer.Indexer, head explorer.HeadSource,
	converter Converter, notifier *notify.Notifier, m *metrics.SettlerMetrics, cfg config.SwapConfig, outputDecimals int32) *DepositScanner {
	return &DepositScanner{
		logger:    logger,
		repo:      repo,
		indexer:   indexer,
		head:      head,
		converter: converter,
		notifier:  notifier,
		metrics:   m,
		cfg:       cfg,
		minOutput: config.Units(cfg.MinOutput, outputDecimals),
		maxOutput: config.Units(cfg.MaxOutput, outputDecimals),
	}
}

// Run performs one scan over every tracked currency. Overlapping runs are skipped.
func (s *DepositScanner) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("Scanner: previous run still in progress, skipping")
		return nil
	}
	defer s.running.Store(false)

	head, err := s.head.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}

	var errs []error
	for _, token := range s.cfg.Tokens {
		if err := s.scanCurrency(ctx, token, head); err != nil {
			s.logger.Error("Scanner: currency scan ended early", "currency", token.Symbol, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", token.Symbol, err))
		}
	}
	if err := s.retryConversions(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *DepositScanner) scanCurrency(ctx context.Context, token config.Token, head uint64) error {
	from, err := s.repo.ScanStart(ctx, token.Symbol, s.cfg.StartBlock)
	if err != nil {
		return err
	}
	if from > head {
		return nil
	}
	transfers, err := s.indexer.TransfersTo(ctx, s.cfg.DepositAddress, token, from, head)
	if err != nil {
		return err
	}
	s.logger.Info("Scanner: fetched transfers", "currency", token.Symbol, "from", from, "to", head, "count", len(transfers))

	// transfers are in block order; stopping at the first failure leaves no gap behind ScanStart
	for _, tr := range transfers {
		if err := s.processTransfer(ctx, tr); err != nil {
			return fmt.Errorf("transfer %s: %w", tr.Hash, err)
		}
	}
	return nil
}

func (s *DepositScanner) processTransfer(ctx context.Context, tr explorer.Transfer) error {
	rec, err := s.repo.GetSwap(ctx, tr.Hash)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return s.insertTransfer(ctx, tr)
	case err != nil:
		return err
	}
	if rec.Status != model.StatusConfirming {
		s.logger.Debug("Scanner: record already settled, skipping", "txHash", tr.Hash, "status", rec.Status)
		return nil
	}

	seenBefore := rec.Block != 0
	if seenBefore && rec.Confirmations == tr.Confirmations {
		return nil
	}
	if !strings.EqualFold(rec.Currency, tr.Currency) {
		// a record pre-created from a quote names the currency the user claimed; the chain decides
		s.logger.Warn("Scanner: deposit currency differs from registered quote", "txHash", tr.Hash,
			"quoted", rec.Currency, "received", tr.Currency)
		rec.OutputAmount = nil
	}
	applyTransfer(rec, tr)
	rec.Status = swap.ConfirmationStatus(tr.Confirmations, s.cfg.Confirmations)
	if rec.Status == model.StatusConfirmed {
		quote, reason, err := s.settle(ctx, rec)
		if err != nil {
			return err
		}
		if err := s.write(ctx, rec, model.StatusConfirming, reason); err != nil {
			return err
		}
		s.bindQuote(ctx, quote, rec)
		return nil
	}
	return s.write(ctx, rec, model.StatusConfirming, "")
}

func (s *DepositScanner) insertTransfer(ctx context.Context, tr explorer.Transfer) error {
	rec := &model.SwapRecord{Currency: tr.Currency}
	applyTransfer(rec, tr)
	rec.Status = swap.ConfirmationStatus(tr.Confirmations, s.cfg.Confirmations)

	var (
		quote  *model.PendingQuote
		reason string
	)
	if rec.Status == model.StatusConfirmed {
		var err error
		if quote, reason, err = s.settle(ctx, rec); err != nil {
			return err
		}
	}
	err := s.repo.InsertSwap(ctx, rec)
	if errors.Is(err, database.ErrDuplicateKey) {
		s.logger.Info("Scanner: record inserted concurrently, skipping", "txHash", rec.TxHash)
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.ObserveDeposit(rec.Currency)
	s.metrics.ObserveTransition(rec.Status.String())
	s.logger.Info("Scanner: new deposit", "txHash", rec.TxHash, "currency", rec.Currency, "amount", rec.Amount, "status", rec.Status)
	s.afterSettle(ctx, rec, reason)
	s.bindQuote(ctx, quote, rec)
	return nil
}

// settle resolves a record that just reached its confirmation threshold: it stays CONFIRMED
// against an acknowledged quote within bounds and becomes IGNORED otherwise.
func (s *DepositScanner) settle(ctx context.Context, rec *model.SwapRecord) (*model.PendingQuote, string, error) {
	quote, err := s.repo.FindQuote(ctx, rec.TxHash, rec.From, rec.Currency)
	if errors.Is(err, database.ErrNotFound) {
		const reason = "no quote registered for sender"
		s.ignore(rec, reason)
		return nil, reason, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("find quote: %w", err)
	}
	if !strings.EqualFold(quote.Currency, rec.Currency) {
		reason := fmt.Sprintf("quote registered for %s but %s received", strings.ToUpper(quote.Currency), rec.Currency)
		s.ignore(rec, reason)
		return nil, reason, nil
	}
	if rec.OutputAmount == nil {
		rec.OutputAmount = quote.OutputAmount
	}
	reason, err := s.convert(ctx, rec)
	if err != nil {
		return nil, "", err
	}
	return quote, reason, nil
}

// convert fills the price fields. A missing price leaves the record CONFIRMED without a converted amount.
// An out-of-bounds result marks the record IGNORED and returns the reason.
func (s *DepositScanner) convert(ctx context.Context, rec *model.SwapRecord) (string, error) {
	res, err := s.converter.Convert(ctx, rec.Currency, rec.Amount)
	if errors.Is(err, swap.ErrPriceUnavailable) {
		s.logger.Warn("Scanner: price unavailable, conversion deferred", "txHash", rec.TxHash, "error", err)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("convert: %w", err)
	}
	rec.SwapFee = res.Fee
	rec.CurrencyPrice = res.SourcePrice
	rec.OutputPrice = res.OutputPrice
	rec.ConvertedAmount = res.OutputAmount
	if err := s.checkBounds(res.OutputAmount); err != nil {
		s.ignore(rec, err.Error())
		return err.Error(), nil
	}
	return "", nil
}

func (s *DepositScanner) checkBounds(out *big.Int) error {
	if out.Cmp(s.minOutput) < 0 || out.Cmp(s.maxOutput) > 0 {
		return fmt.Errorf("%w: output %s outside [%s, %s]", swap.ErrAmountOutOfBounds, out, s.minOutput, s.maxOutput)
	}
	return nil
}

func (s *DepositScanner) ignore(rec *model.SwapRecord, reason string) {
	s.logger.Warn("Scanner: deposit ignored, flagged for manual review", "txHash", rec.TxHash, "reason", reason)
	rec.Status = model.StatusIgnored
}

// retryConversions prices CONFIRMED records whose conversion was deferred.
func (s *DepositScanner) retryConversions(ctx context.Context) error {
	pending, err := s.repo.ListSwaps(ctx, database.SwapFilter{
		Statuses:           []model.SwapStatus{model.StatusConfirmed},
		AwaitingConversion: true,
	})
	if err != nil {
		return fmt.Errorf("list unconverted swaps: %w", err)
	}
	for _, rec := range pending {
		reason, err := s.convert(ctx, rec)
		if err != nil {
			s.logger.Error("Scanner: conversion retry failed", "txHash", rec.TxHash, "error", err)
			continue
		}
		if rec.ConvertedAmount == nil {
			continue
		}
		if err := s.write(ctx, rec, model.StatusConfirmed, reason); err != nil {
			s.logger.Error("Scanner: failed to store conversion", "txHash", rec.TxHash, "error", err)
		}
	}
	return nil
}

// write stores rec if it is still in expected. Losing the race to another writer is not an error.
func (s *DepositScanner) write(ctx context.Context, rec *model.SwapRecord, expected model.SwapStatus, reason string) error {
	if rec.Status != expected {
		if err := swap.Transition(expected, rec.Status); err != nil {
			return err
		}
	}
	err := s.repo.UpdateSwap(ctx, rec, expected)
	if errors.Is(err, database.ErrStaleStatus) {
		s.logger.Info("Scanner: record changed concurrently, skipping", "txHash", rec.TxHash)
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != expected {
		s.metrics.ObserveTransition(rec.Status.String())
		s.logger.Info("Scanner: status changed", "txHash", rec.TxHash, "from", expected, "to", rec.Status)
		s.afterSettle(ctx, rec, reason)
	}
	return nil
}

func (s *DepositScanner) afterSettle(ctx context.Context, rec *model.SwapRecord, reason string) {
	if rec.Status == model.StatusIgnored {
		s.notifier.Notify(ctx, notify.SwapIgnored, reason, rec)
	}
}

func (s *DepositScanner) bindQuote(ctx context.Context, quote *model.PendingQuote, rec *model.SwapRecord) {
	if quote == nil || quote.Status == model.QuoteBound {
		return
	}
	if err := s.repo.BindQuote(ctx, quote.ID, rec.TxHash); err != nil {
		s.logger.Error("Scanner: failed to bind quote", "quoteId", quote.ID, "txHash", rec.TxHash, "error", err)
	}
}

func applyTransfer(rec *model.SwapRecord, tr explorer.Transfer) {
	rec.TxHash = tr.Hash
	rec.Currency = strings.ToUpper(tr.Currency)
	rec.Block = tr.Block
	rec.From = strings.ToLower(tr.From)
	rec.To = strings.ToLower(tr.To)
	rec.Amount = tr.Value
	rec.Confirmations = tr.Confirmations
}
