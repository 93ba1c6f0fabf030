package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"settler/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pgErrUniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const swapColumns = `id, tx_hash, block, from_address, to_address, currency, amount::text, swap_fee::text,
	confirmations, currency_price::text, output_price::text, output_amount::text, converted_amount::text,
	delivered_amount::text, delivery_fee::text, delivery_tx_hash, status, exchange_status, sell_order_id,
	buy_order_id, avg_currency_price::text, avg_output_price::text, exchanged_amount::text, created_at, updated_at`

// PostgresRepository is the PostgreSQL implementation of the Repository.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to dsn and verifies the connection.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	r.Pool.Close()
}

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := r.Pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (r *PostgresRepository) GetSwap(ctx context.Context, txHash string) (*model.SwapRecord, error) {
	row := r.Pool.QueryRow(ctx, "SELECT "+swapColumns+" FROM swap_records WHERE tx_hash = $1", strings.ToLower(txHash))
	rec, err := scanSwap(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get swap %s: %w", txHash, err)
	}
	return rec, nil
}

func (r *PostgresRepository) InsertSwap(ctx context.Context, rec *model.SwapRecord) error {
	query, args, err := psql.Insert("swap_records").
		Columns("tx_hash", "block", "from_address", "to_address", "currency", "amount", "swap_fee",
			"confirmations", "currency_price", "output_price", "output_amount", "converted_amount", "status").
		Values(strings.ToLower(rec.TxHash), rec.Block, strings.ToLower(rec.From), strings.ToLower(rec.To),
			strings.ToUpper(rec.Currency), numeric(rec.Amount), numeric(rec.SwapFee), rec.Confirmations,
			price(rec.CurrencyPrice), price(rec.OutputPrice), numeric(rec.OutputAmount), numeric(rec.ConvertedAmount),
			int(rec.Status)).
		Suffix("RETURNING id, created_at, updated_at").
		ToSql()
	if err != nil {
		return err
	}
	err = r.Pool.QueryRow(ctx, query, args...).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if isDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert swap %s: %w", rec.TxHash, err)
	}
	return nil
}

func (r *PostgresRepository) UpdateSwap(ctx context.Context, rec *model.SwapRecord, expected model.SwapStatus) error {
	query, args, err := psql.Update("swap_records").
		Set("block", rec.Block).
		Set("from_address", strings.ToLower(rec.From)).
		Set("to_address", strings.ToLower(rec.To)).
		Set("amount", numeric(rec.Amount)).
		Set("confirmations", rec.Confirmations).
		Set("swap_fee", numeric(rec.SwapFee)).
		Set("currency_price", price(rec.CurrencyPrice)).
		Set("output_price", price(rec.OutputPrice)).
		Set("output_amount", numeric(rec.OutputAmount)).
		Set("converted_amount", numeric(rec.ConvertedAmount)).
		Set("delivered_amount", numeric(rec.DeliveredAmount)).
		Set("delivery_fee", numeric(rec.DeliveryFee)).
		Set("delivery_tx_hash", rec.DeliveryTxHash).
		Set("status", int(rec.Status)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"tx_hash": strings.ToLower(rec.TxHash), "status": int(expected)}).
		Suffix("RETURNING updated_at").
		ToSql()
	if err != nil {
		return err
	}
	err = r.Pool.QueryRow(ctx, query, args...).Scan(&rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleStatus
	}
	if err != nil {
		return fmt.Errorf("update swap %s: %w", rec.TxHash, err)
	}
	return nil
}

func (r *PostgresRepository) ListSwaps(ctx context.Context, filter SwapFilter) ([]*model.SwapRecord, error) {
	b := psql.Select(swapColumns).From("swap_records").OrderBy("id ASC")
	if len(filter.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": statusInts(filter.Statuses)})
	}
	if len(filter.ExchangeStatuses) > 0 {
		b = b.Where(sq.Eq{"exchange_status": exchangeInts(filter.ExchangeStatuses)})
	}
	if filter.AwaitingConversion {
		b = b.Where(sq.Eq{"converted_amount": nil})
	}
	if filter.Converted {
		b = b.Where(sq.NotEq{"converted_amount": nil})
	}
	return r.querySwaps(ctx, b)
}

func (r *PostgresRepository) ListSwapsByAddress(ctx context.Context, from string) ([]*model.SwapRecord, error) {
	b := psql.Select(swapColumns).From("swap_records").
		Where(sq.Expr("LOWER(from_address) = ?", strings.ToLower(from))).
		OrderBy("id DESC")
	return r.querySwaps(ctx, b)
}

func (r *PostgresRepository) querySwaps(ctx context.Context, b sq.SelectBuilder) ([]*model.SwapRecord, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list swaps: %w", err)
	}
	defer rows.Close()

	var out []*model.SwapRecord
	for rows.Next() {
		rec, err := scanSwap(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swap: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ScanStart(ctx context.Context, currency string, floor uint64) (uint64, error) {
	var lowestPending, highest *int64
	err := r.Pool.QueryRow(ctx, `
		SELECT MIN(block) FILTER (WHERE status = $2 AND block > 0), MAX(block)
		FROM swap_records WHERE currency = $1`,
		strings.ToUpper(currency), int(model.StatusConfirming),
	).Scan(&lowestPending, &highest)
	if err != nil {
		return 0, fmt.Errorf("scan start for %s: %w", currency, err)
	}
	start := floor
	switch {
	case lowestPending != nil:
		start = uint64(*lowestPending)
	case highest != nil:
		// the highest block is read again: a run that failed midway may have stored only part of it
		start = uint64(*highest)
	}
	if start < floor {
		start = floor
	}
	return start, nil
}

func (r *PostgresRepository) MarkExchanging(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := psql.Update("swap_records").
		Set("exchange_status", int(model.ExchangeExchanging)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": ids, "exchange_status": exchangeInts(
			[]model.ExchangeStatus{model.ExchangeNone, model.ExchangeExchanging})}).
		ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := r.Pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark exchanging: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) CompleteExchange(ctx context.Context, results []model.ExchangeResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, res := range results {
		tag, err := tx.Exec(ctx, `
			UPDATE swap_records SET
				exchange_status = $2, sell_order_id = $3, buy_order_id = $4,
				avg_currency_price = $5, avg_output_price = $6, exchanged_amount = $7, updated_at = NOW()
			WHERE id = $1 AND exchange_status = $8`,
			res.SwapID, int(model.ExchangeExchanged), res.SellOrderID, res.BuyOrderID,
			price(res.AvgCurrencyPrice), price(res.AvgOutputPrice), numeric(res.ExchangedAmount),
			int(model.ExchangeExchanging),
		)
		if err != nil {
			return fmt.Errorf("complete exchange for swap %d: %w", res.SwapID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("complete exchange for swap %d: %w", res.SwapID, ErrStaleStatus)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SaveTradeFill(ctx context.Context, fill *model.TradeFill) error {
	var finished *time.Time
	if !fill.FinishedAt.IsZero() {
		finished = &fill.FinishedAt
	}
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO trade_fills (order_id, client_order_id, symbol, side, amount, filled_amount,
			filled_cash_amount, fees, fee_asset, state, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id) DO UPDATE SET
			filled_amount = EXCLUDED.filled_amount,
			filled_cash_amount = EXCLUDED.filled_cash_amount,
			fees = EXCLUDED.fees,
			fee_asset = EXCLUDED.fee_asset,
			state = EXCLUDED.state,
			finished_at = EXCLUDED.finished_at`,
		fill.OrderID, fill.ClientOrderID, fill.Symbol, string(fill.Side), fill.Amount.String(),
		fill.FilledAmount.String(), fill.FilledCashAmount.String(), fill.Fees.String(), fill.FeeAsset,
		string(fill.State), fill.CreatedAt, finished,
	)
	if err != nil {
		return fmt.Errorf("save trade fill %s: %w", fill.OrderID, err)
	}
	return nil
}

func (r *PostgresRepository) FindTradeFill(ctx context.Context, clientOrderID string) (*model.TradeFill, error) {
	var (
		fill                       model.TradeFill
		side, state                string
		amount, filled, cash, fees string
		finished                   *time.Time
	)
	err := r.Pool.QueryRow(ctx, `
		SELECT order_id, client_order_id, symbol, side, amount::text, filled_amount::text,
			filled_cash_amount::text, fees::text, fee_asset, state, created_at, finished_at
		FROM trade_fills WHERE client_order_id = $1
		ORDER BY created_at DESC LIMIT 1`, clientOrderID,
	).Scan(&fill.OrderID, &fill.ClientOrderID, &fill.Symbol, &side, &amount, &filled, &cash, &fees,
		&fill.FeeAsset, &state, &fill.CreatedAt, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trade fill %s: %w", clientOrderID, err)
	}
	fill.Side = model.OrderSide(side)
	fill.State = model.OrderState(state)
	if fill.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if fill.FilledAmount, err = decimal.NewFromString(filled); err != nil {
		return nil, err
	}
	if fill.FilledCashAmount, err = decimal.NewFromString(cash); err != nil {
		return nil, err
	}
	if fill.Fees, err = decimal.NewFromString(fees); err != nil {
		return nil, err
	}
	if finished != nil {
		fill.FinishedAt = *finished
	}
	return &fill, nil
}

// SaveClearing stores one execution. Replayed executions return ErrDuplicateKey.
func (r *PostgresRepository) SaveClearing(ctx context.Context, c *model.Clearing) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO clearings (order_id, trade_id, symbol, side, trade_price, trade_volume, fee, fee_asset, trade_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.OrderID, c.TradeID, c.Symbol, string(c.Side), c.TradePrice.String(), c.TradeVolume.String(),
		c.Fee.String(), c.FeeAsset, c.TradeTime,
	)
	if isDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("save clearing %s/%s: %w", c.OrderID, c.TradeID, err)
	}
	return nil
}

func (r *PostgresRepository) SaveQuote(ctx context.Context, q *model.PendingQuote) error {
	err := r.Pool.QueryRow(ctx, `
		INSERT INTO pending_quotes (tx_hash, from_address, currency, token_amount, output_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		strings.ToLower(q.TxHash), strings.ToLower(q.From), strings.ToUpper(q.Currency),
		numeric(q.TokenAmount), numeric(q.OutputAmount), int(q.Status),
	).Scan(&q.ID, &q.CreatedAt)
	if isDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("save quote: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindQuote(ctx context.Context, txHash, from, currency string) (*model.PendingQuote, error) {
	const cols = "id, tx_hash, from_address, currency, token_amount::text, output_amount::text, status, created_at"
	row := r.Pool.QueryRow(ctx, "SELECT "+cols+" FROM pending_quotes WHERE tx_hash = $1 AND tx_hash <> ''",
		strings.ToLower(txHash))
	q, err := scanQuote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		row = r.Pool.QueryRow(ctx, "SELECT "+cols+` FROM pending_quotes
			WHERE LOWER(from_address) = $1 AND currency = $2 AND status = $3 AND tx_hash = ''
			ORDER BY id DESC LIMIT 1`,
			strings.ToLower(from), strings.ToUpper(currency), int(model.QuoteOpen))
		q, err = scanQuote(row)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find quote: %w", err)
	}
	return q, nil
}

func (r *PostgresRepository) BindQuote(ctx context.Context, quoteID int64, txHash string) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE pending_quotes SET status = $2, tx_hash = $3 WHERE id = $1`,
		quoteID, int(model.QuoteBound), strings.ToLower(txHash))
	if isDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("bind quote %d: %w", quoteID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSwap(row pgx.Row) (*model.SwapRecord, error) {
	var (
		rec                                                model.SwapRecord
		block, confirmations                               int64
		status, exchangeStatus                             int
		amount, swapFee, outputAmount, converted           *string
		delivered, deliveryFee, exchanged                  *string
		currencyPrice, outputPrice, avgCurrency, avgOutput *string
	)
	err := row.Scan(&rec.ID, &rec.TxHash, &block, &rec.From, &rec.To, &rec.Currency, &amount, &swapFee,
		&confirmations, &currencyPrice, &outputPrice, &outputAmount, &converted,
		&delivered, &deliveryFee, &rec.DeliveryTxHash, &status, &exchangeStatus, &rec.SellOrderID,
		&rec.BuyOrderID, &avgCurrency, &avgOutput, &exchanged, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Block = uint64(block)
	rec.Confirmations = uint64(confirmations)
	rec.Status = model.SwapStatus(status)
	rec.ExchangeStatus = model.ExchangeStatus(exchangeStatus)
	rec.Amount = parseNumeric(amount)
	if rec.Amount == nil {
		rec.Amount = new(big.Int)
	}
	rec.SwapFee = parseNumeric(swapFee)
	rec.OutputAmount = parseNumeric(outputAmount)
	rec.ConvertedAmount = parseNumeric(converted)
	rec.DeliveredAmount = parseNumeric(delivered)
	rec.DeliveryFee = parseNumeric(deliveryFee)
	rec.ExchangedAmount = parseNumeric(exchanged)
	rec.CurrencyPrice = parsePrice(currencyPrice)
	rec.OutputPrice = parsePrice(outputPrice)
	rec.AvgCurrencyPrice = parsePrice(avgCurrency)
	rec.AvgOutputPrice = parsePrice(avgOutput)
	return &rec, nil
}

func scanQuote(row pgx.Row) (*model.PendingQuote, error) {
	var (
		q                   model.PendingQuote
		status              int
		tokenAmount, output *string
	)
	if err := row.Scan(&q.ID, &q.TxHash, &q.From, &q.Currency, &tokenAmount, &output, &status, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.Status = model.QuoteStatus(status)
	q.TokenAmount = parseNumeric(tokenAmount)
	q.OutputAmount = parseNumeric(output)
	return &q, nil
}

// numeric renders an optional integer amount as text so postgres can cast it to NUMERIC exactly.
func numeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func price(d decimal.Decimal) *string {
	if d.IsZero() {
		return nil
	}
	s := d.String()
	return &s
}

func parseNumeric(s *string) *big.Int {
	if s == nil {
		return nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		// NUMERIC(78,0) may render a trailing ".0" after arithmetic
		d, err := decimal.NewFromString(*s)
		if err != nil {
			return nil
		}
		return d.BigInt()
	}
	return v
}

func parsePrice(s *string) decimal.Decimal {
	if s == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func statusInts(in []model.SwapStatus) []int {
	out := make([]int, len(in))
	for i, s := range in {
		out[i] = int(s)
	}
	return out
}

func exchangeInts(in []model.ExchangeStatus) []int {
	out := make([]int, len(in))
	for i, s := range in {
		out[i] = int(s)
	}
	return out
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
