package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/orderbridge/internal/events"
	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/order"
)

// ErrNotFound is returned when an audit row does not exist
var ErrNotFound = errors.New("audit record not found")

// AuditOrder is the stored view of an order
type AuditOrder struct {
	Connector       string                 `json:"connector"`
	ClientOrderID   string                 `json:"client_order_id"`
	ExchangeOrderID string                 `json:"exchange_order_id,omitempty"`
	TradingPair     string                 `json:"trading_pair"`
	Side            string                 `json:"side"`
	OrderType       string                 `json:"order_type"`
	Price           decimal.Decimal        `json:"price"`
	Amount          decimal.Decimal        `json:"amount"`
	State           string                 `json:"state"`
	ExecutedBase    decimal.Decimal        `json:"executed_base"`
	ExecutedQuote   decimal.Decimal        `json:"executed_quote"`
	FillCount       int                    `json:"fill_count"`
	Misc            map[string]interface{} `json:"misc,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	LastUpdate      time.Time              `json:"last_update"`
}

// AuditFill is one stored trade
type AuditFill struct {
	ClientOrderID   string              `json:"client_order_id"`
	TradeID         string              `json:"trade_id"`
	Connector       string              `json:"connector"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	TradingPair     string              `json:"trading_pair"`
	FillPrice       decimal.Decimal     `json:"fill_price"`
	FillBaseAmount  decimal.Decimal     `json:"fill_base_amount"`
	FillQuoteAmount decimal.Decimal     `json:"fill_quote_amount"`
	Fees            []order.TokenAmount `json:"fees,omitempty"`
	FilledAt        time.Time           `json:"filled_at"`
}

const upsertOrderQuery = `
	INSERT INTO audit_orders (
		connector, client_order_id, exchange_order_id, trading_pair, side,
		order_type, price, amount, state, executed_base, executed_quote,
		fill_count, misc, created_at, last_update
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
	)
	ON CONFLICT (connector, client_order_id) DO UPDATE SET
		exchange_order_id = COALESCE(EXCLUDED.exchange_order_id, audit_orders.exchange_order_id),
		state = EXCLUDED.state,
		executed_base = EXCLUDED.executed_base,
		executed_quote = EXCLUDED.executed_quote,
		fill_count = EXCLUDED.fill_count,
		misc = EXCLUDED.misc,
		last_update = EXCLUDED.last_update,
		recorded_at = NOW()
	WHERE audit_orders.last_update <= EXCLUDED.last_update
`

const insertFillQuery = `
	INSERT INTO audit_fills (
		client_order_id, trade_id, connector, exchange_order_id, trading_pair,
		fill_price, fill_base_amount, fill_quote_amount, fees, filled_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
	)
	ON CONFLICT (client_order_id, trade_id) DO NOTHING
`

// UpsertOrder records the current view of an order
func (db *DB) UpsertOrder(ctx context.Context, connector string, s order.Snapshot) error {
	misc, err := marshalJSON(s.Misc)
	if err != nil {
		return fmt.Errorf("failed to marshal order misc: %w", err)
	}

	_, err = db.pool.Exec(ctx, upsertOrderQuery,
		connector,
		s.ClientOrderID,
		nullable(s.ExchangeOrderID),
		s.TradingPair,
		string(s.Side),
		string(s.Kind),
		s.Price.String(),
		s.Amount.String(),
		s.State.String(),
		s.ExecutedBase.String(),
		s.ExecutedQuote.String(),
		s.FillCount,
		misc,
		s.CreatedAt,
		s.LastUpdate,
	)
	metrics.RecordAuditWrite("audit_orders", err == nil)
	if err != nil {
		log.Error().
			Err(err).
			Str("client_order_id", s.ClientOrderID).
			Str("state", s.State.String()).
			Msg("Failed to upsert audit order")
		return fmt.Errorf("failed to upsert order: %w", err)
	}

	log.Debug().
		Str("client_order_id", s.ClientOrderID).
		Str("state", s.State.String()).
		Msg("Audit order recorded")
	return nil
}

// InsertFill records a trade. It reports whether the row was new.
func (db *DB) InsertFill(ctx context.Context, connector string, t order.TradeUpdate) (bool, error) {
	fees, err := marshalJSON(t.Fee.Amounts(t.FillQuoteAmount))
	if err != nil {
		return false, fmt.Errorf("failed to marshal fees: %w", err)
	}

	tag, err := db.pool.Exec(ctx, insertFillQuery,
		t.ClientOrderID,
		t.TradeID,
		connector,
		nullable(t.ExchangeOrderID),
		t.TradingPair,
		t.FillPrice.String(),
		t.FillBaseAmount.String(),
		t.FillQuoteAmount.String(),
		fees,
		t.Timestamp,
	)
	metrics.RecordAuditWrite("audit_fills", err == nil)
	if err != nil {
		log.Error().
			Err(err).
			Str("client_order_id", t.ClientOrderID).
			Str("trade_id", t.TradeID).
			Msg("Failed to insert audit fill")
		return false, fmt.Errorf("failed to insert fill: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetOrder returns the stored view of an order
func (db *DB) GetOrder(ctx context.Context, connector, clientOrderID string) (*AuditOrder, error) {
	query := `
		SELECT
			connector, client_order_id, COALESCE(exchange_order_id, ''), trading_pair,
			side, order_type, price::text, amount::text, state, executed_base::text,
			executed_quote::text, fill_count, misc, created_at, last_update
		FROM audit_orders
		WHERE connector = $1 AND client_order_id = $2
	`

	var (
		o                                          AuditOrder
		price, amount, executedBase, executedQuote string
		misc                                       []byte
	)
	err := db.pool.QueryRow(ctx, query, connector, clientOrderID).Scan(
		&o.Connector,
		&o.ClientOrderID,
		&o.ExchangeOrderID,
		&o.TradingPair,
		&o.Side,
		&o.OrderType,
		&price,
		&amount,
		&o.State,
		&executedBase,
		&executedQuote,
		&o.FillCount,
		&misc,
		&o.CreatedAt,
		&o.LastUpdate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, clientOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if err := parseDecimals(
		decimalField{price, &o.Price},
		decimalField{amount, &o.Amount},
		decimalField{executedBase, &o.ExecutedBase},
		decimalField{executedQuote, &o.ExecutedQuote},
	); err != nil {
		return nil, err
	}
	if len(misc) > 0 {
		if err := json.Unmarshal(misc, &o.Misc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order misc: %w", err)
		}
	}
	return &o, nil
}

// ListFills returns the fills of an order, oldest first
func (db *DB) ListFills(ctx context.Context, connector, clientOrderID string) ([]AuditFill, error) {
	query := `
		SELECT
			client_order_id, trade_id, connector, COALESCE(exchange_order_id, ''), trading_pair,
			fill_price::text, fill_base_amount::text, fill_quote_amount::text, fees, filled_at
		FROM audit_fills
		WHERE connector = $1 AND client_order_id = $2
		ORDER BY filled_at ASC, trade_id ASC
	`

	rows, err := db.pool.Query(ctx, query, connector, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []AuditFill
	for rows.Next() {
		var (
			f                  AuditFill
			price, base, quote string
			fees               []byte
		)
		if err := rows.Scan(
			&f.ClientOrderID,
			&f.TradeID,
			&f.Connector,
			&f.ExchangeOrderID,
			&f.TradingPair,
			&price,
			&base,
			&quote,
			&fees,
			&f.FilledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		if err := parseDecimals(
			decimalField{price, &f.FillPrice},
			decimalField{base, &f.FillBaseAmount},
			decimalField{quote, &f.FillQuoteAmount},
		); err != nil {
			return nil, err
		}
		if len(fees) > 0 {
			if err := json.Unmarshal(fees, &f.Fees); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fees: %w", err)
			}
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fills: %w", err)
	}
	return fills, nil
}

// AuditWriter copies a connector's events into the audit tables
type AuditWriter struct {
	db           *DB
	connector    string
	writeTimeout time.Duration
}

// NewAuditWriter creates a writer for one connector
func NewAuditWriter(db *DB, connector string) *AuditWriter {
	return &AuditWriter{db: db, connector: connector, writeTimeout: 5 * time.Second}
}

// Run writes events from bus until ctx is done or both topics are closed.
// Write failures are logged and do not stop the writer.
func (w *AuditWriter) Run(ctx context.Context, bus *events.Bus) error {
	states := bus.States.Subscribe()
	defer states.Unsubscribe()
	fills := bus.Fills.Subscribe()
	defer fills.Unsubscribe()

	stateC, fillC := states.C(), fills.C()
	for stateC != nil || fillC != nil {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-stateC:
			if !ok {
				stateC = nil
				continue
			}
			w.write(ctx, func(ctx context.Context) error {
				return w.db.UpsertOrder(ctx, w.connector, e.Order)
			})
		case e, ok := <-fillC:
			if !ok {
				fillC = nil
				continue
			}
			trade := e.Trade
			trade.ClientOrderID = e.Order.ClientOrderID
			if trade.ExchangeOrderID == "" {
				trade.ExchangeOrderID = e.Order.ExchangeOrderID
			}
			if trade.TradingPair == "" {
				trade.TradingPair = e.Order.TradingPair
			}
			w.write(ctx, func(ctx context.Context) error {
				_, err := w.db.InsertFill(ctx, w.connector, trade)
				return err
			})
		}
	}
	return nil
}

func (w *AuditWriter) write(ctx context.Context, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("connector", w.connector).Msg("Audit write failed")
	}
}

type decimalField struct {
	raw string
	dst *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("invalid numeric %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalJSON(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		if len(x) == 0 {
			return nil, nil
		}
	case []order.TokenAmount:
		if len(x) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
