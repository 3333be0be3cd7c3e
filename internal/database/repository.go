package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/strategy"
	"ai-trading-engine/internal/trader"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// TRADERS
// ============================================================================

// SaveTrader upserts a trader configuration with its last known state
func (r *Repository) SaveTrader(ctx context.Context, cfg trader.Config, state trader.State) error {
	params, err := json.Marshal(paramsOrEmpty(cfg.StrategyParams))
	if err != nil {
		return fmt.Errorf("failed to encode strategy params: %w", err)
	}
	query := `
		INSERT INTO traders (id, name, exchange, symbol, stake_amount, risk_level, max_duration_ns,
		                     min_return_pct, strategy, strategy_params, interval, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, exchange = EXCLUDED.exchange, symbol = EXCLUDED.symbol,
			stake_amount = EXCLUDED.stake_amount, risk_level = EXCLUDED.risk_level,
			max_duration_ns = EXCLUDED.max_duration_ns, min_return_pct = EXCLUDED.min_return_pct,
			strategy = EXCLUDED.strategy, strategy_params = EXCLUDED.strategy_params,
			interval = EXCLUDED.interval, state = EXCLUDED.state, updated_at = NOW()
	`
	_, err = r.db.Pool.Exec(ctx, query,
		cfg.ID, cfg.Name, cfg.Exchange, cfg.Symbol, cfg.StakeAmount, cfg.RiskLevel,
		int64(cfg.MaxDuration), cfg.MinReturnPct, string(cfg.Strategy), params, cfg.Interval, string(state),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, err, "save trader %s", cfg.ID)
	}
	return nil
}

// DeleteTrader removes a trader configuration. Its trades are kept.
func (r *Repository) DeleteTrader(ctx context.Context, id string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM traders WHERE id = $1`, id); err != nil {
		return apperr.Wrap(apperr.KindTransientIO, err, "delete trader %s", id)
	}
	return nil
}

// ListTraders returns every stored trader configuration
func (r *Repository) ListTraders(ctx context.Context) ([]trader.Config, error) {
	query := `
		SELECT id, name, exchange, symbol, stake_amount, risk_level, max_duration_ns,
		       min_return_pct, strategy, strategy_params, interval
		FROM traders
		ORDER BY created_at
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, err, "list traders")
	}
	defer rows.Close()

	out := make([]trader.Config, 0)
	for rows.Next() {
		var (
			cfg      trader.Config
			duration int64
			strat    string
			params   []byte
		)
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Exchange, &cfg.Symbol, &cfg.StakeAmount,
			&cfg.RiskLevel, &duration, &cfg.MinReturnPct, &strat, &params, &cfg.Interval); err != nil {
			return nil, fmt.Errorf("failed to scan trader: %w", err)
		}
		cfg.MaxDuration = time.Duration(duration)
		cfg.Strategy = strategy.Kind(strat)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &cfg.StrategyParams); err != nil {
				return nil, fmt.Errorf("failed to decode strategy params of %s: %w", cfg.ID, err)
			}
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// ============================================================================
// TRADES
// ============================================================================

// SaveTrade inserts a closed trade. Saving the same trade twice is a no-op.
func (r *Repository) SaveTrade(ctx context.Context, rec trader.TradeRecord) error {
	query := `
		INSERT INTO trades (id, trader_id, exchange, symbol, side, strategy, size, leverage, quantity,
		                    entry_price, exit_price, pnl, pnl_percent, close_reason, pattern_id, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		rec.ID, rec.TraderID, rec.Exchange, rec.Symbol, string(rec.Side), string(rec.Strategy),
		rec.Size, rec.Leverage, rec.Quantity, rec.EntryPrice, rec.ExitPrice, rec.RealizedPnL,
		rec.ReturnPct, rec.CloseReason, nullable(rec.PatternID), rec.OpenedAt, rec.ClosedAt,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, err, "save trade %s", rec.ID)
	}
	return nil
}

// ListTrades returns the most recent closed trades of traderID, or of all
// traders when empty
func (r *Repository) ListTrades(ctx context.Context, traderID string, limit int) ([]trader.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, trader_id, exchange, symbol, side, strategy, size, leverage, quantity,
		       entry_price, exit_price, pnl, pnl_percent, close_reason, COALESCE(pattern_id, ''), opened_at, closed_at
		FROM trades
		WHERE $1 = '' OR trader_id = $1
		ORDER BY closed_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, traderID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, err, "list trades")
	}
	defer rows.Close()

	out := make([]trader.TradeRecord, 0)
	for rows.Next() {
		var (
			rec         trader.TradeRecord
			side, strat string
		)
		if err := rows.Scan(&rec.ID, &rec.TraderID, &rec.Exchange, &rec.Symbol, &side, &strat,
			&rec.Size, &rec.Leverage, &rec.Quantity, &rec.EntryPrice, &rec.ExitPrice, &rec.RealizedPnL,
			&rec.ReturnPct, &rec.CloseReason, &rec.PatternID, &rec.OpenedAt, &rec.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		rec.Side = exchange.Side(side)
		rec.Strategy = strategy.Kind(strat)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================================================
// PATTERNS
// ============================================================================

// SavePattern upserts a pattern
func (r *Repository) SavePattern(ctx context.Context, p *patterns.TradingPattern) error {
	conditions, err := encodeConditions(p.Conditions)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO patterns (id, name, exchange, symbol, timeframe, conditions, action, confidence,
		                      usage_count, success_count, success_rate, average_return, samples, tags,
		                      created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, conditions = EXCLUDED.conditions, action = EXCLUDED.action,
			confidence = EXCLUDED.confidence, usage_count = EXCLUDED.usage_count,
			success_count = EXCLUDED.success_count, success_rate = EXCLUDED.success_rate,
			average_return = EXCLUDED.average_return, samples = EXCLUDED.samples,
			tags = EXCLUDED.tags, last_used_at = EXCLUDED.last_used_at
	`
	_, err = r.db.Pool.Exec(ctx, query,
		p.ID, p.Name, p.Exchange, p.Symbol, p.Timeframe, conditions, string(p.Action), p.Confidence,
		p.UsageCount, p.SuccessCount, p.SuccessRate, p.AverageReturn, p.Samples, tagsOrEmpty(p.Tags),
		p.CreatedAt, nullableTime(p.LastUsedAt),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, err, "save pattern %s", p.ID)
	}
	return nil
}

// DeletePatterns removes the given patterns in one statement
func (r *Repository) DeletePatterns(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM patterns WHERE id = ANY($1)`, ids); err != nil {
		return apperr.Wrap(apperr.KindTransientIO, err, "delete %d patterns", len(ids))
	}
	return nil
}

// ListPatterns loads every pattern
func (r *Repository) ListPatterns(ctx context.Context) ([]*patterns.TradingPattern, error) {
	query := `
		SELECT id, name, exchange, symbol, timeframe, conditions, action, confidence, usage_count,
		       success_count, success_rate, average_return, samples, tags, created_at, last_used_at
		FROM patterns
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, err, "list patterns")
	}
	defer rows.Close()

	out := make([]*patterns.TradingPattern, 0)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPattern loads one pattern
func (r *Repository) GetPattern(ctx context.Context, id string) (*patterns.TradingPattern, error) {
	query := `
		SELECT id, name, exchange, symbol, timeframe, conditions, action, confidence, usage_count,
		       success_count, success_rate, average_return, samples, tags, created_at, last_used_at
		FROM patterns
		WHERE id = $1
	`
	p, err := scanPattern(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "pattern %s not found", id)
	}
	return p, err
}

func scanPattern(row pgx.Row) (*patterns.TradingPattern, error) {
	var (
		p          patterns.TradingPattern
		conditions []byte
		action     string
		lastUsed   *time.Time
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Exchange, &p.Symbol, &p.Timeframe, &conditions, &action,
		&p.Confidence, &p.UsageCount, &p.SuccessCount, &p.SuccessRate, &p.AverageReturn, &p.Samples,
		&p.Tags, &p.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	c, err := decodeConditions(conditions)
	if err != nil {
		return nil, fmt.Errorf("pattern %s: %w", p.ID, err)
	}
	p.Conditions = c
	p.Action = strategy.Action(action)
	if lastUsed != nil {
		p.LastUsedAt = *lastUsed
	}
	return &p, nil
}

func encodeConditions(c map[string]float64) ([]byte, error) {
	if c == nil {
		c = map[string]float64{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	return b, nil
}

func decodeConditions(b []byte) (map[string]float64, error) {
	out := make(map[string]float64)
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode conditions: %w", err)
	}
	return out, nil
}

func paramsOrEmpty(p strategy.Params) strategy.Params {
	if p == nil {
		return strategy.Params{}
	}
	return p
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var (
	_ trader.Store        = (*Repository)(nil)
	_ patterns.Repository = (*Repository)(nil)
)
