package subscription

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradewire/tradewire/errs"
)

// PostgresSource is the authoritative subscription store.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource wraps an existing pgx pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) ensurePool() error {
	if s == nil || s.pool == nil {
		return errs.New("subscription/postgres", errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithMessage("nil pool"))
	}
	return nil
}

const subscriptionColumns = `user_id, strategy_id, enabled, quantity_multiplier, max_position_value, risk_multiplier`

func scanEntry(row pgx.Row) (Entry, error) {
	var entry Entry
	var qty, maxPos, risk decimal.Decimal
	if err := row.Scan(&entry.UserID, &entry.StrategyID, &entry.Enabled, &qty, &maxPos, &risk); err != nil {
		return Entry{}, err
	}
	entry.QuantityMultiplier = qty
	entry.MaxPositionValue = maxPos
	entry.RiskMultiplier = risk
	return entry, nil
}

func (s *PostgresSource) LoadStrategy(ctx context.Context, strategyID string) ([]Entry, error) {
	const op = "subscription/postgres.loadStrategy"
	if err := s.ensurePool(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE strategy_id = @strategy_id`,
		pgx.NamedArgs{"strategy_id": strategyID})
	if err != nil {
		return nil, errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errs.New(op, errs.CodeUnavailable,
				errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
	}
	return entries, nil
}

func (s *PostgresSource) LoadAll(ctx context.Context) (map[string][]Entry, error) {
	const op = "subscription/postgres.loadAll"
	if err := s.ensurePool(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions`)
	if err != nil {
		return nil, errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
	}
	defer rows.Close()

	out := make(map[string][]Entry)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errs.New(op, errs.CodeUnavailable,
				errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
		}
		out[entry.StrategyID] = append(out[entry.StrategyID], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
	}
	return out, nil
}

func (s *PostgresSource) Upsert(ctx context.Context, entry Entry) error {
	const op = "subscription/postgres.upsert"
	if err := s.ensurePool(); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (@user_id, @strategy_id, @enabled, @quantity_multiplier, @max_position_value, @risk_multiplier)
		ON CONFLICT (user_id, strategy_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			quantity_multiplier = EXCLUDED.quantity_multiplier,
			max_position_value = EXCLUDED.max_position_value,
			risk_multiplier = EXCLUDED.risk_multiplier,
			updated_at = now()`,
		pgx.NamedArgs{
			"user_id":             entry.UserID,
			"strategy_id":         entry.StrategyID,
			"enabled":             entry.Enabled,
			"quantity_multiplier": entry.QuantityMultiplier,
			"max_position_value":  entry.MaxPositionValue,
			"risk_multiplier":     entry.RiskMultiplier,
		})
	if err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err),
			errs.WithUser(entry.UserID), errs.WithStrategy(entry.StrategyID))
	}
	return nil
}
