package audit

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/order"
	"github.com/tradewire/tradewire/internal/safety"
)

// PostgresStore persists audit records through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ensurePool(op string) error {
	if s == nil || s.pool == nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryDatabase), errs.WithMessage("nil pool"))
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func dbErr(op string, err error) error {
	return errs.New(op, errs.CodeUnavailable,
		errs.WithCategory(errs.CategoryDatabase), errs.WithCause(err))
}

func (s *PostgresStore) SaveOrder(ctx context.Context, ord order.Order) error {
	const op = "audit/postgres.saveOrder"
	if err := s.ensurePool(op); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (
			id, user_id, strategy_id, signal_id, symbol, exchange, side,
			quantity, order_type, product_type, price, trigger_price,
			status, broker_order_id, error_message, created_at, last_updated
		) VALUES (
			@id, @user_id, @strategy_id, @signal_id, @symbol, @exchange, @side,
			@quantity, @order_type, @product_type, @price, @trigger_price,
			@status, @broker_order_id, @error_message, @created_at, @last_updated
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			broker_order_id = EXCLUDED.broker_order_id,
			error_message = EXCLUDED.error_message,
			last_updated = EXCLUDED.last_updated`,
		pgx.NamedArgs{
			"id":              ord.ID,
			"user_id":         ord.UserID,
			"strategy_id":     ord.StrategyID,
			"signal_id":       ord.SignalID,
			"symbol":          ord.Symbol,
			"exchange":        ord.Exchange,
			"side":            ord.Side,
			"quantity":        ord.Quantity,
			"order_type":      string(ord.OrderType),
			"product_type":    string(ord.ProductType),
			"price":           ord.Price,
			"trigger_price":   ord.TriggerPrice,
			"status":          string(ord.Status),
			"broker_order_id": ord.BrokerOrderID,
			"error_message":   ord.ErrorMessage,
			"created_at":      ord.CreatedAt,
			"last_updated":    ord.LastUpdated,
		})
	if err != nil {
		return dbErr(op, err)
	}
	return nil
}

func (s *PostgresStore) SaveTransition(ctx context.Context, tr order.Transition) error {
	const op = "audit/postgres.saveTransition"
	if err := s.ensurePool(op); err != nil {
		return err
	}
	meta, err := json.Marshal(tr.Metadata)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO order_transitions (
			transaction_id, order_id, user_id, action, from_state, to_state, at, metadata
		) VALUES (
			@transaction_id, @order_id, @user_id, @action, @from_state, @to_state, @at, @metadata
		)`,
		pgx.NamedArgs{
			"transaction_id": tr.TransactionID,
			"order_id":       tr.OrderID,
			"user_id":        tr.UserID,
			"action":         tr.Action,
			"from_state":     string(tr.FromState),
			"to_state":       string(tr.ToState),
			"at":             tr.Timestamp,
			"metadata":       meta,
		})
	if err != nil {
		return dbErr(op, err)
	}
	return nil
}

func (s *PostgresStore) SaveErrorRecord(ctx context.Context, rec safety.Record) error {
	const op = "audit/postgres.saveErrorRecord"
	if err := s.ensurePool(op); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO error_records (
			id, at, category, severity, action, rule, message,
			user_id, strategy_id, symbol, impact_estimate,
			human_intervention, resolved, resolved_at, notes
		) VALUES (
			@id, @at, @category, @severity, @action, @rule, @message,
			@user_id, @strategy_id, @symbol, @impact_estimate,
			@human_intervention, @resolved, @resolved_at, @notes
		)
		ON CONFLICT (id) DO UPDATE SET
			resolved = EXCLUDED.resolved,
			resolved_at = EXCLUDED.resolved_at,
			notes = EXCLUDED.notes`,
		pgx.NamedArgs{
			"id":                 rec.ID,
			"at":                 rec.At,
			"category":           string(rec.Category),
			"severity":           rec.Severity.String(),
			"action":             string(rec.Action),
			"rule":               rec.Rule,
			"message":            rec.Message,
			"user_id":            rec.UserID,
			"strategy_id":        rec.StrategyID,
			"symbol":             rec.Symbol,
			"impact_estimate":    rec.ImpactEstimate,
			"human_intervention": rec.HumanIntervention,
			"resolved":           rec.Resolved,
			"resolved_at":        nullableTime(rec.ResolvedAt),
			"notes":              rec.Notes,
		})
	if err != nil {
		return dbErr(op, err)
	}
	return nil
}

func (s *PostgresStore) Transitions(ctx context.Context, orderID string) ([]order.Transition, error) {
	const op = "audit/postgres.transitions"
	if err := s.ensurePool(op); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_id, order_id, user_id, action, from_state, to_state, at, metadata
		FROM order_transitions WHERE order_id = @order_id ORDER BY at`,
		pgx.NamedArgs{"order_id": orderID})
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var out []order.Transition
	for rows.Next() {
		var tr order.Transition
		var from, to string
		var meta []byte
		if err := rows.Scan(&tr.TransactionID, &tr.OrderID, &tr.UserID, &tr.Action,
			&from, &to, &tr.Timestamp, &meta); err != nil {
			return nil, dbErr(op, err)
		}
		tr.FromState = order.Status(from)
		tr.ToState = order.Status(to)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &tr.Metadata); err != nil {
				return nil, dbErr(op, err)
			}
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return out, nil
}
