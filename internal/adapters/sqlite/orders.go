package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

const orderColumns = `id, exchange_id, symbol, intent, exit_side, fee_tier, price, orig_qty, filled_qty,
	remaining_qty, avg_fill_price, state, state_times, reason, needs_review, strength, stop_loss_price,
	position_id, version, created_at, updated_at`

const pendingStates = `('PLACED', 'PARTIALLY_FILLED', 'TIMED_OUT', 'CONVERTED')`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// --- OrderStore Implementation ---

// Put inserts a new order (Version 0) or replaces an existing one whose stored
// version matches.
func (r *Repository) Put(ctx context.Context, o *domain.Order) error {
	if err := o.CheckQuantities(domain.FillEpsilon); err != nil {
		return fmt.Errorf("put order %s: %w: %w", o.ID, ports.ErrInvariantViolation, err)
	}
	if o.Version == 0 {
		if err := insertOrder(ctx, r.db, o); err != nil {
			if errors.Is(err, ports.ErrDuplicateEntry) {
				// The caller's copy predates the stored row.
				return fmt.Errorf("put order %s at version 0: %w", o.ID, ports.ErrStaleWrite)
			}
			return err
		}
		r.logger.Debug(ctx, "Order stored", map[string]interface{}{"orderID": o.ID, "symbol": o.Symbol, "state": o.State})
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put order %s: begin: %w", o.ID, err)
	}
	defer tx.Rollback()
	prev, err := getOrder(ctx, tx, o.ID)
	if err != nil {
		return err
	}
	if err := updateOrder(ctx, tx, o); err != nil {
		return err
	}
	if !prev.State.IsTerminal() && o.State.IsTerminal() {
		if err := bumpAdmission(ctx, tx, o.Symbol); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put order %s: commit: %w", o.ID, err)
	}
	o.Version++
	return nil
}

// Get returns the order with id.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, r.db, id)
}

// ListPending returns the non-terminal orders of symbol, oldest first.
func (r *Repository) ListPending(ctx context.Context, symbol string) ([]*domain.Order, error) {
	return queryOrders(ctx, r.db, `SELECT `+orderColumns+` FROM orders
		WHERE symbol = ? AND state IN `+pendingStates+` ORDER BY created_at, id`, symbol)
}

// All returns every order, oldest first.
func (r *Repository) All(ctx context.Context) ([]*domain.Order, error) {
	return queryOrders(ctx, r.db, `SELECT `+orderColumns+` FROM orders ORDER BY created_at, id`)
}

// MarkState applies tr in one transaction: version check, transition check,
// fill application and quantity invariant, then write with version+1.
func (r *Repository) MarkState(ctx context.Context, tr ports.Transition) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mark order %s: begin: %w", tr.ID, err)
	}
	defer tx.Rollback()

	o, err := getOrder(ctx, tx, tr.ID)
	if err != nil {
		return nil, err
	}
	from := o.State
	if err := ports.ApplyTransition(o, tr, r.now()); err != nil {
		return nil, err
	}

	if err := updateOrder(ctx, tx, o); err != nil {
		return nil, err
	}
	if tr.To.IsTerminal() {
		if err := bumpAdmission(ctx, tx, o.Symbol); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark order %s: commit: %w", tr.ID, err)
	}
	o.Version++
	r.logger.Debug(ctx, "Order state marked", map[string]interface{}{
		"orderID": o.ID, "from": from, "to": o.State, "filled": o.FilledQty, "version": o.Version,
	})
	return o, nil
}

// PendingSnapshot reads the symbol's pending orders and admission version together.
func (r *Repository) PendingSnapshot(ctx context.Context, symbol string) ([]*domain.Order, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("pending snapshot %s: begin: %w", symbol, err)
	}
	defer tx.Rollback()

	version, err := admissionVersion(ctx, tx, symbol)
	if err != nil {
		return nil, 0, err
	}
	orders, err := queryOrders(ctx, tx, `SELECT `+orderColumns+` FROM orders
		WHERE symbol = ? AND state IN `+pendingStates+` ORDER BY created_at, id`, symbol)
	if err != nil {
		return nil, 0, err
	}
	return orders, version, tx.Commit()
}

// Admit inserts o if nobody admitted or retired an order for the symbol since
// expectedSymbolVersion was read.
func (r *Repository) Admit(ctx context.Context, o *domain.Order, expectedSymbolVersion int64) error {
	if err := o.CheckQuantities(domain.FillEpsilon); err != nil {
		return fmt.Errorf("admit order %s: %w: %w", o.ID, ports.ErrInvariantViolation, err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("admit order %s: begin: %w", o.ID, err)
	}
	defer tx.Rollback()

	version, err := admissionVersion(ctx, tx, o.Symbol)
	if err != nil {
		return err
	}
	if version != expectedSymbolVersion {
		return fmt.Errorf("admit order %s: symbol %s version %d, expected %d: %w",
			o.ID, o.Symbol, version, expectedSymbolVersion, ports.ErrStaleWrite)
	}
	if err := bumpAdmission(ctx, tx, o.Symbol); err != nil {
		return err
	}
	if err := insertOrder(ctx, tx, o); err != nil {
		o.Version = 0
		return err
	}
	if err := tx.Commit(); err != nil {
		o.Version = 0
		return fmt.Errorf("admit order %s: commit: %w", o.ID, err)
	}
	r.logger.Debug(ctx, "Order admitted", map[string]interface{}{"orderID": o.ID, "symbol": o.Symbol, "symbolVersion": version + 1})
	return nil
}

// --- helpers ---

func insertOrder(ctx context.Context, db execer, o *domain.Order) error {
	if o.StateTimes == nil {
		o.StateTimes = map[domain.OrderState]time.Time{}
	}
	times, err := json.Marshal(o.StateTimes)
	if err != nil {
		return fmt.Errorf("insert order %s: encode state times: %w", o.ID, err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, nullInt64(o.ExchangeID), o.Symbol, o.Intent, o.ExitSide, o.FeeTier, o.Price, o.OrigQty, o.FilledQty,
		o.RemainingQty, o.AvgFillPrice, o.State, string(times), o.Reason, boolInt(o.NeedsReview), o.Strength,
		o.StopLossPrice, nullInt64(o.PositionID), 1, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("insert order %s: %w: %w", o.ID, ports.ErrDuplicateEntry, err)
		}
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	o.Version = 1
	return nil
}

// updateOrder writes o over the row holding o.Version.
func updateOrder(ctx context.Context, db execer, o *domain.Order) error {
	times, err := json.Marshal(o.StateTimes)
	if err != nil {
		return fmt.Errorf("update order %s: encode state times: %w", o.ID, err)
	}
	res, err := db.ExecContext(ctx, `UPDATE orders SET exchange_id = ?, filled_qty = ?, remaining_qty = ?,
		avg_fill_price = ?, state = ?, state_times = ?, reason = ?, needs_review = ?, stop_loss_price = ?,
		position_id = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		nullInt64(o.ExchangeID), o.FilledQty, o.RemainingQty, o.AvgFillPrice, o.State, string(times), o.Reason,
		boolInt(o.NeedsReview), o.StopLossPrice, nullInt64(o.PositionID), o.UpdatedAt.UTC(), o.ID, o.Version)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order %s: rows affected: %w", o.ID, err)
	}
	if n == 0 {
		var exists int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE id = ?`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update order %s: %w", o.ID, err)
		}
		if exists == 0 {
			return fmt.Errorf("order %s not found for update: %w", o.ID, ports.ErrNotFound)
		}
		return fmt.Errorf("update order %s at version %d: %w", o.ID, o.Version, ports.ErrStaleWrite)
	}
	return nil
}

func getOrder(ctx context.Context, db execer, id string) (*domain.Order, error) {
	row := db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query order %s: %w", id, err)
	}
	return o, nil
}

func queryOrders(ctx context.Context, db execer, query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return orders, nil
}

func admissionVersion(ctx context.Context, db execer, symbol string) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, `SELECT version FROM symbol_admission WHERE symbol = ?`, symbol).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read admission version %s: %w", symbol, err)
	}
	return v, nil
}

func bumpAdmission(ctx context.Context, db execer, symbol string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO symbol_admission (symbol, version) VALUES (?, 1)
		ON CONFLICT(symbol) DO UPDATE SET version = version + 1`, symbol)
	if err != nil {
		return fmt.Errorf("bump admission version %s: %w", symbol, err)
	}
	return nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var exchangeID, positionID sql.NullInt64
	var intent, exitSide, feeTier, state, times, strength string
	var needsReview int
	err := s.Scan(&o.ID, &exchangeID, &o.Symbol, &intent, &exitSide, &feeTier, &o.Price, &o.OrigQty, &o.FilledQty,
		&o.RemainingQty, &o.AvgFillPrice, &state, &times, &o.Reason, &needsReview, &strength, &o.StopLossPrice,
		&positionID, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if exchangeID.Valid {
		id := exchangeID.Int64
		o.ExchangeID = &id
	}
	if positionID.Valid {
		id := positionID.Int64
		o.PositionID = &id
	}
	o.Intent = domain.OrderIntent(intent)
	o.ExitSide = domain.PositionSide(exitSide)
	o.FeeTier = domain.FeeTier(feeTier)
	o.State = domain.OrderState(state)
	o.Strength = domain.SignalStrength(strength)
	o.NeedsReview = needsReview != 0
	o.StateTimes = map[domain.OrderState]time.Time{}
	if err := json.Unmarshal([]byte(times), &o.StateTimes); err != nil {
		return nil, fmt.Errorf("decode state times of order %s: %w", o.ID, err)
	}
	return o, nil
}
