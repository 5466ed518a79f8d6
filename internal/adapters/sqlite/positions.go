package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

const positionColumns = `id, symbol, side, entry_price, exit_price, quantity, closed_qty, leverage, stop_loss,
	initial_stop_loss, trailing_extremum, partial_exits, entry_time, exit_time, status, pnl, close_reason,
	adopted, halted, version`

// --- PositionStore Implementation ---

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	exits, err := json.Marshal(pos.PartialExits)
	if err != nil {
		return 0, fmt.Errorf("encode partial exits for %s: %w", pos.Symbol, err)
	}
	if pos.PartialExits == nil {
		exits = []byte("[]")
	}
	const query = `
	INSERT INTO positions (symbol, side, entry_price, exit_price, quantity, closed_qty, leverage, stop_loss,
		initial_stop_loss, trailing_extremum, partial_exits, entry_time, status, pnl, close_reason, adopted, halted, version)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.EntryPrice, pos.ExitPrice, pos.Quantity, pos.ClosedQty, pos.Leverage, pos.StopLoss,
		pos.InitialStopLoss, pos.TrailingExtremum, string(exits), pos.EntryTime.UTC(), pos.Status, pos.PNL,
		pos.CloseReason, boolInt(pos.Adopted), boolInt(pos.Halted))
	if err != nil {
		if isConstraintErr(err) {
			return 0, fmt.Errorf("failed to insert position for symbol %s: %w: %w", pos.Symbol, ports.ErrDuplicateEntry, err)
		}
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	pos.Version = 1
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol, "side": pos.Side})
	return id, nil
}

// Update writes pos over the row holding pos.Version.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	exits, err := json.Marshal(pos.PartialExits)
	if err != nil {
		return fmt.Errorf("encode partial exits for position %d: %w", pos.ID, err)
	}
	if pos.PartialExits == nil {
		exits = []byte("[]")
	}
	const query = `
	UPDATE positions
	SET side = ?, entry_price = ?, exit_price = ?, quantity = ?, closed_qty = ?, leverage = ?, stop_loss = ?,
	    initial_stop_loss = ?, trailing_extremum = ?, partial_exits = ?, entry_time = ?, exit_time = ?,
	    status = ?, pnl = ?, close_reason = ?, adopted = ?, halted = ?, version = version + 1
	WHERE id = ? AND version = ?`

	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime.UTC(), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.Side, pos.EntryPrice, pos.ExitPrice, pos.Quantity, pos.ClosedQty, pos.Leverage, pos.StopLoss,
		pos.InitialStopLoss, pos.TrailingExtremum, string(exits), pos.EntryTime.UTC(), exitTime,
		pos.Status, pos.PNL, pos.CloseReason, boolInt(pos.Adopted), boolInt(pos.Halted),
		pos.ID, pos.Version)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w", pos.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		existing, err := r.FindByID(ctx, pos.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
		}
		return fmt.Errorf("position ID %d at version %d, stored %d: %w", pos.ID, pos.Version, existing.Version, ports.ErrStaleWrite)
	}
	pos.Version++
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "status": pos.Status, "stopLoss": pos.StopLoss})
	return nil
}

// FindOpenBySymbol retrieves the currently open position for a given symbol, if any.
func (r *Repository) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE symbol = ? AND status = ?`, symbol, domain.StatusOpen)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position for symbol %s: %w", symbol, err)
	}
	return pos, nil
}

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Position not found by ID", map[string]interface{}{"positionID": id})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// FindOpen retrieves every open position.
func (r *Repository) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY symbol`, domain.StatusOpen)
}

// FindAll retrieves all positions, ordered by entry time descending.
func (r *Repository) FindAll(ctx context.Context) ([]*domain.Position, error) {
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY entry_time DESC, id DESC`)
}

// GetTotalProfit calculates the sum of PNL for all closed positions.
func (r *Repository) GetTotalProfit(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM positions WHERE status = ?`
	var totalProfit float64
	err := r.db.QueryRowContext(ctx, query, domain.StatusClosed).Scan(&totalProfit)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate total profit: %w", err)
	}
	return totalProfit, nil
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var exitTime sql.NullTime
	var side, exits, status, reason string
	var adopted, halted int
	err := s.Scan(&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.ExitPrice, &p.Quantity, &p.ClosedQty, &p.Leverage,
		&p.StopLoss, &p.InitialStopLoss, &p.TrailingExtremum, &exits, &p.EntryTime, &exitTime, &status, &p.PNL,
		&reason, &adopted, &halted, &p.Version)
	if err != nil {
		return nil, err
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(reason)
	p.Adopted = adopted != 0
	p.Halted = halted != 0
	if err := json.Unmarshal([]byte(exits), &p.PartialExits); err != nil {
		return nil, fmt.Errorf("decode partial exits of position %d: %w", p.ID, err)
	}
	return p, nil
}

func isConstraintErr(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return false
}
