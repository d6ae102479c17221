package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"trade-consensus/models"
	"trade-consensus/observability"
)

const pickColumns = `
	id, agent, symbol, sector, market_condition, direction, confidence, timeframe,
	entry_price, target_price, stop_loss, thesis, factors,
	bullish_factors, bearish_factors, risks, catalysts,
	status, created_at, expires_at,
	closed_price, actual_return, hit_target, hit_stop_loss, days_held, resolved_at`

// CreatePick inserts a new PENDING pick
func (r *Repository) CreatePick(ctx context.Context, p *models.Pick) error {
	if err := r.checkDB(); err != nil {
		return err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("insert", "picks")

	factors, err := jsonColumn(p.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	bullish, _ := jsonColumn(p.BullishFactors)
	bearish, _ := jsonColumn(p.BearishFactors)
	risks, _ := jsonColumn(p.Risks)
	catalysts, _ := jsonColumn(p.Catalysts)

	_, err = r.db.Exec(ctx, `
		INSERT INTO picks (id, agent, symbol, sector, market_condition, direction, confidence, timeframe,
			entry_price, target_price, stop_loss, thesis, factors,
			bullish_factors, bearish_factors, risks, catalysts,
			status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, p.ID, p.Agent, p.Symbol, p.Sector, p.MarketCondition, p.Direction, p.Confidence, p.Timeframe,
		p.EntryPrice, p.TargetPrice, p.StopLoss, p.Thesis, factors,
		bullish, bearish, risks, catalysts,
		p.Status, p.CreatedAt, p.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: pick %s", ErrDuplicateID, p.ID)
	}
	if err != nil {
		metrics.RecordDBError("insert", "picks")
		return fmt.Errorf("failed to create pick: %w", err)
	}
	return nil
}

// GetPick returns a pick by ID, or nil if it does not exist
func (r *Repository) GetPick(ctx context.Context, id uuid.UUID) (*models.Pick, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("select", "picks")

	p, err := scanPick(r.db.QueryRow(ctx, `SELECT `+pickColumns+` FROM picks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.RecordDBError("select", "picks")
		return nil, fmt.Errorf("failed to query pick: %w", err)
	}
	return p, nil
}

// ListPicksBySymbol returns a symbol's picks newest first. An empty status
// returns every status.
func (r *Repository) ListPicksBySymbol(ctx context.Context, symbol string, status models.PickStatus, limit int) ([]models.Pick, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return r.queryPicks(ctx, "select", `
		SELECT `+pickColumns+` FROM picks
		WHERE symbol = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, symbol, string(status), limit)
}

// ListResolvedPicksByAgent returns all of an agent's terminal picks, newest first
func (r *Repository) ListResolvedPicksByAgent(ctx context.Context, agent string) ([]models.Pick, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	return r.queryPicks(ctx, "select", `
		SELECT `+pickColumns+` FROM picks
		WHERE agent = $1 AND status <> 'PENDING'
		ORDER BY resolved_at DESC NULLS LAST
	`, agent)
}

// ListAgents returns every agent that has submitted a pick
func (r *Repository) ListAgents(ctx context.Context) ([]string, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("select", "picks")

	rows, err := r.db.Query(ctx, `SELECT DISTINCT agent FROM picks ORDER BY agent`)
	if err != nil {
		metrics.RecordDBError("select", "picks")
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	agents, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		metrics.RecordDBError("select", "picks")
		return nil, fmt.Errorf("failed to scan agents: %w", err)
	}
	return agents, nil
}

// ClaimExpiredPicks leases expired PENDING picks to runner. Rows locked by a
// concurrent claimer are skipped rather than waited on.
func (r *Repository) ClaimExpiredPicks(ctx context.Context, runner string, now time.Time, lease time.Duration, limit int) ([]models.Pick, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	return r.queryPicks(ctx, "claim", `
		UPDATE picks SET claimed_by = $1, claim_expires_at = $2
		WHERE id IN (
			SELECT id FROM picks
			WHERE status = 'PENDING' AND expires_at <= $3
			  AND (claimed_by IS NULL OR claimed_by = $1 OR claim_expires_at < $3)
			ORDER BY symbol, created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pickColumns,
		runner, now.Add(lease), now, limit)
}

// ClaimPick leases a single PENDING pick to runner
func (r *Repository) ClaimPick(ctx context.Context, id uuid.UUID, runner string, now time.Time, lease time.Duration) (*models.Pick, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	picks, err := r.queryPicks(ctx, "claim", `
		UPDATE picks SET claimed_by = $2, claim_expires_at = $3
		WHERE id = $1 AND status = 'PENDING'
		  AND (claimed_by IS NULL OR claimed_by = $2 OR claim_expires_at < $4)
		RETURNING `+pickColumns,
		id, runner, now.Add(lease), now)
	if err != nil {
		return nil, err
	}
	if len(picks) == 0 {
		return nil, nil
	}
	return &picks[0], nil
}

// ReleasePickClaims drops runner's leases on the given still-pending picks
func (r *Repository) ReleasePickClaims(ctx context.Context, runner string, ids []uuid.UUID) error {
	if err := r.checkDB(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("release", "picks")

	_, err := r.db.Exec(ctx, `
		UPDATE picks SET claimed_by = NULL, claim_expires_at = NULL
		WHERE id = ANY($1) AND claimed_by = $2 AND status = 'PENDING'
	`, ids, runner)
	if err != nil {
		metrics.RecordDBError("release", "picks")
		return fmt.Errorf("failed to release pick claims: %w", err)
	}
	return nil
}

// ResolvePick writes a pick's terminal fields if it is still PENDING
func (r *Repository) ResolvePick(ctx context.Context, id uuid.UUID, res models.Resolution) (bool, error) {
	if err := r.checkDB(); err != nil {
		return false, err
	}
	if !res.Status.IsTerminal() {
		return false, models.ErrNotTerminal
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("update", "picks")

	tag, err := r.db.Exec(ctx, `
		UPDATE picks
		SET status = $2, closed_price = $3, actual_return = $4, hit_target = $5,
			hit_stop_loss = $6, days_held = $7, resolved_at = $8,
			claimed_by = NULL, claim_expires_at = NULL
		WHERE id = $1 AND status = 'PENDING'
	`, id, res.Status, res.ClosedPrice, res.ActualReturn, res.HitTarget,
		res.HitStopLoss, res.DaysHeld, res.ResolvedAt)
	if err != nil {
		metrics.RecordDBError("update", "picks")
		return false, fmt.Errorf("failed to resolve pick: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListIncompleteFanOut returns resolved picks whose fan-out has not been
// marked complete, oldest resolution first
func (r *Repository) ListIncompleteFanOut(ctx context.Context, limit int) ([]models.Pick, error) {
	if err := r.checkDB(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	return r.queryPicks(ctx, "select", `
		SELECT `+pickColumns+` FROM picks
		WHERE status <> 'PENDING' AND NOT fanout_complete
		ORDER BY resolved_at, id
		LIMIT $1
	`, limit)
}

// MarkFanOutComplete records that every downstream write for a resolved pick succeeded
func (r *Repository) MarkFanOutComplete(ctx context.Context, id uuid.UUID) error {
	if err := r.checkDB(); err != nil {
		return err
	}
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB("update", "picks")

	if _, err := r.db.Exec(ctx, `
		UPDATE picks SET fanout_complete = TRUE
		WHERE id = $1 AND status <> 'PENDING'
	`, id); err != nil {
		metrics.RecordDBError("update", "picks")
		return fmt.Errorf("failed to mark fan-out complete: %w", err)
	}
	return nil
}

func (r *Repository) queryPicks(ctx context.Context, operation, sql string, args ...any) ([]models.Pick, error) {
	metrics := observability.GetMetrics()
	timer := metrics.NewTimer()
	defer timer.ObserveDB(operation, "picks")

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		metrics.RecordDBError(operation, "picks")
		return nil, fmt.Errorf("failed to query picks: %w", err)
	}
	defer rows.Close()

	var picks []models.Pick
	for rows.Next() {
		p, err := scanPick(rows)
		if err != nil {
			metrics.RecordDBError(operation, "picks")
			return nil, fmt.Errorf("failed to scan pick: %w", err)
		}
		picks = append(picks, *p)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordDBError(operation, "picks")
		return nil, fmt.Errorf("failed to iterate picks: %w", err)
	}
	return picks, nil
}

// scanPick scans a pick row into a Pick struct
func scanPick(row pgx.Row) (*models.Pick, error) {
	var p models.Pick
	var factors, bullish, bearish, risks, catalysts []byte
	var closed decimal.NullDecimal
	var actualReturn *float64
	var hitTarget, hitStop *bool
	var daysHeld *int

	err := row.Scan(&p.ID, &p.Agent, &p.Symbol, &p.Sector, &p.MarketCondition, &p.Direction, &p.Confidence, &p.Timeframe,
		&p.EntryPrice, &p.TargetPrice, &p.StopLoss, &p.Thesis, &factors,
		&bullish, &bearish, &risks, &catalysts,
		&p.Status, &p.CreatedAt, &p.ExpiresAt,
		&closed, &actualReturn, &hitTarget, &hitStop, &daysHeld, &p.ResolvedAt)
	if err != nil {
		return nil, err
	}

	if closed.Valid {
		p.ClosedPrice = closed.Decimal
	}
	if actualReturn != nil {
		p.ActualReturn = *actualReturn
	}
	if hitTarget != nil {
		p.HitTarget = *hitTarget
	}
	if hitStop != nil {
		p.HitStopLoss = *hitStop
	}
	if daysHeld != nil {
		p.DaysHeld = *daysHeld
	}

	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{factors, &p.Factors},
		{bullish, &p.BullishFactors},
		{bearish, &p.BearishFactors},
		{risks, &p.Risks},
		{catalysts, &p.Catalysts},
	} {
		if err := scanJSON(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode pick json column: %w", err)
		}
	}

	return &p, nil
}
