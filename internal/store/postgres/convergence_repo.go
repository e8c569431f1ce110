package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/domain"
)

// ErrDuplicateSnapshot is returned when (signal_id, snapshot_seq) already
// exists. The tracker treats it as a lost race with itself and drops the
// snapshot.
var ErrDuplicateSnapshot = fmt.Errorf("snapshot already stored")

// ConvergenceRepo persists per-signal convergence records and their
// append-only snapshots.
type ConvergenceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewConvergenceRepo returns a repository over the shared pool.
func NewConvergenceRepo(db *sqlx.DB, timeout time.Duration) *ConvergenceRepo {
	return &ConvergenceRepo{db: db, timeout: queryTimeout(timeout)}
}

const convergenceColumns = `signal_id, pair_id, symbol, initial_spread_pct,
	current_spread_pct, min_spread_pct, max_spread_pct, converged, converged_at,
	diverged, diverged_at, checks_count, floor_streak, started_at,
	last_checked_at, closed_at, close_reason`

// InsertRecord opens tracking for a signal. One record per signal_id; a
// duplicate insert means the signal was emitted twice and is rejected.
func (r *ConvergenceRepo) InsertRecord(ctx context.Context, rec domain.ConvergenceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO spread_convergence (
			signal_id, pair_id, symbol, initial_spread_pct, current_spread_pct,
			min_spread_pct, max_spread_pct, checks_count, floor_streak, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		rec.SignalID, rec.PairID, rec.Symbol, rec.InitialSpreadPct,
		rec.CurrentSpreadPct, rec.MinSpreadPct, rec.MaxSpreadPct,
		rec.ChecksCount, rec.FloorStreak, rec.StartedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("convergence record for signal %s already exists: %w", rec.SignalID, err)
		}
		return fmt.Errorf("insert convergence record: %w", err)
	}
	return nil
}

// UpdateRecord writes the running aggregates and closure state back. Closed
// records are guarded in SQL as well as in the tracker: a record that has
// closed_at set never changes again.
func (r *ConvergenceRepo) UpdateRecord(ctx context.Context, rec domain.ConvergenceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE spread_convergence
		SET current_spread_pct = $2, min_spread_pct = $3, max_spread_pct = $4,
		    converged = $5, converged_at = $6, diverged = $7, diverged_at = $8,
		    checks_count = $9, floor_streak = $10, last_checked_at = $11,
		    closed_at = $12, close_reason = $13
		WHERE signal_id = $1 AND closed_at IS NULL`

	var reason *string
	if rec.CloseReason != nil {
		s := string(*rec.CloseReason)
		reason = &s
	}
	res, err := r.db.ExecContext(ctx, query,
		rec.SignalID, rec.CurrentSpreadPct, rec.MinSpreadPct, rec.MaxSpreadPct,
		rec.Converged, rec.ConvergedAt, rec.Diverged, rec.DivergedAt,
		rec.ChecksCount, rec.FloorStreak, rec.LastCheckedAt,
		rec.ClosedAt, reason)
	if err != nil {
		return fmt.Errorf("update convergence record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update convergence record: signal %s not open", rec.SignalID)
	}
	return nil
}

// GetRecord returns the record for a signal, nil when absent.
func (r *ConvergenceRepo) GetRecord(ctx context.Context, signalID string) (*domain.ConvergenceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec convergenceRow
	query := `SELECT ` + convergenceColumns + ` FROM spread_convergence WHERE signal_id = $1`
	if err := r.db.GetContext(ctx, &rec, query, signalID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get convergence record: %w", err)
	}
	out := rec.domain()
	return &out, nil
}

// ListOpen returns all records still being tracked, oldest first, so the
// worker services long-running signals before fresh ones.
func (r *ConvergenceRepo) ListOpen(ctx context.Context) ([]domain.ConvergenceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []convergenceRow
	query := `SELECT ` + convergenceColumns + `
		FROM spread_convergence
		WHERE closed_at IS NULL
		ORDER BY started_at ASC`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list open convergence records: %w", err)
	}
	out := make([]domain.ConvergenceRecord, len(rows))
	for i, row := range rows {
		out[i] = row.domain()
	}
	return out, nil
}

// InsertSnapshot appends one observation. (signal_id, snapshot_seq) is
// unique in the schema; a collision surfaces as ErrDuplicateSnapshot.
func (r *ConvergenceRepo) InsertSnapshot(ctx context.Context, snap domain.ConvergenceSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO convergence_snapshots (
			signal_id, snapshot_seq, ts, low_bid, low_ask, high_bid, high_ask,
			spread_pct, low_depth_usd, high_depth_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		snap.SignalID, snap.SnapshotSeq, snap.Ts,
		snap.LowBid, snap.LowAsk, snap.HighBid, snap.HighAsk,
		snap.SpreadPct, snap.LowDepthUSD, snap.HighDepthUSD)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s seq %d", ErrDuplicateSnapshot, snap.SignalID, snap.SnapshotSeq)
		}
		return fmt.Errorf("insert convergence snapshot: %w", err)
	}
	return nil
}

// Snapshots returns a signal's observations in sequence order.
func (r *ConvergenceRepo) Snapshots(ctx context.Context, signalID string) ([]domain.ConvergenceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []domain.ConvergenceSnapshot
	query := `
		SELECT signal_id, snapshot_seq, ts, low_bid, low_ask, high_bid, high_ask,
		       spread_pct, low_depth_usd, high_depth_usd
		FROM convergence_snapshots
		WHERE signal_id = $1
		ORDER BY snapshot_seq ASC`
	if err := r.db.SelectContext(ctx, &out, query, signalID); err != nil {
		return nil, fmt.Errorf("list convergence snapshots: %w", err)
	}
	return out, nil
}

// convergenceRow mirrors the table with nullable columns mapped to SQL
// types; domain() converts back.
type convergenceRow struct {
	SignalID         string          `db:"signal_id"`
	PairID           string          `db:"pair_id"`
	Symbol           string          `db:"symbol"`
	InitialSpreadPct decimal.Decimal `db:"initial_spread_pct"`
	CurrentSpreadPct decimal.Decimal `db:"current_spread_pct"`
	MinSpreadPct     decimal.Decimal `db:"min_spread_pct"`
	MaxSpreadPct     decimal.Decimal `db:"max_spread_pct"`
	Converged        bool            `db:"converged"`
	ConvergedAt      sql.NullTime    `db:"converged_at"`
	Diverged         bool            `db:"diverged"`
	DivergedAt       sql.NullTime    `db:"diverged_at"`
	ChecksCount      int             `db:"checks_count"`
	FloorStreak      int             `db:"floor_streak"`
	StartedAt        time.Time       `db:"started_at"`
	LastCheckedAt    sql.NullTime    `db:"last_checked_at"`
	ClosedAt         sql.NullTime    `db:"closed_at"`
	CloseReason      sql.NullString  `db:"close_reason"`
}

func (r convergenceRow) domain() domain.ConvergenceRecord {
	rec := domain.ConvergenceRecord{
		SignalID:         r.SignalID,
		PairID:           r.PairID,
		Symbol:           r.Symbol,
		InitialSpreadPct: r.InitialSpreadPct,
		CurrentSpreadPct: r.CurrentSpreadPct,
		MinSpreadPct:     r.MinSpreadPct,
		MaxSpreadPct:     r.MaxSpreadPct,
		Converged:        r.Converged,
		Diverged:         r.Diverged,
		ChecksCount:      r.ChecksCount,
		FloorStreak:      r.FloorStreak,
		StartedAt:        r.StartedAt,
	}
	if r.ConvergedAt.Valid {
		t := r.ConvergedAt.Time
		rec.ConvergedAt = &t
	}
	if r.DivergedAt.Valid {
		t := r.DivergedAt.Time
		rec.DivergedAt = &t
	}
	if r.LastCheckedAt.Valid {
		t := r.LastCheckedAt.Time
		rec.LastCheckedAt = &t
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time
		rec.ClosedAt = &t
	}
	if r.CloseReason.Valid {
		reason := domain.CloseReason(r.CloseReason.String)
		rec.CloseReason = &reason
	}
	return rec
}
