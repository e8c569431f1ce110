package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/crossarb/internal/domain"
)

// ErrDuplicateSignal is returned when a signal ID is inserted twice.
// Signals are write-once; a duplicate insert is a pipeline bug.
var ErrDuplicateSignal = fmt.Errorf("signal already stored")

// SignalRow is the persisted shape of a signal: the indexed columns plus the
// full ValidatedSignal as JSONB details.
type SignalRow struct {
	ID            string         `db:"id"`
	Ts            time.Time      `db:"ts"`
	Strategy      string         `db:"strategy"`
	Class         string         `db:"class"`
	Symbol        string         `db:"symbol"`
	Details       []byte         `db:"details"`
	TelegramMsgID sql.NullInt64  `db:"telegram_msg_id"`
	Status        string         `db:"status"`
	SentAt        sql.NullTime   `db:"sent_at"`
	TakenAt       sql.NullTime   `db:"taken_at"`
	ClosedAt      sql.NullTime   `db:"closed_at"`
}

// Signal decodes the details column back into the domain type.
func (r SignalRow) Signal() (domain.ValidatedSignal, error) {
	var sig domain.ValidatedSignal
	if err := json.Unmarshal(r.Details, &sig); err != nil {
		return domain.ValidatedSignal{}, fmt.Errorf("decode signal %s details: %w", r.ID, err)
	}
	sig.Status = domain.SignalStatus(r.Status)
	return sig, nil
}

// SignalsRepo persists emitted signals.
type SignalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo returns a repository over the shared pool.
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) *SignalsRepo {
	return &SignalsRepo{db: db, timeout: queryTimeout(timeout)}
}

const signalColumns = `id, ts, strategy, class, symbol, details, telegram_msg_id, status, sent_at, taken_at, closed_at`

// Insert stores a new signal. The signal is serialized whole into details so
// later schema additions never lose information.
func (r *SignalsRepo) Insert(ctx context.Context, sig domain.ValidatedSignal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	details, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal details: %w", err)
	}

	query := `
		INSERT INTO signals (id, ts, strategy, class, symbol, details, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		sig.ID, sig.CreatedAt, string(sig.StrategyType), string(sig.SignalType),
		sig.Symbol, details, string(sig.Status))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateSignal, sig.ID)
		}
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// MarkSent records the delivered message ID and flips the status to sent.
func (r *SignalsRepo) MarkSent(ctx context.Context, signalID string, messageID int64, sentAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE signals
		SET telegram_msg_id = $2, status = $3, sent_at = $4
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, signalID, messageID, string(domain.StatusSent), sentAt)
	if err != nil {
		return fmt.Errorf("mark signal sent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark signal sent: signal %s not found", signalID)
	}
	return nil
}

// Get returns one signal row by ID, nil when absent.
func (r *SignalsRepo) Get(ctx context.Context, signalID string) (*SignalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row SignalRow
	query := `SELECT ` + signalColumns + ` FROM signals WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, signalID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return &row, nil
}

// ListRecent returns the newest signals, optionally filtered by symbol.
func (r *SignalsRepo) ListRecent(ctx context.Context, symbol string, limit int) ([]SignalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		rows []SignalRow
		err  error
	)
	if symbol != "" {
		query := `SELECT ` + signalColumns + ` FROM signals WHERE symbol = $1 ORDER BY ts DESC LIMIT $2`
		err = r.db.SelectContext(ctx, &rows, query, symbol, limit)
	} else {
		query := `SELECT ` + signalColumns + ` FROM signals ORDER BY ts DESC LIMIT $1`
		err = r.db.SelectContext(ctx, &rows, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	return rows, nil
}

// CountSince returns how many signals were created after the cutoff. The
// health watchdog uses it to notice an unexpectedly quiet pipeline.
func (r *SignalsRepo) CountSince(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	query := `SELECT COUNT(*) FROM signals WHERE ts >= $1`
	if err := r.db.QueryRowxContext(ctx, query, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return count, nil
}
