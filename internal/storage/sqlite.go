package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/eddiefleurent/signal_executor/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_attempts (
	id                   TEXT PRIMARY KEY,
	signal_id            TEXT NOT NULL DEFAULT '',
	platform             TEXT NOT NULL,
	step_reached         INTEGER NOT NULL DEFAULT 0,
	status               TEXT NOT NULL,
	ticker               TEXT NOT NULL DEFAULT '',
	direction            TEXT NOT NULL DEFAULT '',
	option_type          TEXT NOT NULL DEFAULT '',
	strike               REAL,
	purchase_price       REAL,
	requested_expiration TEXT NOT NULL DEFAULT '',
	requested_size       TEXT NOT NULL DEFAULT '',
	signal_title         TEXT NOT NULL DEFAULT '',
	final_expiration     TEXT NOT NULL DEFAULT '',
	final_position_size  INTEGER NOT NULL DEFAULT 0,
	order_id             TEXT NOT NULL DEFAULT '',
	filled_price         REAL NOT NULL DEFAULT 0,
	fill_attempts        INTEGER NOT NULL DEFAULT 0,
	sell_order_id        TEXT NOT NULL DEFAULT '',
	error_message        TEXT NOT NULL DEFAULT '',
	error_kind           TEXT NOT NULL DEFAULT '',
	log                  TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL,
	completed_at         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_attempts_created ON execution_attempts(created_at);
`

// timeLayout has a fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const attemptColumns = `id, signal_id, platform, step_reached, status, ticker, direction,
	option_type, strike, purchase_price, requested_expiration, requested_size,
	signal_title, final_expiration, final_position_size, order_id, filled_price,
	fill_attempts, sell_order_id, error_message, error_kind, log, created_at, completed_at`

// SQLiteStore implements Interface on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema.
func NewSQLiteStore(path string, logger logrus.FieldLogger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL lets the API read attempts while an execution is writing
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "storage"),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSetting returns the stored value for key, or def if unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// CreateAttempt inserts a new in-progress attempt echoing the signal and returns its id.
func (s *SQLiteStore) CreateAttempt(ctx context.Context, sig *models.Signal, platform string) (string, error) {
	if sig == nil {
		return "", fmt.Errorf("create attempt: nil signal")
	}
	a := models.NewAttemptFromSignal(uuid.NewString(), sig, platform, s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_attempts (
			id, signal_id, platform, step_reached, status, ticker, direction, option_type,
			strike, purchase_price, requested_expiration, requested_size, signal_title, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SignalID, a.Platform, int(a.StepReached), string(a.Status), a.Ticker, a.Direction,
		a.OptionType, nullFloat(a.Strike), nullFloat(a.PurchasePrice), a.RequestedExpiration,
		a.RequestedSize, a.Title, formatTime(a.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("failed to create attempt: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"attempt_id": a.ID, "ticker": a.Ticker, "platform": platform}).
		Debug("Execution attempt created")
	return a.ID, nil
}

// UpdateAttempt writes the terminal state of an in-progress attempt.
func (s *SQLiteStore) UpdateAttempt(ctx context.Context, id string, u models.AttemptUpdate) error {
	if u.CompletedAt.IsZero() {
		u.CompletedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_attempts SET
			status = ?, step_reached = ?, order_id = ?, filled_price = ?, final_position_size = ?,
			final_expiration = ?, fill_attempts = ?, sell_order_id = ?, error_message = ?,
			error_kind = ?, log = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, string(u.Status), int(u.StepReached), u.OrderID, u.FilledPrice, u.FinalPositionSize,
		u.FinalExpiration, u.FillAttempts, u.SellOrderID, u.ErrorMessage, string(u.ErrorKind),
		u.Log, formatTime(u.CompletedAt), id, string(models.AttemptInProgress))
	if err != nil {
		return fmt.Errorf("failed to update attempt %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update attempt %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM execution_attempts WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update attempt %s: %w", id, ErrAttemptNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update attempt %s: %w", id, err)
	}
	return fmt.Errorf("update attempt %s: %w", id, ErrAttemptCompleted)
}

// GetAttempt loads one attempt by id.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*models.ExecutionAttempt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+attemptColumns+" FROM execution_attempts WHERE id = ?", id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get attempt %s: %w", id, ErrAttemptNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt %s: %w", id, err)
	}
	return a, nil
}

// ListAttempts returns attempts newest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, limit int) ([]models.ExecutionAttempt, error) {
	query := "SELECT " + attemptColumns + " FROM execution_attempts ORDER BY created_at DESC, rowid DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ExecutionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to scan attempt row")
			continue
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(r rowScanner) (*models.ExecutionAttempt, error) {
	var (
		a                      models.ExecutionAttempt
		step                   int
		status, kind           string
		strike, price          sql.NullFloat64
		createdAt, completedAt string
	)
	err := r.Scan(&a.ID, &a.SignalID, &a.Platform, &step, &status, &a.Ticker, &a.Direction,
		&a.OptionType, &strike, &price, &a.RequestedExpiration, &a.RequestedSize,
		&a.Title, &a.FinalExpiration, &a.FinalPositionSize, &a.OrderID, &a.FilledPrice,
		&a.FillAttempts, &a.SellOrderID, &a.ErrorMessage, &kind, &a.Log, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	a.StepReached = models.Step(step)
	a.Status = models.AttemptStatus(status)
	a.ErrorKind = models.ErrorKind(kind)
	if strike.Valid {
		v := strike.Float64
		a.Strike = &v
	}
	if price.Valid {
		v := price.Float64
		a.PurchasePrice = &v
	}
	a.CreatedAt = parseTime(createdAt)
	a.CompletedAt = parseTime(completedAt)
	return &a, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
