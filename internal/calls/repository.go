package calls

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuscash/backend/internal/models"
)

// MaxHistoryLimit caps ListByUser.
const MaxHistoryLimit = 100

// Repository persists call sessions. Sessions are never deleted.
type Repository interface {
	Create(ctx context.Context, s *models.CallSession) error
	End(ctx context.Context, id uuid.UUID, at time.Time, status models.CallStatus) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.CallSession, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.CallSession, error)
}

// PostgresRepository handles call session persistence in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a call sessions repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Create inserts a session. Inserting the same id twice is a no-op.
func (r *PostgresRepository) Create(ctx context.Context, s *models.CallSession) error {
	const query = `INSERT INTO call_sessions (id, caller_id, recipient_id, start_time, end_time, call_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, s.ID, s.CallerID, s.RecipientID, s.StartTime, s.EndTime, string(s.CallType), string(s.Status))
	return err
}

// End closes an ongoing session. It reports false when the session was already
// ended or does not exist.
func (r *PostgresRepository) End(ctx context.Context, id uuid.UUID, at time.Time, status models.CallStatus) (bool, error) {
	const query = `UPDATE call_sessions SET end_time = $2, status = $3
		WHERE id = $1 AND status = 'ongoing'`
	tag, err := r.pool.Exec(ctx, query, id, at, string(status))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID returns a session by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CallSession, error) {
	const query = `SELECT id, caller_id, recipient_id, start_time, end_time, call_type, status
		FROM call_sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByUser returns the sessions a user took part in, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.CallSession, error) {
	const query = `SELECT id, caller_id, recipient_id, start_time, end_time, call_type, status
		FROM call_sessions WHERE caller_id = $1 OR recipient_id = $1
		ORDER BY start_time DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

func scanSession(row pgx.Row) (*models.CallSession, error) {
	var s models.CallSession
	var callType, status string
	if err := row.Scan(&s.ID, &s.CallerID, &s.RecipientID, &s.StartTime, &s.EndTime, &callType, &status); err != nil {
		return nil, err
	}
	s.CallType = models.CallType(callType)
	s.Status = models.CallStatus(status)
	return &s, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
