package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-sync/internal/model"
)

const sessionColumns = `id, assessment_id, participant_id, status, started_at, ends_at,
	finished_at, final_score, last_answered_item_id`

// SessionRepository handles participant session data access.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	s := &model.Session{}
	err := row.Scan(&s.ID, &s.AssessmentID, &s.ParticipantID, &s.Status, &s.StartedAt, &s.EndsAt,
		&s.FinishedAt, &s.FinalScore, &s.LastAnsweredID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by ID.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

// GetByAssessmentAndParticipant retrieves the session of one participant in one assessment.
func (r *SessionRepository) GetByAssessmentAndParticipant(ctx context.Context, assessmentID uuid.UUID, participantID int) (*model.Session, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE assessment_id = $1 AND participant_id = $2`,
		assessmentID, participantID))
}

// Create inserts a new IN_PROGRESS session. It returns pgx.ErrNoRows when a
// concurrent request already created it.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO sessions (assessment_id, participant_id, status, started_at, ends_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (assessment_id, participant_id) DO NOTHING
		 RETURNING id`,
		s.AssessmentID, s.ParticipantID, model.SessionStatusInProgress, s.StartedAt, s.EndsAt,
	).Scan(&s.ID)
}

// Complete marks an IN_PROGRESS session completed with a final score.
// It reports false when the session had already left IN_PROGRESS.
func (r *SessionRepository) Complete(ctx context.Context, id uuid.UUID, score float64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $1, final_score = $2, finished_at = $3
		 WHERE id = $4 AND status = $5`,
		model.SessionStatusCompleted, score, at, id, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Expire marks a single IN_PROGRESS session as ended by timeout.
func (r *SessionRepository) Expire(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $1, finished_at = $2
		 WHERE id = $3 AND status = $4`,
		model.SessionStatusEndedByTimeout, at, id, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOverdue ends every IN_PROGRESS session whose deadline is at or before now.
func (r *SessionRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE sessions
		 SET status = $1, finished_at = ends_at
		 WHERE status = $2 AND ends_at <= $3
		 RETURNING id`,
		model.SessionStatusEndedByTimeout, model.SessionStatusInProgress, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EndAllInProgress ends every running session of an assessment on the
// proctor's authority and returns how many were affected.
func (r *SessionRepository) EndAllInProgress(ctx context.Context, assessmentID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $1, finished_at = $2
		 WHERE assessment_id = $3 AND status = $4`,
		model.SessionStatusEndedByAuthority, at, assessmentID, model.SessionStatusInProgress)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
