package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-sync/internal/model"
)

// AssessmentRepository handles assessment and item data access.
type AssessmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssessmentRepository creates a new AssessmentRepository.
func NewAssessmentRepository(pool *pgxpool.Pool) *AssessmentRepository {
	return &AssessmentRepository{pool: pool}
}

// GetByID retrieves an assessment by ID.
func (r *AssessmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	a := &model.Assessment{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, proctor_id, duration_minutes, pass_mark, scheduled_start, scheduled_end,
		        status, ended_at, created_at
		 FROM assessments WHERE id = $1`, id,
	).Scan(&a.ID, &a.Title, &a.ProctorID, &a.DurationMinutes, &a.PassMark, &a.ScheduledStart,
		&a.ScheduledEnd, &a.Status, &a.EndedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListItems retrieves every item of an assessment in display order,
// including the correct option.
func (r *AssessmentRepository) ListItems(ctx context.Context, assessmentID uuid.UUID) ([]model.ItemWithKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, assessment_id, prompt, options, correct_option, order_num
		 FROM items
		 WHERE assessment_id = $1
		 ORDER BY order_num`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.ItemWithKey
	for rows.Next() {
		var it model.ItemWithKey
		if err := rows.Scan(&it.ID, &it.AssessmentID, &it.Prompt, &it.Options, &it.CorrectOption, &it.OrderNum); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkEnded closes the assessment to new sessions.
func (r *AssessmentRepository) MarkEnded(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE assessments SET status = $1, ended_at = COALESCE(ended_at, $2) WHERE id = $3`,
		model.AssessmentStatusEnded, at, id)
	return err
}
