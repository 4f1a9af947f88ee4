package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AnswerRecord is one persisted answer.
type AnswerRecord struct {
	SessionID  uuid.UUID `json:"session_id"`
	ItemID     uuid.UUID `json:"item_id"`
	OptionKey  string    `json:"option_key"`
	AnsweredAt time.Time `json:"answered_at"`
}

// An answer is written only while its session is running, or when it was
// recorded no later than the moment the session ended. Answers that race a
// force end or expiry are dropped.
const (
	upsertAnswerSQL = `INSERT INTO session_answers (session_id, item_id, option_key, answered_at)
		 SELECT $1::uuid, $2::uuid, $3::text, $4::timestamptz
		 FROM sessions s
		 WHERE s.id = $1::uuid AND (s.status = 'IN_PROGRESS' OR $4::timestamptz <= s.finished_at)
		 ON CONFLICT (session_id, item_id)
		 DO UPDATE SET option_key = EXCLUDED.option_key, answered_at = EXCLUDED.answered_at`

	updateLastAnsweredSQL = `UPDATE sessions SET last_answered_item_id = $1
		 WHERE id = $2 AND (status = 'IN_PROGRESS' OR $3::timestamptz <= finished_at)`
)

// AnswerRepository handles session answer data access.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// ListBySession returns the persisted answers of a session keyed by item.
func (r *AnswerRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT item_id, option_key FROM session_answers WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := make(map[uuid.UUID]string)
	for rows.Next() {
		var itemID uuid.UUID
		var opt string
		if err := rows.Scan(&itemID, &opt); err != nil {
			return nil, err
		}
		answers[itemID] = opt
	}
	return answers, rows.Err()
}

// UpsertBatch writes answers and the last answered item of each session in
// one transaction. Later records for the same item win.
func (r *AnswerRepository) UpsertBatch(ctx context.Context, records []AnswerRecord) error {
	if len(records) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(upsertAnswerSQL, rec.SessionID, rec.ItemID, rec.OptionKey, rec.AnsweredAt)
			batch.Queue(updateLastAnsweredSQL, rec.ItemID, rec.SessionID, rec.AnsweredAt)
		}

		br := tx.SendBatch(ctx, batch)
		for range batch.Len() {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("upsert answer: %w", err)
			}
		}
		return br.Close()
	})
}
