package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
)

// MonitorRepository provides data access for the proctor monitor.
// It combines PostgreSQL (session state) and Redis (live answer counts).
type MonitorRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool, rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{pool: pool, rdb: rdb}
}

// ListParticipants returns one row per session of the assessment with the
// persisted answer count.
func (r *MonitorRepository) ListParticipants(ctx context.Context, assessmentID uuid.UUID) ([]model.ParticipantStatus, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, s.id, p.name, s.status,
		        (SELECT COUNT(*) FROM session_answers sa WHERE sa.session_id = s.id)
		 FROM sessions s
		 JOIN participants p ON p.id = s.participant_id
		 WHERE s.assessment_id = $1
		 ORDER BY p.name`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.ParticipantStatus
	for rows.Next() {
		var ps model.ParticipantStatus
		if err := rows.Scan(&ps.ID, &ps.SessionID, &ps.Name, &ps.Status, &ps.AnsweredCount); err != nil {
			return nil, err
		}
		list = append(list, ps)
	}
	return list, rows.Err()
}

// GetLiveAnsweredCounts returns the Redis answer counts of the given sessions.
// Answers land in Redis before the persist worker writes them, so these
// counts run ahead of ListParticipants.
func (r *MonitorRepository) GetLiveAnsweredCounts(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	result := make(map[uuid.UUID]int, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return result, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(sessionIDs))
	for i, id := range sessionIDs {
		cmds[i] = pipe.HLen(ctx, config.CacheKey.SessionAnswersKey(id.String()))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, id := range sessionIDs {
		result[id] = int(cmds[i].Val())
	}
	return result, nil
}
