package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
)

// Monitor event types published on the assessment channel.
const (
	EventSessionStarted = "session_started"
	EventAnswerSaved    = "answer_saved"
	EventSessionEnded   = "session_ended"
	EventAssessmentEnd  = "assessment_ended"
)

// MonitorEvent is one progress notification for proctors attached to the
// live monitor stream.
type MonitorEvent struct {
	Type          string              `json:"type"`
	AssessmentID  uuid.UUID           `json:"assessment_id"`
	SessionID     *uuid.UUID          `json:"session_id,omitempty"`
	ParticipantID int                 `json:"participant_id,omitempty"`
	Status        model.SessionStatus `json:"status,omitempty"`
	At            time.Time           `json:"at"`
}

// publishEvent is fire-and-forget; monitors also poll.
func publishEvent(ctx context.Context, rdb *redis.Client, log zerolog.Logger, ev MonitorEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	channel := config.CacheKey.AssessmentMonitorChannel(ev.AssessmentID.String())
	if err := rdb.Publish(ctx, channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("Publish monitor event failed")
	}
}
