package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/repository"
)

const (
	itemCacheTTL      = 6 * time.Hour
	sessionStateTTL   = 24 * time.Hour
	sessionAnswersTTL = 24 * time.Hour
	fieldLastAnswered = "last_answered_item_id"
)

// SessionService handles participant session business logic: start or
// resume, answer submission, finishing and grading.
type SessionService struct {
	assessments *repository.AssessmentRepository
	sessions    *repository.SessionRepository
	answers     *repository.AnswerRepository
	rdb         *redis.Client
	clock       clockwork.Clock
	log         zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	assessments *repository.AssessmentRepository,
	sessions *repository.SessionRepository,
	answers *repository.AnswerRepository,
	rdb *redis.Client,
	clock clockwork.Clock,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		assessments: assessments,
		sessions:    sessions,
		answers:     answers,
		rdb:         rdb,
		clock:       clock,
		log:         log.With().Str("component", "session_service").Logger(),
	}
}

// cachedItem is the Redis form of an item including its correct option.
type cachedItem struct {
	ID       uuid.UUID      `json:"id"`
	Prompt   string         `json:"prompt"`
	Options  []model.Option `json:"options"`
	OrderNum int            `json:"order_num"`
	Correct  string         `json:"correct"`
}

// Start creates the participant's session or returns the existing one with
// its progress. A session whose deadline already passed is reported as
// ENDED_BY_TIMEOUT.
func (s *SessionService) Start(ctx context.Context, assessmentID uuid.UUID, participantID int) (*model.Session, error) {
	a, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}

	now := s.clock.Now()
	sess, err := s.sessions.GetByAssessmentAndParticipant(ctx, assessmentID, participantID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}

	if sess == nil {
		if a.Status == model.AssessmentStatusEnded {
			return nil, ErrAssessmentEnded
		}
		if a.ScheduledStart != nil && now.Before(*a.ScheduledStart) {
			return nil, ErrAssessmentPending
		}
		if sess, err = s.create(ctx, a, participantID, now); err != nil {
			return nil, err
		}
	} else if err := s.checkActive(ctx, sess); err != nil && !errors.Is(err, ErrSessionEnded) {
		return nil, err
	}

	items, err := s.loadItems(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	answers, err := s.loadAnswers(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	sess.Title = a.Title
	sess.DurationMinutes = a.DurationMinutes
	sess.Answers = answers
	sess.Items = make([]model.Item, len(items))
	for i, it := range items {
		sess.Items[i] = it.Item
	}
	if last := s.lastAnswered(ctx, sess.ID); last != nil {
		sess.LastAnsweredID = last
	}
	return sess, nil
}

func (s *SessionService) create(ctx context.Context, a *model.Assessment, participantID int, now time.Time) (*model.Session, error) {
	endsAt := a.SessionDeadline(now)
	sess := &model.Session{
		AssessmentID:  a.ID,
		ParticipantID: participantID,
		Status:        model.SessionStatusInProgress,
		StartedAt:     now,
		EndsAt:        &endsAt,
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent start from another device.
			existing, fetchErr := s.sessions.GetByAssessmentAndParticipant(ctx, a.ID, participantID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Int("participant_id", participantID).
		Time("ends_at", endsAt).
		Msg("Session started")
	publishEvent(ctx, s.rdb, s.log, MonitorEvent{
		Type:          EventSessionStarted,
		AssessmentID:  a.ID,
		SessionID:     &sess.ID,
		ParticipantID: participantID,
		Status:        sess.Status,
		At:            now,
	})
	return sess, nil
}

// SubmitAnswer records one answer. Resubmitting the same answer is a no-op
// from the caller's point of view.
func (s *SessionService) SubmitAnswer(ctx context.Context, sessionID uuid.UUID, participantID int, itemID uuid.UUID, optionKey string) error {
	sess, err := s.getOwned(ctx, sessionID, participantID)
	if err != nil {
		return err
	}
	if err := s.checkActive(ctx, sess); err != nil {
		return err
	}

	items, err := s.loadItems(ctx, sess.AssessmentID)
	if err != nil {
		return err
	}
	var item *model.ItemWithKey
	for i := range items {
		if items[i].ID == itemID {
			item = &items[i]
			break
		}
	}
	if item == nil {
		return ErrItemNotFound
	}
	if !item.HasOption(optionKey) {
		return ErrInvalidOption
	}

	now := s.clock.Now()
	payload, err := json.Marshal(repository.AnswerRecord{
		SessionID:  sessionID,
		ItemID:     itemID,
		OptionKey:  optionKey,
		AnsweredAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}

	answersKey := config.CacheKey.SessionAnswersKey(sessionID.String())
	stateKey := config.CacheKey.SessionStateKey(sessionID.String())
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, answersKey, itemID.String(), optionKey)
		pipe.Expire(ctx, answersKey, sessionAnswersTTL)
		pipe.HSet(ctx, stateKey, fieldLastAnswered, itemID.String())
		pipe.Expire(ctx, stateKey, sessionStateTTL)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store answer: %w", err)
	}

	publishEvent(ctx, s.rdb, s.log, MonitorEvent{
		Type:          EventAnswerSaved,
		AssessmentID:  sess.AssessmentID,
		SessionID:     &sess.ID,
		ParticipantID: participantID,
		Status:        sess.Status,
		At:            now,
	})
	return nil
}

// Finish completes the session after checking every item is answered, and
// returns the graded result.
func (s *SessionService) Finish(ctx context.Context, sessionID uuid.UUID, participantID int) (*model.Result, error) {
	sess, err := s.getOwned(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if err := s.checkActive(ctx, sess); err != nil {
		return nil, err
	}

	a, items, answers, err := s.gradingInputs(ctx, sess)
	if err != nil {
		return nil, err
	}
	if missing := missingCount(items, answers); missing > 0 {
		return nil, &IncompleteError{Missing: missing, Total: len(items)}
	}

	now := s.clock.Now()
	sess.Status = model.SessionStatusCompleted
	result := Grade(sess, a.Title, items, answers, a.PassMark)

	ok, err := s.sessions.Complete(ctx, sess.ID, result.Score, now)
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	if !ok {
		// Lost a race with force end or the expiry sweep.
		fresh, err := s.sessions.GetByID(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("reload session: %w", err)
		}
		return nil, &SessionEndedError{Status: fresh.Status}
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Float64("score", result.Score).
		Msg("Session completed")
	publishEvent(ctx, s.rdb, s.log, MonitorEvent{
		Type:          EventSessionEnded,
		AssessmentID:  sess.AssessmentID,
		SessionID:     &sess.ID,
		ParticipantID: participantID,
		Status:        sess.Status,
		At:            now,
	})
	return result, nil
}

// Result grades a terminal session. ErrSessionActive is returned while the
// session is still running.
func (s *SessionService) Result(ctx context.Context, sessionID uuid.UUID, participantID int) (*model.Result, error) {
	sess, err := s.getOwned(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if err := s.checkActive(ctx, sess); err == nil {
		return nil, ErrSessionActive
	} else if !errors.Is(err, ErrSessionEnded) {
		return nil, err
	}

	a, items, answers, err := s.gradingInputs(ctx, sess)
	if err != nil {
		return nil, err
	}
	return Grade(sess, a.Title, items, answers, a.PassMark), nil
}

func (s *SessionService) gradingInputs(ctx context.Context, sess *model.Session) (*model.Assessment, []model.ItemWithKey, map[uuid.UUID]string, error) {
	a, err := s.assessments.GetByID(ctx, sess.AssessmentID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get assessment: %w", err)
	}
	items, err := s.loadItems(ctx, sess.AssessmentID)
	if err != nil {
		return nil, nil, nil, err
	}
	answers, err := s.loadAnswers(ctx, sess.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return a, items, answers, nil
}

func (s *SessionService) getOwned(ctx context.Context, sessionID uuid.UUID, participantID int) (*model.Session, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.ParticipantID != participantID {
		return nil, ErrNotOwner
	}
	return sess, nil
}

// checkActive returns a SessionEndedError for a terminal session, and marks
// an IN_PROGRESS session whose deadline passed as ENDED_BY_TIMEOUT.
func (s *SessionService) checkActive(ctx context.Context, sess *model.Session) error {
	if sess.Status.Terminal() {
		return &SessionEndedError{Status: sess.Status}
	}
	if sess.EndsAt == nil || s.clock.Now().Before(*sess.EndsAt) {
		return nil
	}

	if _, err := s.sessions.Expire(ctx, sess.ID, *sess.EndsAt); err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	sess.Status = model.SessionStatusEndedByTimeout
	if fresh, err := s.sessions.GetByID(ctx, sess.ID); err == nil {
		sess.Status = fresh.Status
		sess.FinishedAt = fresh.FinishedAt
	}
	return &SessionEndedError{Status: sess.Status}
}

// loadItems returns the assessment's items with their key, cached in Redis.
func (s *SessionService) loadItems(ctx context.Context, assessmentID uuid.UUID) ([]model.ItemWithKey, error) {
	key := config.CacheKey.AssessmentAnswerKey(assessmentID.String())

	if raw, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var cached []cachedItem
		if err := json.Unmarshal(raw, &cached); err == nil {
			items := make([]model.ItemWithKey, len(cached))
			for i, c := range cached {
				items[i] = model.ItemWithKey{
					Item:          model.Item{ID: c.ID, Prompt: c.Prompt, Options: c.Options, OrderNum: c.OrderNum},
					AssessmentID:  assessmentID,
					CorrectOption: c.Correct,
				}
			}
			return items, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Item cache read failed, falling back to database")
	}

	items, err := s.assessments.ListItems(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	cached := make([]cachedItem, len(items))
	for i, it := range items {
		cached[i] = cachedItem{ID: it.ID, Prompt: it.Prompt, Options: it.Options, OrderNum: it.OrderNum, Correct: it.CorrectOption}
	}
	if raw, err := json.Marshal(cached); err == nil {
		if err := s.rdb.Set(ctx, key, raw, itemCacheTTL).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Item cache write failed")
		}
	}
	return items, nil
}

// loadAnswers merges persisted answers with the Redis fast lane, which may
// hold answers the persist worker has not written yet.
func (s *SessionService) loadAnswers(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]string, error) {
	answers, err := s.answers.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	live, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID.String())).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Live answers unavailable")
		return answers, nil
	}
	for k, v := range live {
		id, err := uuid.Parse(k)
		if err != nil {
			continue
		}
		answers[id] = v
	}
	return answers, nil
}

func (s *SessionService) lastAnswered(ctx context.Context, sessionID uuid.UUID) *uuid.UUID {
	raw, err := s.rdb.HGet(ctx, config.CacheKey.SessionStateKey(sessionID.String()), fieldLastAnswered).Result()
	if err != nil {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
