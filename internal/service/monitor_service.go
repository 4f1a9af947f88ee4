package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/repository"
)

// MonitorService orchestrates proctor monitoring and the force-end command.
type MonitorService struct {
	monitorRepo *repository.MonitorRepository
	assessments *repository.AssessmentRepository
	sessions    *repository.SessionRepository
	rdb         *redis.Client
	clock       clockwork.Clock
	log         zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(
	monitorRepo *repository.MonitorRepository,
	assessments *repository.AssessmentRepository,
	sessions *repository.SessionRepository,
	rdb *redis.Client,
	clock clockwork.Clock,
	log zerolog.Logger,
) *MonitorService {
	return &MonitorService{
		monitorRepo: monitorRepo,
		assessments: assessments,
		sessions:    sessions,
		rdb:         rdb,
		clock:       clock,
		log:         log.With().Str("component", "monitor_service").Logger(),
	}
}

// GetSnapshot builds the aggregate progress view of an assessment. The
// assessment and its participant list are fetched in parallel.
func (s *MonitorService) GetSnapshot(ctx context.Context, assessmentID uuid.UUID, proctorID int) (*model.MonitorSnapshot, error) {
	var (
		a            *model.Assessment
		participants []model.ParticipantStatus
		aErr, pErr   error
		wg           sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		a, aErr = s.assessments.GetByID(ctx, assessmentID)
	}()
	go func() {
		defer wg.Done()
		participants, pErr = s.monitorRepo.ListParticipants(ctx, assessmentID)
	}()
	wg.Wait()

	if aErr != nil {
		if errors.Is(aErr, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assessment: %w", aErr)
	}
	if a.ProctorID != proctorID {
		return nil, ErrNotProctor
	}
	if pErr != nil {
		return nil, fmt.Errorf("list participants: %w", pErr)
	}

	s.overlayLiveCounts(ctx, participants)

	now := s.clock.Now()
	snap := &model.MonitorSnapshot{
		AssessmentID: a.ID,
		Title:        a.Title,
		TotalCount:   len(participants),
		StartTime:    a.ScheduledStart,
		EndTime:      a.ScheduledEnd,
		Participants: participants,
	}
	if snap.Participants == nil {
		snap.Participants = []model.ParticipantStatus{}
	}
	snap.CompletedCount = countCompleted(participants)

	snap.Ended = a.Status == model.AssessmentStatusEnded ||
		(a.ScheduledEnd != nil && !now.Before(*a.ScheduledEnd))
	if a.ScheduledEnd != nil {
		remaining := a.ScheduledEnd.Sub(now)
		if snap.Ended || remaining < 0 {
			remaining = 0
		}
		snap.RemainingTime = formatHMS(remaining)
	}
	return snap, nil
}

// overlayLiveCounts raises the answered count of running sessions to the
// Redis count when it is ahead of the database.
func (s *MonitorService) overlayLiveCounts(ctx context.Context, participants []model.ParticipantStatus) {
	var ids []uuid.UUID
	for _, p := range participants {
		if p.Status == model.SessionStatusInProgress {
			ids = append(ids, p.SessionID)
		}
	}
	if len(ids) == 0 {
		return
	}

	live, err := s.monitorRepo.GetLiveAnsweredCounts(ctx, ids)
	if err != nil {
		s.log.Warn().Err(err).Msg("Live answer counts unavailable")
		return
	}
	for i := range participants {
		if n, ok := live[participants[i].SessionID]; ok && n > participants[i].AnsweredCount {
			participants[i].AnsweredCount = n
		}
	}
}

// ForceEnd ends every IN_PROGRESS session of the assessment on the
// proctor's authority and closes the assessment. Repeating it is harmless.
func (s *MonitorService) ForceEnd(ctx context.Context, assessmentID uuid.UUID, proctorID int, isTimerDriven bool) (int64, error) {
	a, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get assessment: %w", err)
	}
	if a.ProctorID != proctorID {
		return 0, ErrNotProctor
	}

	now := s.clock.Now()
	ended, err := s.sessions.EndAllInProgress(ctx, assessmentID, now)
	if err != nil {
		return 0, fmt.Errorf("end sessions: %w", err)
	}
	if err := s.assessments.MarkEnded(ctx, assessmentID, now); err != nil {
		return ended, fmt.Errorf("mark assessment ended: %w", err)
	}

	s.log.Info().
		Str("assessment_id", assessmentID.String()).
		Int64("sessions_ended", ended).
		Bool("timer_driven", isTimerDriven).
		Msg("Assessment force ended")
	publishEvent(ctx, s.rdb, s.log, MonitorEvent{
		Type:         EventAssessmentEnd,
		AssessmentID: assessmentID,
		Status:       model.SessionStatusEndedByAuthority,
		At:           now,
	})
	return ended, nil
}

// countCompleted counts participants who finished on their own. Sessions
// ended by timeout or by the proctor are not included.
func countCompleted(participants []model.ParticipantStatus) int {
	n := 0
	for _, p := range participants {
		if p.Status == model.SessionStatusCompleted {
			n++
		}
	}
	return n
}

// formatHMS renders a duration as HH:MM:SS.
func formatHMS(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
