package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeServer is an in-memory backend shared by participant and proctor
// clients. Decisions are taken when a request arrives; gate delays only the
// response, the way a slow network would.
type fakeServer struct {
	mu           sync.Mutex
	now          func() time.Time
	assessmentID uuid.UUID
	items        []model.Item
	sessions     []*model.Session
	ended        bool
	remaining    string

	failNetwork bool
	gate        chan struct{}
	entered     chan uuid.UUID

	startCalls  int
	submitCalls int
	finishCalls int
	forceCalls  []bool
}

func newFakeServer(t *testing.T, sched *ManualScheduler, items, participants int, duration time.Duration) *fakeServer {
	t.Helper()
	srv := &fakeServer{
		now:          sched.Now,
		assessmentID: uuid.New(),
		entered:      make(chan uuid.UUID, 64),
	}
	for i := 0; i < items; i++ {
		srv.items = append(srv.items, model.Item{
			ID:       uuid.New(),
			Prompt:   fmt.Sprintf("Question %d", i+1),
			OrderNum: i + 1,
			Options: []model.Option{
				{Key: "A", Text: "first"},
				{Key: "B", Text: "second"},
				{Key: "C", Text: "third"},
			},
		})
	}
	endsAt := sched.Now().Add(duration)
	for i := 0; i < participants; i++ {
		end := endsAt
		srv.sessions = append(srv.sessions, &model.Session{
			ID:            uuid.New(),
			AssessmentID:  srv.assessmentID,
			ParticipantID: i + 1,
			Title:         "Physics midterm",
			Status:        model.SessionStatusInProgress,
			StartedAt:     sched.Now(),
			EndsAt:        &end,
			Items:         srv.items,
			Answers:       map[uuid.UUID]string{},
		})
	}
	return srv
}

func (s *fakeServer) itemIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.items))
	for i, it := range s.items {
		ids[i] = it.ID
	}
	return ids
}

func (s *fakeServer) session(i int) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.sessions[i]
	cp.Answers = copyAnswers(s.sessions[i].Answers)
	return &cp
}

func (s *fakeServer) setStatus(i int, status model.SessionStatus) {
	s.mu.Lock()
	s.sessions[i].Status = status
	s.mu.Unlock()
}

func (s *fakeServer) setEndsAt(i int, t time.Time) {
	s.mu.Lock()
	s.sessions[i].EndsAt = &t
	s.mu.Unlock()
}

func (s *fakeServer) setAnswer(i int, itemID uuid.UUID, opt string) {
	s.mu.Lock()
	s.sessions[i].Answers[itemID] = opt
	id := itemID
	s.sessions[i].LastAnsweredID = &id
	s.mu.Unlock()
}

func (s *fakeServer) setFailNetwork(v bool) {
	s.mu.Lock()
	s.failNetwork = v
	s.mu.Unlock()
}

func (s *fakeServer) counts() (start, submit, finish int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls, s.submitCalls, s.finishCalls
}

func (s *fakeServer) participant(i int) ParticipantBackend {
	return &fakeParticipant{srv: s, idx: i}
}

type fakeParticipant struct {
	srv *fakeServer
	idx int
}

func (f *fakeParticipant) StartSession(ctx context.Context, assessmentID uuid.UUID) (*model.Session, error) {
	s := f.srv
	s.mu.Lock()
	s.startCalls++
	if s.failNetwork {
		s.mu.Unlock()
		return nil, &NetworkError{Op: "start session", Err: errors.New("connection refused")}
	}
	s.mu.Unlock()
	if assessmentID != s.assessmentID {
		return nil, &NotFoundError{Resource: "assessment", ID: assessmentID.String()}
	}
	return s.session(f.idx), nil
}

func (f *fakeParticipant) SubmitAnswer(ctx context.Context, sessionID, itemID uuid.UUID, optionKey string) error {
	s := f.srv
	s.mu.Lock()
	s.submitCalls++
	gate := s.gate
	err := s.acceptLocked(f.idx, itemID, optionKey)
	s.mu.Unlock()

	s.entered <- itemID
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &NetworkError{Op: "submit answer", Err: ctx.Err()}
		}
	}
	return err
}

func (s *fakeServer) acceptLocked(idx int, itemID uuid.UUID, optionKey string) error {
	if s.failNetwork {
		return &NetworkError{Op: "submit answer", Err: errors.New("connection refused")}
	}
	sess := s.sessions[idx]
	if sess.Status == model.SessionStatusEndedByAuthority {
		return &SessionEndedError{}
	}
	if sess.Status.Terminal() {
		return &SessionEndedError{Status: sess.Status}
	}
	if sess.EndsAt != nil && !s.now().Before(*sess.EndsAt) {
		sess.Status = model.SessionStatusEndedByTimeout
		return &SessionEndedError{Status: sess.Status}
	}
	sess.Answers[itemID] = optionKey
	id := itemID
	sess.LastAnsweredID = &id
	return nil
}

func (f *fakeParticipant) FinishSession(ctx context.Context, sessionID uuid.UUID) error {
	s := f.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishCalls++
	if s.failNetwork {
		return &NetworkError{Op: "finish session", Err: errors.New("connection refused")}
	}
	sess := s.sessions[f.idx]
	if sess.Status.Terminal() {
		return &SessionEndedError{Status: sess.Status}
	}
	for _, it := range s.items {
		if _, ok := sess.Answers[it.ID]; !ok {
			return &ValidationError{Fields: map[string]string{"answers": "incomplete"}}
		}
	}
	sess.Status = model.SessionStatusCompleted
	return nil
}

func (f *fakeParticipant) GetResult(ctx context.Context, sessionID uuid.UUID) (*model.Result, error) {
	sess := f.srv.session(f.idx)
	if sess.ID != sessionID {
		return nil, &NotFoundError{Resource: "session", ID: sessionID.String()}
	}
	res := &model.Result{SessionID: sess.ID, Title: sess.Title, Status: sess.Status, Verdict: model.VerdictPassed, Score: 100, Grade: "A"}
	for _, it := range sess.Items {
		v := model.ItemUnanswered
		if _, ok := sess.Answers[it.ID]; ok {
			v = model.ItemCorrect
			res.ObtainedPoints++
		}
		res.Items = append(res.Items, model.ItemResult{ItemID: it.ID, Prompt: it.Prompt, Verdict: v})
	}
	return res, nil
}

func (s *fakeServer) GetMonitorSnapshot(ctx context.Context, assessmentID uuid.UUID) (*model.MonitorSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNetwork {
		return nil, &NetworkError{Op: "monitor snapshot", Err: errors.New("connection refused")}
	}
	snap := &model.MonitorSnapshot{
		AssessmentID:  assessmentID,
		Title:         "Physics midterm",
		TotalCount:    len(s.sessions),
		Ended:         s.ended,
		RemainingTime: s.remaining,
	}
	for _, sess := range s.sessions {
		if sess.Status == model.SessionStatusCompleted {
			snap.CompletedCount++
		}
		start := sess.StartedAt
		snap.StartTime = &start
		snap.EndTime = sess.EndsAt
		snap.Participants = append(snap.Participants, model.ParticipantStatus{
			ID:            sess.ParticipantID,
			SessionID:     sess.ID,
			Name:          fmt.Sprintf("Participant %d", sess.ParticipantID),
			Status:        sess.Status,
			AnsweredCount: len(sess.Answers),
		})
	}
	return snap, nil
}

func (s *fakeServer) ForceEndSession(ctx context.Context, assessmentID uuid.UUID, isTimerDriven bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNetwork {
		return &NetworkError{Op: "force end", Err: errors.New("connection refused")}
	}
	s.forceCalls = append(s.forceCalls, isTimerDriven)
	for _, sess := range s.sessions {
		if sess.Status == model.SessionStatusInProgress {
			sess.Status = model.SessionStatusEndedByAuthority
		}
	}
	s.ended = true
	return nil
}

func (s *fakeServer) forced() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.forceCalls...)
}

// waitEntered blocks until n submissions have reached the server.
func (s *fakeServer) waitEntered(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("submission %d never reached the server", i+1)
		}
	}
}

type navRecorder struct {
	mu       sync.Mutex
	sched    Scheduler
	outcomes []Outcome
	at       []time.Time
}

func (n *navRecorder) Navigate(o Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, o)
	n.at = append(n.at, n.sched.Now())
}

func (n *navRecorder) calls() []Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Outcome(nil), n.outcomes...)
}

func (n *navRecorder) firstAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.at) == 0 {
		return time.Time{}
	}
	return n.at[0]
}

// mapStore is an in-memory Store that counts deletions.
type mapStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	deletes int
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mapStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.deletes++
	return nil
}

func (m *mapStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *mapStore) deleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

type harness struct {
	sched *ManualScheduler
	srv   *fakeServer
	store *mapStore
	nav   *navRecorder
	p     *Participant
}

func newHarness(t *testing.T, items int, duration time.Duration, cfg Config) *harness {
	t.Helper()
	sched := NewManualScheduler(testStart)
	srv := newFakeServer(t, sched, items, 1, duration)
	h := &harness{
		sched: sched,
		srv:   srv,
		store: newMapStore(),
		nav:   &navRecorder{sched: sched},
	}
	cfg.AssessmentID = srv.assessmentID
	h.p = NewParticipant(srv.participant(0), h.store, sched, h.nav, zerolog.Nop(), cfg)
	t.Cleanup(func() {
		h.p.Close()
		h.sched.Settle()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.p.Start(context.Background()))
}

func (h *harness) answersKey() string {
	return "answers:" + h.srv.sessions[0].ID.String()
}

func copyAnswers(in map[uuid.UUID]string) map[uuid.UUID]string {
	out := make(map[uuid.UUID]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
