package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/engine"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
	"github.com/stemsi/exstem-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu       sync.Mutex
	session  *model.Session
	answers  map[uuid.UUID]string
	finished bool
	ended    model.SessionStatus
}

func newFakeBackend(items int) *fakeBackend {
	endsAt := testNow.Add(30 * time.Minute)
	sess := &model.Session{
		ID:           uuid.New(),
		AssessmentID: uuid.New(),
		Title:        "Physics",
		Status:       model.SessionStatusInProgress,
		StartedAt:    testNow,
		EndsAt:       &endsAt,
		Answers:      map[uuid.UUID]string{},
	}
	for i := 0; i < items; i++ {
		sess.Items = append(sess.Items, model.Item{
			ID:       uuid.New(),
			Prompt:   "Question " + string(rune('1'+i)),
			OrderNum: i + 1,
			Options:  []model.Option{{Key: "A", Text: "yes"}, {Key: "B", Text: "no"}, {Key: "C", Text: "maybe"}},
		})
	}
	return &fakeBackend{session: sess, answers: map[uuid.UUID]string{}}
}

func (f *fakeBackend) StartSession(context.Context, uuid.UUID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.session
	cp.Answers = make(map[uuid.UUID]string, len(f.answers))
	for k, v := range f.answers {
		cp.Answers[k] = v
	}
	if f.ended != "" {
		cp.Status = f.ended
	}
	return &cp, nil
}

func (f *fakeBackend) SubmitAnswer(_ context.Context, _, itemID uuid.UUID, optionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended != "" {
		return &engine.SessionEndedError{Status: f.ended}
	}
	f.answers[itemID] = optionKey
	return nil
}

func (f *fakeBackend) FinishSession(context.Context, uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended != "" {
		return &engine.SessionEndedError{Status: f.ended}
	}
	f.finished = true
	return nil
}

func (f *fakeBackend) GetResult(context.Context, uuid.UUID) (*model.Result, error) {
	return &model.Result{
		SessionID: f.session.ID,
		Title:     f.session.Title,
		Verdict:   model.VerdictPassed,
		Score:     100,
		Grade:     "A",
		Items:     []model.ItemResult{{Prompt: "Question 1", Verdict: model.ItemCorrect}},
	}, nil
}

func (f *fakeBackend) answer(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers[id]
}

func newTestParticipant(t *testing.T, backend *fakeBackend) (*engine.Participant, *engine.ManualScheduler) {
	t.Helper()
	sched := engine.NewManualScheduler(testNow)
	p := engine.NewParticipant(backend, store.NewMemory(), sched, nil, zerolog.Nop(), engine.Config{
		AssessmentID: backend.session.AssessmentID,
	})
	t.Cleanup(func() {
		p.Close()
		sched.Settle()
	})
	return p, sched
}

func TestTakeAnswersAndFinishes(t *testing.T) {
	backend := newFakeBackend(2)
	p, _ := newTestParticipant(t, backend)

	var out bytes.Buffer
	in := strings.NewReader("a b\nnext\nanswer C\nfinish\n")
	require.NoError(t, runTake(context.Background(), p, in, &out))

	assert.True(t, backend.finished)
	assert.Equal(t, "B", backend.answer(backend.session.Items[0].ID))
	assert.Equal(t, "C", backend.answer(backend.session.Items[1].ID))
	assert.Contains(t, out.String(), "Session completed.")
	assert.Contains(t, out.String(), "Verdict: PASSED")
}

func TestTakeFinishRejectedWhileIncomplete(t *testing.T) {
	backend := newFakeBackend(2)
	p, _ := newTestParticipant(t, backend)

	var out bytes.Buffer
	in := strings.NewReader("a A\nfinish\n")
	require.NoError(t, runTake(context.Background(), p, in, &out))

	assert.False(t, backend.finished)
	assert.Contains(t, out.String(), "1 of 2 items unanswered")
	assert.Contains(t, out.String(), "Progress saved")
}

func TestTakeEndsWhenAuthorityEnded(t *testing.T) {
	backend := newFakeBackend(2)
	p, _ := newTestParticipant(t, backend)

	backend.mu.Lock()
	backend.ended = model.SessionStatusEndedByAuthority
	backend.mu.Unlock()

	var out bytes.Buffer
	in := strings.NewReader("sync\n")
	require.NoError(t, runTake(context.Background(), p, in, &out))

	o, ok := p.Outcome()
	require.True(t, ok)
	assert.Equal(t, model.SessionStatusEndedByAuthority, o.Status)
	assert.Contains(t, out.String(), "The proctor ended this session.")
}

func TestTakeRejectsUnknownInput(t *testing.T) {
	backend := newFakeBackend(1)
	p, _ := newTestParticipant(t, backend)

	var out bytes.Buffer
	in := strings.NewReader("dance\na Z\ngoto x\n")
	require.NoError(t, runTake(context.Background(), p, in, &out))

	s := out.String()
	assert.Contains(t, s, `unknown command "dance"`)
	assert.Contains(t, s, `option "Z" is not offered`)
	assert.Contains(t, s, "usage: goto")
}

type fakeProctor struct {
	mu     sync.Mutex
	snap   model.MonitorSnapshot
	forces []bool
}

func (f *fakeProctor) GetMonitorSnapshot(context.Context, uuid.UUID) (*model.MonitorSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.snap
	cp.Participants = append([]model.ParticipantStatus(nil), f.snap.Participants...)
	return &cp, nil
}

func (f *fakeProctor) ForceEndSession(_ context.Context, _ uuid.UUID, timerDriven bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forces = append(f.forces, timerDriven)
	f.snap.Ended = true
	for i := range f.snap.Participants {
		if f.snap.Participants[i].Status == model.SessionStatusInProgress {
			f.snap.Participants[i].Status = model.SessionStatusEndedByAuthority
		}
	}
	return nil
}

func newFakeProctor() *fakeProctor {
	return &fakeProctor{snap: model.MonitorSnapshot{
		AssessmentID:   uuid.New(),
		Title:          "Physics",
		CompletedCount: 1,
		TotalCount:     2,
		RemainingTime:  "00:05:00",
		Participants: []model.ParticipantStatus{
			{ID: 1, Name: "Ayu", Status: model.SessionStatusCompleted, AnsweredCount: 3},
			{ID: 2, Name: "Budi", Status: model.SessionStatusInProgress, AnsweredCount: 1},
		},
	}}
}

func newTestMonitor(t *testing.T, backend *fakeProctor) *engine.Monitor {
	t.Helper()
	sched := engine.NewManualScheduler(testNow)
	m := engine.NewMonitor(backend, sched, zerolog.Nop(), engine.MonitorConfig{AssessmentID: backend.snap.AssessmentID})
	t.Cleanup(m.Stop)
	return m
}

func TestMonitorOnce(t *testing.T) {
	backend := newFakeProctor()
	m := newTestMonitor(t, backend)

	var out bytes.Buffer
	opts := monitorOptions{once: true, refresh: time.Second}
	require.NoError(t, runMonitor(context.Background(), m, clockwork.NewFakeClock(), opts, strings.NewReader(""), &out))

	s := out.String()
	assert.Contains(t, s, "Completed 1/2  In progress 1  Remaining 05:00 mins")
	assert.Contains(t, s, "Budi")
	assert.Empty(t, backend.forces)
}

func TestMonitorEndCommand(t *testing.T) {
	backend := newFakeProctor()
	m := newTestMonitor(t, backend)

	var out bytes.Buffer
	opts := monitorOptions{refresh: time.Minute}
	in := strings.NewReader("end\nquit\n")
	require.NoError(t, runMonitor(context.Background(), m, clockwork.NewFakeClock(), opts, in, &out))

	assert.Equal(t, []bool{false}, backend.forces)
	assert.Contains(t, out.String(), "Remaining Ended")
	assert.Contains(t, out.String(), string(model.SessionStatusEndedByAuthority))
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-test-secret")
	t.Setenv("ANSWER_STORE", "memory")

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--type", "proctor", "--user-id", "7", "--name", "Bu Sari"})
	require.NoError(t, cmd.Execute())

	claims, err := service.NewAuthService("cli-test-secret", time.Hour).ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, service.TokenTypeProctor, claims.TokenType)
	assert.Equal(t, 7, claims.UserID)
	assert.Equal(t, "Bu Sari", claims.Name)
}

func TestTokenCommandRejectsUnknownType(t *testing.T) {
	t.Setenv("ANSWER_STORE", "memory")

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--type", "admin", "--user-id", "1"})
	assert.Error(t, cmd.Execute())
}

func TestResultCommand(t *testing.T) {
	sessionID := uuid.New()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/v1/participant/sessions/:id/result", func(c *gin.Context) {
		assert.Equal(t, sessionID.String(), c.Param("id"))
		response.Success(c, http.StatusOK, model.Result{
			SessionID:      sessionID,
			Title:          "Chemistry",
			Verdict:        model.VerdictFailed,
			Score:          40,
			Grade:          "E",
			ObtainedPoints: 2,
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	t.Setenv("API_BASE_URL", srv.URL)
	t.Setenv("ANSWER_STORE", "memory")

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"result", sessionID.String()})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Chemistry")
	assert.Contains(t, out.String(), "Verdict: FAILED  Score: 40.00  Grade: E  Points: 2")
}

func TestRenderHelpers(t *testing.T) {
	assert.Equal(t, "Ayu", truncate("Ayu", 5))
	assert.Equal(t, "Ayu W~", truncate("Ayu Wulandari", 6))

	var out bytes.Buffer
	renderItem(&out, model.Item{Prompt: "2+2?", Options: []model.Option{{Key: "A", Text: "4"}, {Key: "B", Text: "5"}}}, 0, 3, "A", 65, true)
	assert.Contains(t, out.String(), "[1/3] time left: 1 min 5 secs")
	assert.Contains(t, out.String(), "* A) 4")
}

func TestReadLinesStopsOnBlockedRead(t *testing.T) {
	pr, pw := io.Pipe()
	stop := make(chan struct{})
	lines := readLines(stop, pr)

	go func() { _, _ = io.WriteString(pw, "next\n") }()
	select {
	case line := <-lines:
		assert.Equal(t, "next", line)
	case <-time.After(time.Second):
		t.Fatal("line not delivered")
	}

	// Nothing else is written, so the scanner is parked in Read.
	close(stop)
	select {
	case _, ok := <-lines:
		assert.False(t, ok, "channel closes once the reader exits")
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after stop")
	}
	_, err := pw.Write([]byte("late\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestReadLinesEndsWithInput(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	var got []string
	for line := range readLines(stop, strings.NewReader("a B\nnext\n")) {
		got = append(got, line)
	}
	assert.Equal(t, []string{"a B", "next"}, got)
}
