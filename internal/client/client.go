// Package client implements the engine's backend ports over the reference
// backend's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/engine"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/response"
)

const apiPrefix = "/api/v1"

// maxBody caps how much of a response is read.
const maxBody = 4 << 20

// APIError is a backend rejection that has no engine equivalent, such as an
// authentication failure.
type APIError struct {
	StatusCode int
	Code       response.ErrCode
	Message    string
	Fields     map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to the backend. It satisfies engine.ParticipantBackend and
// engine.ProctorBackend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

var (
	_ engine.ParticipantBackend = (*Client)(nil)
	_ engine.ProctorBackend     = (*Client)(nil)
)

// New creates a Client. baseURL is the server root, without the API prefix.
func New(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "api_client").Logger(),
	}
}

// NewFromConfig creates a Client from the client configuration.
func NewFromConfig(cfg *config.ClientConfig, log zerolog.Logger) *Client {
	return New(cfg.APIBaseURL, cfg.APIToken, cfg.HTTPTimeout, log)
}

// sessionWire is the JSON shape of a session; the deadline is parsed
// leniently since an unparsable value means an indeterminate deadline.
type sessionWire struct {
	ID              uuid.UUID           `json:"id"`
	AssessmentID    uuid.UUID           `json:"assessment_id"`
	ParticipantID   int                 `json:"participant_id"`
	Title           string              `json:"title"`
	Status          model.SessionStatus `json:"status"`
	StartedAt       time.Time           `json:"started_at"`
	EndsAt          string              `json:"ends_at"`
	FinishedAt      *time.Time          `json:"finished_at"`
	Items           []model.Item        `json:"items"`
	LastAnsweredID  *uuid.UUID          `json:"last_answered_item_id"`
	Answers         map[string]string   `json:"answers"`
	FinalScore      *float64            `json:"final_score"`
	DurationMinutes int                 `json:"duration_minutes"`
}

func (w *sessionWire) toModel() *model.Session {
	s := &model.Session{
		ID:              w.ID,
		AssessmentID:    w.AssessmentID,
		ParticipantID:   w.ParticipantID,
		Title:           w.Title,
		Status:          w.Status,
		StartedAt:       w.StartedAt,
		FinishedAt:      w.FinishedAt,
		Items:           w.Items,
		LastAnsweredID:  w.LastAnsweredID,
		Answers:         make(map[uuid.UUID]string, len(w.Answers)),
		FinalScore:      w.FinalScore,
		DurationMinutes: w.DurationMinutes,
	}
	if t, ok := engine.ParseDeadline(w.EndsAt); ok {
		s.EndsAt = &t
	}
	for k, v := range w.Answers {
		if id, err := uuid.Parse(k); err == nil {
			s.Answers[id] = v
		}
	}
	return s
}

// StartSession starts or resumes the caller's session.
func (c *Client) StartSession(ctx context.Context, assessmentID uuid.UUID) (*model.Session, error) {
	var w sessionWire
	err := c.do(ctx, "start session", http.MethodPost, "/participant/sessions",
		model.StartSessionRequest{AssessmentID: assessmentID}, &w, "assessment", assessmentID.String())
	if err != nil {
		return nil, err
	}
	return w.toModel(), nil
}

// SubmitAnswer records one answer.
func (c *Client) SubmitAnswer(ctx context.Context, sessionID, itemID uuid.UUID, optionKey string) error {
	return c.do(ctx, "submit answer", http.MethodPost, "/participant/sessions/"+sessionID.String()+"/answers",
		model.SubmitAnswerRequest{ItemID: itemID, OptionKey: optionKey}, nil, "session", sessionID.String())
}

// FinishSession completes the session.
func (c *Client) FinishSession(ctx context.Context, sessionID uuid.UUID) error {
	return c.do(ctx, "finish session", http.MethodPost, "/participant/sessions/"+sessionID.String()+"/finish",
		nil, nil, "session", sessionID.String())
}

// GetResult fetches the graded result of a terminal session.
func (c *Client) GetResult(ctx context.Context, sessionID uuid.UUID) (*model.Result, error) {
	var res model.Result
	if err := c.do(ctx, "get result", http.MethodGet, "/participant/sessions/"+sessionID.String()+"/result",
		nil, &res, "session", sessionID.String()); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetMonitorSnapshot fetches the proctor aggregate of an assessment.
func (c *Client) GetMonitorSnapshot(ctx context.Context, assessmentID uuid.UUID) (*model.MonitorSnapshot, error) {
	var snap model.MonitorSnapshot
	if err := c.do(ctx, "get monitor snapshot", http.MethodGet, "/proctor/assessments/"+assessmentID.String()+"/monitor",
		nil, &snap, "assessment", assessmentID.String()); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ForceEndSession ends every running session of the assessment.
func (c *Client) ForceEndSession(ctx context.Context, assessmentID uuid.UUID, isTimerDriven bool) error {
	return c.do(ctx, "force end", http.MethodPost, "/proctor/assessments/"+assessmentID.String()+"/force-end",
		model.ForceEndRequest{IsTimerDriven: isTimerDriven}, nil, "assessment", assessmentID.String())
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

// do sends one request and decodes the envelope into out. resource and id
// name the addressed entity for NotFoundError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any, resource, id string) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &engine.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &engine.NetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Proxies and load balancers answer with non-envelope bodies.
		return &engine.NetworkError{Op: op, Err: fmt.Errorf("status %d: undecodable body: %w", resp.StatusCode, err)}
	}

	if resp.StatusCode >= 400 || env.Error != nil {
		mapped := mapError(resp.StatusCode, env.Error, op, resource, id)
		c.log.Debug().Err(mapped).Str("op", op).Int("status", resp.StatusCode).Msg("Request rejected")
		return mapped
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", op, err)
		}
	}
	return nil
}

// mapError converts a backend rejection into the engine's error taxonomy.
func mapError(status int, body *response.ErrorBody, op, resource, id string) error {
	if body == nil {
		if status >= 500 {
			return &engine.NetworkError{Op: op, Err: fmt.Errorf("status %d", status)}
		}
		return &APIError{StatusCode: status, Message: http.StatusText(status)}
	}

	switch body.Code {
	case response.ErrSessionEnded:
		return &engine.SessionEndedError{Status: model.SessionStatus(body.Fields["status"])}
	case response.ErrNotFound:
		return &engine.NotFoundError{Resource: resource, ID: id}
	case response.ErrValidation, response.ErrInvalidOption, response.ErrIncomplete,
		response.ErrInvalidID, response.ErrInvalidPayload:
		fields := body.Fields
		if len(fields) == 0 {
			fields = map[string]string{"detail": body.Message}
		}
		return &engine.ValidationError{Fields: fields}
	}

	apiErr := &APIError{StatusCode: status, Code: body.Code, Message: body.Message, Fields: body.Fields}
	if status >= 500 || status == http.StatusTooManyRequests {
		return &engine.NetworkError{Op: op, Err: apiErr}
	}
	return apiErr
}

// IsUnauthorized reports whether err is a token rejection.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
