package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionFinish Action = "finish"
	ActionPing   Action = "ping"
)

// RequestEnvelope is one client message. Fields not used by an action are
// left empty.
type RequestEnvelope struct {
	Action    Action `json:"action"`
	RequestID string `json:"request_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	OptionKey string `json:"option_key,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSaved     Event = "saved"
	EventCompleted Event = "completed"
	EventPong      Event = "pong"
)

// ResponseEnvelope wraps every server message. Data holds the event payload.
type ResponseEnvelope struct {
	Event     Event           `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type SavedResponse struct {
	ItemID    string `json:"item_id"`
	OptionKey string `json:"option_key"`
}

type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}
