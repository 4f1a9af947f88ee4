package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/middleware"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
	ws "github.com/stemsi/exstem-sync/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams participant answers over a WebSocket with the same
// semantics as the HTTP endpoints.
type WSHandler struct {
	sessionService *service.SessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.SessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/participant/sessions/:id/stream
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)

	sessionID, ok := parseID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("participant_id", claims.UserID).
		Str("session_id", sessionID.String()).
		Logger()
	wsLog.Info().Msg("Participant connected")

	ctx := c.Request.Context()
	for {
		var msg ws.RequestEnvelope
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var writeErr error
		switch msg.Action {
		case ws.ActionAnswer:
			writeErr = h.handleAnswer(ctx, conn, sessionID, claims.UserID, &msg)
		case ws.ActionFinish:
			writeErr = h.handleFinish(ctx, conn, wsLog, sessionID, claims.UserID, &msg)
		case ws.ActionPing:
			writeErr = ws.WriteEvent(conn, ws.EventPong, msg.RequestID, nil)
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			writeErr = ws.WriteError(conn, msg.RequestID, errorEvent(response.ErrInvalidPayload, map[string]string{"action": string(msg.Action)}))
		}
		if writeErr != nil {
			wsLog.Debug().Err(writeErr).Msg("Write failed")
			return
		}
	}
}

func (h *WSHandler) handleAnswer(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID, participantID int, msg *ws.RequestEnvelope) error {
	itemID, err := uuid.Parse(msg.ItemID)
	if err != nil {
		return ws.WriteError(conn, msg.RequestID, errorEvent(response.ErrValidation, map[string]string{"item_id": "item_id must be a valid UUID"}))
	}
	if !model.ValidOptionKey(msg.OptionKey) {
		return ws.WriteError(conn, msg.RequestID, errorEvent(response.ErrValidation, map[string]string{"option_key": "option_key must be one of " + strings.Join(model.OptionKeys, ", ")}))
	}

	if err := h.sessionService.SubmitAnswer(ctx, sessionID, participantID, itemID, msg.OptionKey); err != nil {
		return h.writeServiceError(conn, msg.RequestID, err)
	}
	return ws.WriteEvent(conn, ws.EventSaved, msg.RequestID, ws.SavedResponse{ItemID: msg.ItemID, OptionKey: msg.OptionKey})
}

func (h *WSHandler) handleFinish(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID, participantID int, msg *ws.RequestEnvelope) error {
	result, err := h.sessionService.Finish(ctx, sessionID, participantID)
	if err != nil {
		return h.writeServiceError(conn, msg.RequestID, err)
	}
	wsLog.Info().Float64("score", result.Score).Msg("Session finished over stream")
	return ws.WriteEvent(conn, ws.EventCompleted, msg.RequestID, result)
}

func (h *WSHandler) writeServiceError(conn *websocket.Conn, requestID string, err error) error {
	_, code, fields := classify(err)
	if code == response.ErrInternal {
		h.log.Error().Err(err).Msg("Stream action failed")
	}
	return ws.WriteError(conn, requestID, errorEvent(code, fields))
}

func errorEvent(code response.ErrCode, fields map[string]string) ws.ErrorResponse {
	return ws.ErrorResponse{Code: string(code), Message: response.GetMessage(code), Fields: fields}
}
