package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/middleware"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
	"github.com/stemsi/exstem-sync/internal/validator"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler serves the proctor monitor endpoints.
type MonitorHandler struct {
	rdb            *redis.Client
	monitorService *service.MonitorService
	log            zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(rdb *redis.Client, monitorService *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// GetSnapshot godoc
// GET /api/v1/proctor/assessments/:id/monitor
func (h *MonitorHandler) GetSnapshot(c *gin.Context) {
	claims := middleware.GetClaims(c)

	assessmentID, ok := parseID(c)
	if !ok {
		return
	}

	snap, err := h.monitorService.GetSnapshot(c.Request.Context(), assessmentID, claims.UserID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// ForceEnd godoc
// POST /api/v1/proctor/assessments/:id/force-end
func (h *MonitorHandler) ForceEnd(c *gin.Context) {
	claims := middleware.GetClaims(c)

	assessmentID, ok := parseID(c)
	if !ok {
		return
	}

	var req model.ForceEndRequest
	if fields := validator.BindOptional(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ended, err := h.monitorService.ForceEnd(c.Request.Context(), assessmentID, claims.UserID, req.IsTimerDriven)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessions_ended": ended, "is_timer_driven": req.IsTimerDriven})
}

// StreamEvents godoc
// GET /api/v1/proctor/assessments/:id/events
// Server-sent events: a snapshot on attach, every progress event as it is
// published, and a fresh snapshot on an interval while anything happens.
func (h *MonitorHandler) StreamEvents(c *gin.Context) {
	claims := middleware.GetClaims(c)

	assessmentID, ok := parseID(c)
	if !ok {
		return
	}

	reqCtx := c.Request.Context()
	if !h.sendSnapshot(c, reqCtx, assessmentID, claims.UserID, true) {
		return
	}

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.AssessmentMonitorChannel(assessmentID.String()))
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	dirty := false
	h.log.Info().Str("assessment_id", assessmentID.String()).Msg("Proctor attached to monitor stream")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("assessment_id", assessmentID.String()).Msg("Proctor detached from monitor stream")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("event", msg.Payload)
			c.Writer.Flush()
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			dirty = false
			h.sendSnapshot(c, reqCtx, assessmentID, claims.UserID, false)

		case <-keepAliveTicker.C:
			c.SSEvent("ping", "{}")
			c.Writer.Flush()
		}
	}
}

// sendSnapshot writes one snapshot event. On the first call an error is
// written as a normal envelope, since no stream has started yet.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, assessmentID uuid.UUID, proctorID int, first bool) bool {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.monitorService.GetSnapshot(ctx, assessmentID, proctorID)
	if err != nil {
		if first {
			failWith(c, h.log, err)
			return false
		}
		h.log.Warn().Err(err).Msg("Monitor refresh failed")
		return true
	}

	if first {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
	}
	c.SSEvent("snapshot", snap)
	c.Writer.Flush()
	return true
}
