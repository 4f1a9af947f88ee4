package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
)

// classify maps a service error to an HTTP status, an error code and
// optional field details.
func classify(err error) (int, response.ErrCode, map[string]string) {
	var ended *service.SessionEndedError
	var incomplete *service.IncompleteError

	switch {
	case errors.As(err, &ended):
		return http.StatusConflict, response.ErrSessionEnded, map[string]string{"status": string(ended.Status)}
	case errors.As(err, &incomplete):
		return http.StatusUnprocessableEntity, response.ErrIncomplete, map[string]string{
			"missing": strconv.Itoa(incomplete.Missing),
			"total":   strconv.Itoa(incomplete.Total),
		}
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound, nil
	case errors.Is(err, service.ErrItemNotFound):
		return http.StatusNotFound, response.ErrNotFound, map[string]string{"item_id": err.Error()}
	case errors.Is(err, service.ErrInvalidOption):
		return http.StatusUnprocessableEntity, response.ErrInvalidOption, map[string]string{"option_key": err.Error()}
	case errors.Is(err, service.ErrNotOwner):
		return http.StatusForbidden, response.ErrNotSessionOwner, nil
	case errors.Is(err, service.ErrNotProctor):
		return http.StatusForbidden, response.ErrForbidden, nil
	case errors.Is(err, service.ErrSessionActive):
		return http.StatusConflict, response.ErrSessionActive, nil
	case errors.Is(err, service.ErrAssessmentEnded):
		return http.StatusConflict, response.ErrAssessmentEnded, nil
	case errors.Is(err, service.ErrAssessmentPending):
		return http.StatusConflict, response.ErrAssessmentPending, nil
	default:
		return http.StatusInternalServerError, response.ErrInternal, nil
	}
}

// failWith writes the envelope for a service error. Unclassified errors are
// logged since the client only sees INTERNAL_ERROR.
func failWith(c *gin.Context, log zerolog.Logger, err error) {
	status, code, fields := classify(err)
	if code == response.ErrInternal {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	if len(fields) > 0 {
		response.FailWithFields(c, status, code, fields)
		return
	}
	response.Fail(c, status, code)
}
