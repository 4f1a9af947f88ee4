package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ok", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{"n": 1}) })
	r.GET("/ended", func(c *gin.Context) {
		FailWithFields(c, http.StatusConflict, ErrSessionEnded, map[string]string{"status": "ENDED_BY_TIMEOUT"})
	})
	return r
}

func TestRequestIDKeepsValidHeader(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(HeaderRequestID, "trace-123")
	newEngine().ServeHTTP(w, req)

	assert.Equal(t, "trace-123", w.Header().Get(HeaderRequestID))

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "trace-123", body.Metadata.RequestID)
	assert.Nil(t, body.Error)
}

func TestRequestIDReplacesInvalidHeader(t *testing.T) {
	for _, id := range []string{"has space", strings.Repeat("x", maxRequestIDLen+1)} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set(HeaderRequestID, id)
		newEngine().ServeHTTP(w, req)

		got := w.Header().Get(HeaderRequestID)
		assert.NotEqual(t, id, got)
		assert.Len(t, got, 36)
	}
}

func TestFailWithFieldsEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	newEngine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ended", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrSessionEnded, body.Error.Code)
	assert.Equal(t, GetMessage(ErrSessionEnded), body.Error.Message)
	assert.Equal(t, "ENDED_BY_TIMEOUT", body.Error.Fields["status"])
}
