package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLoggerFields(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(requestLogger())
	router.GET("/api/v1/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, http.StatusNoContent, entry.Data["status"])
	assert.Equal(t, http.MethodGet, entry.Data["method"])
	assert.Equal(t, "/api/v1/ping", entry.Data["path"])

	// Health-check and scrape endpoints stay out of the request log.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, hook.Entries, 1)
}
