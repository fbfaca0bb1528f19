package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerStatus(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusDegraded, c.Check().Status)

	c.Report("if0", nil)
	c.Report("if1", nil)
	assert.Equal(t, StatusHealthy, c.Check().Status)
	assert.Equal(t, []string{"if0", "if1"}, c.Components())

	c.Report("if1", errors.New("poll_rx_cq: device lost"))

	status := c.Check()
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["if0"].Status)
	assert.Equal(t, "poll_rx_cq: device lost", status.Checks["if1"].Message)

	c.Forget("if1")
	assert.Equal(t, StatusHealthy, c.Check().Status)
}

func TestHealthHandler(t *testing.T) {
	c := NewChecker()
	h := NewHandler(c)

	c.Report("if0", nil)

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)

	c.Report("if0", errors.New("boom"))

	rec = httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(NewChecker()).LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
