// Package health provides health check endpoints for rcverbs.
//
//   - /healthz: overall status, 503 once any interface failed
//   - /health/live: liveness probe
//
// Components report their state through Checker.Report; the interface
// driver reports every interface it drives.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is a component or aggregate health state.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates nothing has reported yet.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates a component failed.
	StatusUnhealthy Status = "unhealthy"
)

// Check is the state of one component, usually an interface.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus aggregates the state of every reported component.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Checker collects component reports. It is safe for concurrent use.
type Checker struct {
	mu         sync.RWMutex
	components map[string]error
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{components: make(map[string]error)}
}

// Report records the current state of component. A nil err marks it
// healthy.
func (c *Checker) Report(component string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[component] = err
}

// Forget drops a component.
func (c *Checker) Forget(component string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.components, component)
}

// Check returns the overall status.
func (c *Checker) Check() *HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := &HealthStatus{
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(c.components)),
		Status:    StatusHealthy,
	}

	if len(c.components) == 0 {
		status.Status = StatusDegraded
		return status
	}

	for name, err := range c.components {
		if err != nil {
			status.Checks[name] = Check{Status: StatusUnhealthy, Message: err.Error()}
			status.Status = StatusUnhealthy

			continue
		}

		status.Checks[name] = Check{Status: StatusHealthy}
	}

	return status
}

// Components returns the reported component names in order.
func (c *Checker) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Handler serves a Checker over HTTP.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler returns the detailed status, 503 when unhealthy.
func (h *Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	status := h.checker.Check()

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}

// LivenessHandler handles liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
