package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Health states reported by CheckReady.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker aggregates readiness of the journal, the sandbox and any
// other dependency registered with AddCheck.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs all registered checks concurrently under one shared
// deadline. The result is "ok" only if every check passed.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.run(checkCtx, c)
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		if results[i].Status != StatusOK {
			status.Status = StatusDegraded
		}
		status.Checks[c.Name] = results[i]
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, c HealthCheck) CheckResult {
	start := time.Now()
	err := c.Check(ctx)
	result := CheckResult{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
	if err == nil {
		return result
	}

	result.Status = StatusFail
	result.Message = err.Error()
	if h.logger != nil {
		h.logger.WarnContext(ctx, "readiness check failed",
			slog.String("check", c.Name),
			slog.String("error", err.Error()),
		)
	}
	return result
}
