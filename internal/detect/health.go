package detect

import (
	"sync"
	"time"
)

// HealthStatus represents the health of the detection loop
type HealthStatus int

const (
	HealthStatusHealthy HealthStatus = iota
	HealthStatusDegraded
	HealthStatusUnhealthy
)

// String returns string representation of health status
func (hs HealthStatus) String() string {
	switch hs {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthCheck tracks consecutive collaborator failures per source
type HealthCheck struct {
	mu sync.RWMutex

	status           HealthStatus
	lastStatusChange time.Time

	consecutive map[string]int
	total       map[string]int64
	lastSuccess map[string]time.Time
	lastError   *DetectionFailure

	maxConsecutiveFailures int
}

// NewHealthCheck creates a new health check
func NewHealthCheck() *HealthCheck {
	return &HealthCheck{
		status:                 HealthStatusHealthy,
		lastStatusChange:       time.Now(),
		consecutive:            make(map[string]int),
		total:                  make(map[string]int64),
		lastSuccess:            make(map[string]time.Time),
		maxConsecutiveFailures: 5,
	}
}

// RecordSuccess records a pass of source that reached every collaborator
func (hc *HealthCheck) RecordSuccess(source string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.consecutive[source] = 0
	hc.lastSuccess[source] = time.Now()
	hc.updateStatus()
}

// RecordFailure records a pass of source with at least one failure
func (hc *HealthCheck) RecordFailure(err *DetectionFailure) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.consecutive[err.Source]++
	hc.total[err.Source]++
	hc.lastError = err
	hc.updateStatus()
}

// updateStatus must be called with lock held
func (hc *HealthCheck) updateStatus() {
	newStatus := HealthStatusHealthy
	for _, n := range hc.consecutive {
		switch {
		case n >= hc.maxConsecutiveFailures:
			newStatus = HealthStatusUnhealthy
		case n >= hc.maxConsecutiveFailures/2 && newStatus < HealthStatusDegraded:
			newStatus = HealthStatusDegraded
		}
	}

	if newStatus != hc.status {
		hc.status = newStatus
		hc.lastStatusChange = time.Now()
	}
}

// GetStatus returns current health status
func (hc *HealthCheck) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return hc.status
}

// GetLastError returns the most recent failure
func (hc *HealthCheck) GetLastError() *DetectionFailure {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return hc.lastError
}

// GetHealthReport returns detailed health report
func (hc *HealthCheck) GetHealthReport() map[string]interface{} {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	consecutive := make(map[string]int, len(hc.consecutive))
	for k, v := range hc.consecutive {
		consecutive[k] = v
	}
	total := make(map[string]int64, len(hc.total))
	for k, v := range hc.total {
		total[k] = v
	}

	report := map[string]interface{}{
		"status":               hc.status.String(),
		"status_duration":      time.Since(hc.lastStatusChange).String(),
		"consecutive_failures": consecutive,
		"total_failures":       total,
	}
	if hc.lastError != nil {
		report["last_error"] = hc.lastError.Error()
	}
	return report
}
