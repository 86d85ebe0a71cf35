// health.go - Component health checks
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus is the state of one component or of the whole daemon.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// rank orders statuses so the worst one wins when aggregating.
func (s HealthStatus) rank() int {
	switch s {
	case Unhealthy:
		return 2
	case Degraded:
		return 1
	}
	return 0
}

// ComponentHealth is the outcome of the last check of one component.
type ComponentHealth struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
	LatencyMs float64      `json:"latency_ms"`
}

// SystemHealth is the aggregate report served on /health.
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Version       string            `json:"version"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Components    []ComponentHealth `json:"components"`
}

// CheckFunc checks one component. Returning ErrDegraded (or an error wrapping it) marks the
// component degraded rather than unhealthy.
type CheckFunc func() error

// HealthChecker runs registered component checks. Registering a name twice replaces the check.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	started time.Time
	version string
}

func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]CheckFunc),
		started: time.Now(),
		version: version,
	}
}

// RegisterComponent adds or replaces the check for name.
func (hc *HealthChecker) RegisterComponent(name string, check CheckFunc) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()
}

// CheckHealth runs every check, in name order, outside the lock.
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	checks := make(map[string]CheckFunc, len(hc.checks))
	for name, check := range hc.checks {
		names = append(names, name)
		checks[name] = check
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	report := &SystemHealth{
		OverallStatus: Healthy,
		Version:       hc.version,
		UptimeSeconds: time.Since(hc.started).Seconds(),
		Components:    make([]ComponentHealth, 0, len(names)),
	}
	for _, name := range names {
		c := runCheck(name, checks[name])
		if c.Status.rank() > report.OverallStatus.rank() {
			report.OverallStatus = c.Status
		}
		report.Components = append(report.Components, c)
	}
	return report
}

func runCheck(name string, check CheckFunc) ComponentHealth {
	c := ComponentHealth{Name: name, Status: Healthy}
	if check == nil {
		c.CheckedAt = time.Now()
		return c
	}
	start := time.Now()
	err := check()
	c.CheckedAt = time.Now()
	c.LatencyMs = float64(c.CheckedAt.Sub(start).Microseconds()) / 1000

	switch {
	case err == nil:
	case isDegraded(err):
		c.Status, c.Message = Degraded, err.Error()
	default:
		c.Status, c.Message = Unhealthy, err.Error()
	}
	return c
}
