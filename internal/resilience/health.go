package resilience

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	LastCheck time.Time              `json:"lastCheck"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the aggregated health report.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	StartTime  time.Time         `json:"startTime"`
	Components []ComponentHealth `json:"components"`
	Goroutines int               `json:"goroutines"`
	MemoryMB   uint64            `json:"memoryAllocMb"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	startTime  time.Time
	timeout    time.Duration
}

// NewHealthMonitor creates a monitor whose checks share a per-run timeout.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		components: make(map[string]HealthCheck),
		startTime:  time.Now(),
		timeout:    timeout,
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every registered check concurrently and aggregates the result.
// Any unhealthy component makes the system unhealthy; any degraded one degrades it.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		checks[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- ComponentHealth{Name: n, Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r), LastCheck: time.Now()}
				}
			}()

			start := time.Now()
			h := c(ctx)
			h.Name = n
			h.LastCheck = time.Now()
			if h.Latency == 0 {
				h.Latency = time.Since(start)
			}
			results <- h
		}(name, check)
	}
	wg.Wait()
	close(results)

	report := SystemHealth{
		Status:     HealthStatusHealthy,
		Uptime:     time.Since(m.startTime).Round(time.Second).String(),
		StartTime:  m.startTime,
		Goroutines: runtime.NumGoroutine(),
	}
	for h := range results {
		report.Components = append(report.Components, h)
		switch h.Status {
		case HealthStatusUnhealthy:
			report.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if report.Status == HealthStatusHealthy {
				report.Status = HealthStatusDegraded
			}
		}
	}
	sort.Slice(report.Components, func(i, j int) bool { return report.Components[i].Name < report.Components[j].Name })

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report.MemoryMB = mem.Alloc / 1024 / 1024
	return report
}

// FeedHealthCheck reports a market-data feed: unhealthy when unreachable,
// degraded while reconnecting or when no message arrived within staleAfter.
func FeedHealthCheck(state func() string, lastMessage func() time.Time, staleAfter time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		s := state()
		last := lastMessage()
		health := ComponentHealth{
			Details: map[string]interface{}{"state": s, "last_message": last},
		}

		switch s {
		case "connected":
		case "unreachable":
			health.Status = HealthStatusUnhealthy
			health.Message = "feed unreachable"
			return health
		default:
			health.Status = HealthStatusDegraded
			health.Message = "feed " + s
			return health
		}

		if !last.IsZero() && time.Since(last) > staleAfter {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("No messages for %v", time.Since(last).Round(time.Second))
			return health
		}

		health.Status = HealthStatusHealthy
		health.Message = "feed connected and receiving data"
		return health
	}
}

// DatabaseHealthCheck creates a health check for the database connection.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		health := ComponentHealth{Latency: time.Since(start)}

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
			return health
		}
		if health.Latency > 100*time.Millisecond {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
			return health
		}

		health.Status = HealthStatusHealthy
		health.Message = "Database healthy"
		return health
	}
}

// CircuitHealthCheck degrades when any provider circuit is open.
func CircuitHealthCheck(registry *CircuitBreakerRegistry) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{Status: HealthStatusHealthy, Message: "all circuits closed", Details: map[string]interface{}{}}
		for _, s := range registry.AllStats() {
			health.Details[s.Name] = s.State
			if s.State != CircuitClosed {
				health.Status = HealthStatusDegraded
				health.Message = fmt.Sprintf("circuit %s is %s", s.Name, s.State)
			}
		}
		return health
	}
}
