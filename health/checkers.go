package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/AcmeTickets/Platform/internal/reliability"
)

// PingChecker reports a dependency reachable when ping succeeds.
// Failures of non-critical dependencies only degrade the service.
type PingChecker struct {
	name     string
	ping     func(ctx context.Context) error
	critical bool
}

// NewPingChecker creates a checker around ping, usually a pool's Ping method
func NewPingChecker(name string, critical bool, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping, critical: critical}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Status: StatusHealthy, Message: "reachable"}

	if err := c.ping(ctx); err != nil {
		result.Status = StatusDegraded
		if c.critical {
			result.Status = StatusUnhealthy
		}
		result.Message = "unreachable"
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// DeadLetterChecker degrades once an endpoint's dead-letter backlog reaches
// a threshold
type DeadLetterChecker struct {
	store     reliability.DeadLetterStore
	endpoint  string
	threshold int
}

// NewDeadLetterChecker creates a dead-letter backlog checker
func NewDeadLetterChecker(store reliability.DeadLetterStore, endpoint string, threshold int) *DeadLetterChecker {
	return &DeadLetterChecker{store: store, endpoint: endpoint, threshold: threshold}
}

func (c *DeadLetterChecker) Name() string {
	return fmt.Sprintf("deadletter_%s", c.endpoint)
}

func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	failed, err := c.store.List(ctx, reliability.DeadLetterFilter{Endpoint: c.endpoint})
	switch {
	case err != nil:
		result.Status = StatusDegraded
		result.Message = "dead-letter store not readable"
		result.Error = err.Error()
	case len(failed) >= c.threshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d messages dead-lettered", len(failed))
	default:
		result.Status = StatusHealthy
		result.Message = "dead-letter backlog below threshold"
	}
	result.Details["count"] = len(failed)
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a goroutine count checker
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}
	result.Duration = time.Since(start)
	return result
}
