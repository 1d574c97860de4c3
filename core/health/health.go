// Package health reports whether the userkey service and its backends can
// serve traffic.
//
// Checks run concurrently under one timeout. A failing critical check makes
// the service unhealthy; a failing non-critical one only degrades it, so a
// lost rate limiter backend does not take logins down with it.
//
//	manager := health.NewManager(version, health.WithTimeout(3*time.Second))
//	manager.Register(health.NewPingChecker("database", sqlDB.PingContext, true))
//	manager.Register(health.NewPingChecker("redis", ping, false))
//
//	e.GET("/healthz", manager.LiveHandler)
//	e.GET("/ready", manager.ReadyHandler)
//	e.GET("/health", manager.FullHandler)
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents the result of a single health check.
type Check struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"-"`
	LatencyMs int64         `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// Report represents the overall health report.
type Report struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
}

// Checker is the interface for health check implementations.
type Checker interface {
	Name() string
	Check(ctx context.Context) *Check
}

// CheckFunc is a function adapter for Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) *Check
}

func (c CheckFunc) Name() string                     { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) *Check { return c.Fn(ctx) }

// Manager coordinates health checks.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	version  string
	timeout  time.Duration
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

func NewManager(version string, opts ...ManagerOption) *Manager {
	m := &Manager{
		version: version,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = d
	}
}

func (m *Manager) Register(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

func (m *Manager) RegisterFunc(name string, fn func(ctx context.Context) *Check) {
	m.Register(CheckFunc{CheckName: name, Fn: fn})
}

// Check runs all health checks and returns a report.
func (m *Manager) Check(ctx context.Context) *Report {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	report := &Report{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
		Checks:    make([]Check, 0, len(checkers)),
	}

	var wg sync.WaitGroup
	results := make(chan *Check, len(checkers))

	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			start := time.Now()
			check := c.Check(ctx)
			if check == nil {
				check = &Check{Name: c.Name(), Status: StatusUnhealthy}
			}
			check.Latency = time.Since(start)
			check.LatencyMs = check.Latency.Milliseconds()
			check.Timestamp = time.Now()
			results <- check
		}(checker)
	}

	wg.Wait()
	close(results)

	for check := range results {
		report.Checks = append(report.Checks, *check)

		switch check.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status != StatusUnhealthy {
				report.Status = StatusDegraded
			}
		}
	}

	return report
}

// ---- HTTP Handlers ----

// LiveHandler answers as long as the process is serving requests.
func (m *Manager) LiveHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler answers 503 while any critical check fails.
func (m *Manager) ReadyHandler(c echo.Context) error {
	if m.Check(c.Request().Context()).Status == StatusUnhealthy {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// FullHandler returns the whole report.
func (m *Manager) FullHandler(c echo.Context) error {
	report := m.Check(c.Request().Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

// ---- Built-in Checkers ----

// PingChecker checks connectivity to a backend.
type PingChecker struct {
	name     string
	pingFn   func(ctx context.Context) error
	critical bool
}

// NewPingChecker creates a connectivity checker. A failing non-critical
// backend reports degraded instead of unhealthy.
func NewPingChecker(name string, pingFn func(ctx context.Context) error, critical bool) *PingChecker {
	return &PingChecker{name: name, pingFn: pingFn, critical: critical}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) *Check {
	check := &Check{Name: c.name, Status: StatusHealthy, Message: "connected"}
	if err := c.pingFn(ctx); err != nil {
		check.Status = StatusDegraded
		if c.critical {
			check.Status = StatusUnhealthy
		}
		check.Message = err.Error()
	}
	return check
}

// BacklogChecker reports degraded when more keys are outstanding than
// expected, which usually means the purge job is not running.
type BacklogChecker struct {
	count     func(ctx context.Context) (int64, error)
	threshold int64
}

func NewBacklogChecker(count func(ctx context.Context) (int64, error), threshold int64) *BacklogChecker {
	return &BacklogChecker{count: count, threshold: threshold}
}

func (c *BacklogChecker) Name() string { return "userkeys" }

func (c *BacklogChecker) Check(ctx context.Context) *Check {
	n, err := c.count(ctx)
	if err != nil {
		return &Check{Name: c.Name(), Status: StatusUnhealthy, Message: err.Error()}
	}
	check := &Check{Name: c.Name(), Status: StatusHealthy, Message: fmt.Sprintf("%d outstanding", n)}
	if c.threshold > 0 && n > c.threshold {
		check.Status = StatusDegraded
	}
	return check
}
