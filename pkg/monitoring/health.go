package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the outcome of a health check
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// DefaultCheckTimeout bounds a single check when the manager is given none
const DefaultCheckTimeout = 5 * time.Second

func (s HealthStatus) severity() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	default:
		return 2
	}
}

// HealthCheck is one component's entry in a report
type HealthCheck struct {
	Name     string                 `json:"name"`
	Status   HealthStatus           `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Duration string                 `json:"duration"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// HealthReport aggregates every registered check
type HealthReport struct {
	Service   string        `json:"service"`
	Version   string        `json:"version"`
	Status    HealthStatus  `json:"status"`
	CheckedAt time.Time     `json:"checkedAt"`
	Checks    []HealthCheck `json:"checks"`
}

// HealthChecker checks one component
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// CheckFunc adapts a function to HealthChecker
type CheckFunc func(ctx context.Context) HealthCheck

// Check calls f(ctx)
func (f CheckFunc) Check(ctx context.Context) HealthCheck {
	return f(ctx)
}

// HealthManager runs the registered checks and serves the report
type HealthManager struct {
	service string
	version string
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager whose checks each get at most timeout
func NewHealthManager(service, version string, timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &HealthManager{
		service:  service,
		version:  version,
		timeout:  timeout,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a checker, replacing any previous one with the same name
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	hm.checkers[name] = checker
	hm.mu.Unlock()
}

// CheckHealth runs all checks concurrently. The overall status is the worst
// individual status; checks are reported in name order.
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	checkers := make([]HealthChecker, len(names))
	sort.Strings(names)
	for i, name := range names {
		checkers[i] = hm.checkers[name]
	}
	hm.mu.RUnlock()

	report := &HealthReport{
		Service:   hm.service,
		Version:   hm.version,
		Status:    HealthStatusHealthy,
		CheckedAt: time.Now().UTC(),
		Checks:    make([]HealthCheck, len(names)),
	}

	var wg sync.WaitGroup
	for i := range checkers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report.Checks[i] = hm.run(ctx, names[i], checkers[i])
		}(i)
	}
	wg.Wait()

	for _, check := range report.Checks {
		if check.Status.severity() > report.Status.severity() {
			report.Status = check.Status
		}
	}
	return report
}

// run executes one checker; a checker that ignores its deadline is reported unhealthy
func (hm *HealthManager) run(ctx context.Context, name string, checker HealthChecker) HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan HealthCheck, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- HealthCheck{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		done <- checker.Check(ctx)
	}()

	var check HealthCheck
	select {
	case check = <-done:
	case <-ctx.Done():
		check = HealthCheck{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check did not finish within %s", hm.timeout)}
	}

	check.Name = name
	check.Duration = time.Since(start).Round(time.Microsecond).String()
	if check.Status == "" {
		check.Status = HealthStatusUnhealthy
	}
	return check
}

// HTTPHandler serves the report; unhealthy maps to 503
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		status := http.StatusOK
		if report.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}

// StoreReporter reports on a record store and the collections kept in it
type StoreReporter interface {
	Health(ctx context.Context) error
	CollectionHealth(ctx context.Context) map[string]error
}

// StoreHealthChecker reports backend reachability and whether each collection decodes
type StoreHealthChecker struct {
	driver string
	source StoreReporter
}

// NewStoreHealthChecker creates a checker for the store behind source
func NewStoreHealthChecker(driver string, source StoreReporter) *StoreHealthChecker {
	return &StoreHealthChecker{driver: driver, source: source}
}

// Check is unhealthy when the backend is unreachable and degraded when
// some collections cannot be read
func (sc *StoreHealthChecker) Check(ctx context.Context) HealthCheck {
	check := HealthCheck{Details: map[string]interface{}{"driver": sc.driver}}

	if err := sc.source.Health(ctx); err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = fmt.Sprintf("record store unreachable: %v", err)
		return check
	}

	results := sc.source.CollectionHealth(ctx)
	collections := make(map[string]string, len(results))
	failed := 0
	for name, err := range results {
		if err != nil {
			collections[name] = err.Error()
			failed++
			continue
		}
		collections[name] = "ok"
	}
	check.Details["collections"] = collections

	if failed > 0 {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("%d of %d collections unreadable", failed, len(results))
		return check
	}
	check.Status = HealthStatusHealthy
	check.Message = "record store reachable"
	return check
}

// SQLPoolChecker reports the connection pool of the postgres store
type SQLPoolChecker struct {
	db *sql.DB
}

// NewSQLPoolChecker creates a pool checker
func NewSQLPoolChecker(db *sql.DB) *SQLPoolChecker {
	return &SQLPoolChecker{db: db}
}

// Check is degraded while every allowed connection is in use
func (pc *SQLPoolChecker) Check(ctx context.Context) HealthCheck {
	if err := pc.db.PingContext(ctx); err != nil {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("database ping failed: %v", err)}
	}

	stats := pc.db.Stats()
	check := HealthCheck{
		Status:  HealthStatusHealthy,
		Message: "connection pool available",
		Details: map[string]interface{}{
			"open":      stats.OpenConnections,
			"in_use":    stats.InUse,
			"idle":      stats.Idle,
			"max_open":  stats.MaxOpenConnections,
			"wait_time": stats.WaitDuration.String(),
		},
	}
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		check.Status = HealthStatusDegraded
		check.Message = "connection pool saturated"
	}
	return check
}
