// Package health runs configured health checks and aggregates them into a
// single status. Check results are cached per check for a configurable TTL;
// a check that raises, times out, or runs slower than its budget counts as
// ERROR, never as a hung operation blocking the others.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the health state of a check or of the aggregate.
// ERROR dominates WARN dominates OK when aggregating.
type Status int

const (
	StatusOK Status = iota
	StatusWarn
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the string form produced by MarshalJSON.
func (s *Status) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"OK"`:
		*s = StatusOK
	case `"WARN"`:
		*s = StatusWarn
	case `"ERROR"`:
		*s = StatusError
	default:
		return fmt.Errorf("unknown health status %s", data)
	}
	return nil
}

// Result is the outcome of a single check run.
type Result struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Health is the aggregate over all registered checks.
type Health struct {
	Status     Status    `json:"status"`
	Checks     []Result  `json:"checks"`
	ComputedAt time.Time `json:"computed_at"`
}

// CheckFunc performs one health check and reports its status with an
// optional detail message. The context carries the per-check timeout; a
// check that cannot finish in time is reported as ERROR by the manager
// regardless of what it would have returned.
type CheckFunc func(ctx context.Context) (Status, string)

// Check describes a registered health check.
type Check struct {
	Name string
	Run  CheckFunc

	// Cache keeps the last result for this long; all aggregate computations
	// within the window reuse it (read-through on expiry). Zero disables
	// caching.
	Cache time.Duration

	// FailIfSlowerThan downgrades an otherwise-OK result to ERROR when the
	// check took longer than this. Zero disables the penalty.
	FailIfSlowerThan time.Duration
}

type registeredCheck struct {
	Check

	mu     sync.Mutex
	last   Result
	lastAt time.Time
}

// run executes the check once, honoring the slow-check penalty and the
// timeout carried by ctx. It never blocks past the timeout: a late check is
// abandoned and reported as ERROR.
func (c *registeredCheck) run(ctx context.Context) Result {
	result := Result{Name: c.Name, Status: StatusOK, CheckedAt: time.Now()}

	type outcome struct {
		status  Status
		message string
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{StatusError, fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		status, message := c.Run(ctx)
		done <- outcome{status, message}
	}()

	select {
	case out := <-done:
		result.Status = out.status
		result.Message = out.message
	case <-ctx.Done():
		result.Status = StatusError
		result.Message = "check timed out"
		return result
	}

	spent := time.Since(start)
	if result.Status == StatusOK && c.FailIfSlowerThan > 0 && spent > c.FailIfSlowerThan {
		result.Status = StatusError
		result.Message = fmt.Sprintf("spent %s", spent.Round(time.Millisecond))
	}
	return result
}

// cached returns the last result while it is still fresh.
func (c *registeredCheck) cached(now time.Time) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Cache > 0 && !c.lastAt.IsZero() && now.Sub(c.lastAt) < c.Cache {
		return c.last, true
	}
	return Result{}, false
}

func (c *registeredCheck) store(r Result) {
	c.mu.Lock()
	c.last = r
	c.lastAt = r.CheckedAt
	c.mu.Unlock()
}

// Manager owns the registered checks of one component.
type Manager struct {
	mu      sync.RWMutex
	checks  []*registeredCheck
	timeout time.Duration
	logger  *zap.Logger
}

// DefaultTimeout bounds a single check run when no explicit timeout is
// configured.
const DefaultTimeout = 5 * time.Second

// NewManager creates a check manager with the given per-check timeout.
// A zero timeout falls back to DefaultTimeout.
func NewManager(timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{timeout: timeout, logger: logger}
}

// Register adds a check. Checks run in registration order but results are
// order-independent; the aggregate only cares about the worst status.
func (m *Manager) Register(check Check) {
	if check.Name == "" {
		check.Name = fmt.Sprintf("check-%d", len(m.checks))
	}
	m.mu.Lock()
	m.checks = append(m.checks, &registeredCheck{Check: check})
	m.mu.Unlock()
}

// Check runs all registered checks concurrently and aggregates their
// results. Fresh cached results are reused without re-running the check.
// Concurrent Check calls may run an expired check redundantly; both runs
// store valid results, so duplicate work is harmless.
func (m *Manager) Check(ctx context.Context) Health {
	m.mu.RLock()
	checks := make([]*registeredCheck, len(m.checks))
	copy(checks, m.checks)
	m.mu.RUnlock()

	now := time.Now()
	results := make([]Result, len(checks))

	var wg sync.WaitGroup
	for i, c := range checks {
		if cached, ok := c.cached(now); ok {
			results[i] = cached
			continue
		}
		wg.Add(1)
		go func(i int, c *registeredCheck) {
			defer wg.Done()
			runCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			r := c.run(runCtx)
			c.store(r)
			results[i] = r
			if r.Status != StatusOK {
				m.logger.Warn("health check degraded",
					zap.String("check", c.Name),
					zap.Stringer("status", r.Status),
					zap.String("message", r.Message))
			}
		}(i, c)
	}
	wg.Wait()

	health := Health{Status: StatusOK, Checks: results, ComputedAt: now}
	for _, r := range results {
		if r.Status > health.Status {
			health.Status = r.Status
		}
	}
	return health
}
