// Package health runs preflight checks concurrently and folds their results
// into one Report. A build consults the report before touching any input so
// a missing file or an unreachable sink fails fast with a single diagnostic.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the state of one check or of the report overall.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Check probes a single precondition.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth holds the result of a single check. Err is kept for the
// caller and never serialised.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
	Err     error  `json:"-"`
}

// Up reports a passing check.
func Up(msg string) ComponentHealth {
	return ComponentHealth{Status: StatusUp, Message: msg}
}

// Degraded reports a check that passed with a warning.
func Degraded(msg string) ComponentHealth {
	return ComponentHealth{Status: StatusDegraded, Message: msg}
}

// Down reports a failing check.
func Down(err error) ComponentHealth {
	return ComponentHealth{Status: StatusDown, Message: err.Error(), Err: err}
}

// Report is the aggregated result of all checks.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Err joins the errors of every failing component, ordered by name, or
// returns nil when nothing is down.
func (r Report) Err() error {
	var errs []error
	for _, name := range r.Names() {
		c := r.Components[name]
		if c.Status != StatusDown {
			continue
		}
		err := c.Err
		if err == nil {
			err = errors.New(c.Message)
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

// Names returns the component names in sorted order.
func (r Report) Names() []string {
	names := make([]string, 0, len(r.Components))
	for n := range r.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Checker manages registered checks and runs them concurrently.
type Checker struct {
	checks  map[string]Check
	timeout time.Duration
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewChecker creates an empty Checker. A timeout of zero leaves each check
// bounded only by the caller's context.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		timeout: timeout,
		logger:  slog.Default().With("component", "preflight"),
	}
}

// Register adds a named check, replacing any check of the same name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Len returns the number of registered checks.
func (c *Checker) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.checks)
}

// Run executes all registered checks concurrently. The overall status is the
// worst status among all components.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()
	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx := ctx
			if c.timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}
			start := time.Now()
			result := check(cctx)
			result.Latency = time.Since(start).Round(time.Millisecond).String()
			mu.Lock()
			report.Components[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, name := range report.Names() {
		comp := report.Components[name]
		switch comp.Status {
		case StatusDown:
			report.Status = StatusDown
			c.logger.Error("preflight check failed", "check", name, "error", comp.Message)
		case StatusDegraded:
			if report.Status == StatusUp {
				report.Status = StatusDegraded
			}
			c.logger.Warn("preflight check degraded", "check", name, "message", comp.Message)
		}
	}
	return report
}

// Handler serves the result of a fresh Run as JSON, answering 503 when any
// check is down.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}
