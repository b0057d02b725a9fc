package health

import (
	"context"
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/log"
	"github.com/rs/zerolog"
)

// Status is the aggregate or per-check health verdict
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 5 * time.Second

// Check probes one dependency
type Check struct {
	Name string
	// Critical checks take the aggregate to unhealthy on failure;
	// non-critical ones only degrade it
	Critical bool
	Probe    func(ctx context.Context) error
}

// Result is the outcome of one probe
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report aggregates all probe results
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Result  `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Registry holds the registered checks and runs them on demand
type Registry struct {
	mu     sync.RWMutex
	checks []Check
	logger zerolog.Logger
}

// NewRegistry creates an empty check registry
func NewRegistry() *Registry {
	return &Registry{logger: log.WithComponent("health")}
}

// Register adds a check. Registration order is report order.
func (r *Registry) Register(check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, check)
}

// Run executes every check concurrently and aggregates the verdict
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			start := time.Now()
			err := check.Probe(ctx)
			res := Result{
				Name:     check.Name,
				Status:   StatusHealthy,
				Duration: time.Since(start),
			}
			if err != nil {
				res.Error = err.Error()
				res.Status = StatusDegraded
				if check.Critical {
					res.Status = StatusUnhealthy
				}
				r.logger.Warn().Str("check", check.Name).Err(err).Msg("health check failed")
			}
			results[i] = res
		}(i, check)
	}
	wg.Wait()

	status := StatusHealthy
	for _, res := range results {
		switch res.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}

	return Report{Status: status, Checks: results, CheckedAt: time.Now()}
}
