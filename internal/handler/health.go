package handler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"faceauth-service/internal/util"
)

// HealthChecker is anything with a dependency probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a plain function to HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Readiness probes every registered dependency in parallel. Optional checks
// are reported but do not fail readiness.
type Readiness struct {
	timeout  time.Duration
	required map[string]HealthChecker
	optional map[string]HealthChecker
	logger   *zap.Logger
}

func NewReadiness(timeout time.Duration, logger *zap.Logger) *Readiness {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Readiness{
		timeout:  timeout,
		required: map[string]HealthChecker{},
		optional: map[string]HealthChecker{},
		logger:   logger,
	}
}

func (r *Readiness) Require(name string, c HealthChecker) *Readiness {
	r.required[name] = c
	return r
}

func (r *Readiness) Optional(name string, c HealthChecker) *Readiness {
	r.optional[name] = c
	return r
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Check runs all probes and reports whether every required one passed.
func (r *Readiness) Check(ctx context.Context) (bool, map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(r.required)+len(r.optional))
		ready   = true
		g       errgroup.Group
	)
	run := func(name string, c HealthChecker, required bool) {
		g.Go(func() error {
			err := c.HealthCheck(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				results[name] = "ok"
				return nil
			}
			r.logger.Warn("Readiness check failed",
				util.String("dependency", name),
				util.Bool("required", required),
				util.ErrorField(err))
			if required {
				results[name] = "unavailable"
				ready = false
			} else {
				results[name] = "degraded"
			}
			return nil
		})
	}
	for _, name := range sortedKeys(r.required) {
		run(name, r.required[name], true)
	}
	for _, name := range sortedKeys(r.optional) {
		run(name, r.optional[name], false)
	}
	_ = g.Wait()
	return ready, results
}

func (r *Readiness) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ready, checks := r.Check(req.Context())
	resp := readinessResponse{Status: "ready", Checks: checks}
	status := http.StatusOK
	if !ready {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r.logger, status, resp)
}

func sortedKeys(m map[string]HealthChecker) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
