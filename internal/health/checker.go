package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check probes one dependency; nil means healthy. The worker daemon adds a
// runtime check (worker running, heartbeat fresh) next to the DB ping.
type Check func(ctx context.Context) error

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that all dependencies are reachable.
type Checker struct {
	db       Pinger
	logger   *slog.Logger
	gauge    *prometheus.GaugeVec
	liveness map[string]Check
}

// NewChecker creates a health checker and registers its Prometheus gauge.
func NewChecker(db Pinger, logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quern",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		db:       db,
		logger:   logger.With("component", "health"),
		gauge:    gauge,
		liveness: make(map[string]Check),
	}
}

// AddLivenessCheck registers an extra probe that runs on both Liveness and
// Readiness. Must be called before the checker is served.
func (c *Checker) AddLivenessCheck(name string, check Check) {
	c.liveness[name] = check
}

// Liveness reports "up" while the process and its registered liveness
// probes are healthy.
func (c *Checker) Liveness(ctx context.Context) HealthResult {
	result := HealthResult{Status: "up"}
	if len(c.liveness) == 0 {
		return result
	}

	result.Checks = make(map[string]CheckResult)
	for name, check := range c.liveness {
		c.runCheck(ctx, &result, name, check)
	}
	return result
}

// Readiness pings every dependency and reports per-check status.
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result := HealthResult{
		Status: "up",
		Checks: make(map[string]CheckResult),
	}

	if err := c.db.Ping(checkCtx); err != nil {
		c.logger.Warn("postgres health check failed", "error", err)
		result.Status = "down"
		result.Checks["postgres"] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues("postgres").Set(0)
	} else {
		result.Checks["postgres"] = CheckResult{Status: "up"}
		c.gauge.WithLabelValues("postgres").Set(1)
	}

	for name, check := range c.liveness {
		c.runCheck(checkCtx, &result, name, check)
	}

	return result
}

func (c *Checker) runCheck(ctx context.Context, result *HealthResult, name string, check Check) {
	if result.Checks == nil {
		result.Checks = make(map[string]CheckResult)
	}
	if err := check(ctx); err != nil {
		c.logger.Warn("health check failed", "check", name, "error", err)
		result.Status = "down"
		result.Checks[name] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues(name).Set(0)
	} else {
		result.Checks[name] = CheckResult{Status: "up"}
		c.gauge.WithLabelValues(name).Set(1)
	}
}
