package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is satisfied by *catalog.Registry.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TargetCounter is satisfied by *catalog.Registry. It lets readiness
// report whether the registry a propagation run would actually query
// against is populated, not merely whether the connection is alive.
type TargetCounter interface {
	TargetCount(ctx context.Context) (int, error)
}

// CheckResult represents the health of a single dependency. Detail
// carries non-error context (e.g. a count) for checks that always
// succeed but are still worth surfacing.
type CheckResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that all dependencies are reachable.
type Checker struct {
	catalog Pinger
	targets TargetCounter
	logger  *slog.Logger
	gauge   *prometheus.GaugeVec
}

// NewChecker creates a health checker and registers its Prometheus gauge.
// targets may be nil, in which case the catalog_targets check is skipped.
func NewChecker(catalog Pinger, targets TargetCounter, logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "propagator",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		catalog: catalog,
		targets: targets,
		logger:  logger.With("component", "health"),
		gauge:   gauge,
	}
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: "up"}
}

// Readiness pings the catalog registry and, if wired, counts its
// registered targets — together these are the propagator's own signal
// that a submit_job call against it would actually find somewhere to go,
// not just that the Postgres connection answers.
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result := HealthResult{
		Status: "up",
		Checks: make(map[string]CheckResult),
	}

	if err := c.catalog.Ping(checkCtx); err != nil {
		c.logger.Warn("catalog health check failed", "error", err)
		result.Status = "down"
		result.Checks["catalog"] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues("catalog").Set(0)
	} else {
		result.Checks["catalog"] = CheckResult{Status: "up"}
		c.gauge.WithLabelValues("catalog").Set(1)
	}

	if c.targets != nil {
		n, err := c.targets.TargetCount(checkCtx)
		if err != nil {
			c.logger.Warn("catalog target count failed", "error", err)
			result.Status = "down"
			result.Checks["catalog_targets"] = CheckResult{Status: "down", Error: err.Error()}
			c.gauge.WithLabelValues("catalog_targets").Set(0)
		} else {
			result.Checks["catalog_targets"] = CheckResult{Status: "up", Detail: fmt.Sprintf("%d targets registered", n)}
			c.gauge.WithLabelValues("catalog_targets").Set(1)
		}
	}

	return result
}
