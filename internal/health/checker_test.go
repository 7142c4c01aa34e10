package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/schemafleet/propagator/internal/health"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

type mockTargetCounter struct {
	count int
	err   error
}

func (m *mockTargetCounter) TargetCount(_ context.Context) (int, error) {
	return m.count, m.err
}

func newTestChecker(p health.Pinger, tc health.TargetCounter) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	logger := slog.Default()
	return health.NewChecker(p, tc, logger, reg), reg
}

func TestLiveness_AlwaysUp(t *testing.T) {
	c, _ := newTestChecker(&mockPinger{err: errors.New("catalog down")}, nil)

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadiness_CatalogUp(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{}, &mockTargetCounter{count: 3})

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	catalogCheck, ok := result.Checks["catalog"]
	if !ok {
		t.Fatal("missing catalog check")
	}
	if catalogCheck.Status != "up" {
		t.Fatalf("expected catalog up, got %s", catalogCheck.Status)
	}

	gauge := testGauge(t, reg, "propagator_health_check_up", "catalog")
	if gauge != 1 {
		t.Fatalf("expected gauge 1, got %f", gauge)
	}
}

func TestReadiness_CatalogDown(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{err: errors.New("connection refused")}, &mockTargetCounter{count: 3})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	catalogCheck := result.Checks["catalog"]
	if catalogCheck.Status != "down" {
		t.Fatalf("expected catalog down, got %s", catalogCheck.Status)
	}
	if catalogCheck.Error == "" {
		t.Fatal("expected error message")
	}

	gauge := testGauge(t, reg, "propagator_health_check_up", "catalog")
	if gauge != 0 {
		t.Fatalf("expected gauge 0, got %f", gauge)
	}
}

func TestReadiness_TargetCountReportedAsDetail(t *testing.T) {
	c, _ := newTestChecker(&mockPinger{}, &mockTargetCounter{count: 42})

	result := c.Readiness(context.Background())
	targetsCheck, ok := result.Checks["catalog_targets"]
	if !ok {
		t.Fatal("missing catalog_targets check")
	}
	if targetsCheck.Status != "up" {
		t.Fatalf("expected catalog_targets up, got %s", targetsCheck.Status)
	}
	if targetsCheck.Detail == "" {
		t.Fatal("expected a non-empty detail with the target count")
	}
}

func TestReadiness_TargetCountErrorMarksOverallDown(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{}, &mockTargetCounter{err: errors.New("query failed")})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	targetsCheck := result.Checks["catalog_targets"]
	if targetsCheck.Status != "down" {
		t.Fatalf("expected catalog_targets down, got %s", targetsCheck.Status)
	}

	gauge := testGauge(t, reg, "propagator_health_check_up", "catalog_targets")
	if gauge != 0 {
		t.Fatalf("expected gauge 0, got %f", gauge)
	}
}

func TestReadiness_NilTargetCounterSkipsCheck(t *testing.T) {
	c, _ := newTestChecker(&mockPinger{}, nil)

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if _, ok := result.Checks["catalog_targets"]; ok {
		t.Fatal("expected no catalog_targets check when target counter is nil")
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, name, depLabel string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{dependency=%q} not found", name, depLabel)
	return 0
}

// Silence the unused import lint for testutil if we only use Gather above.
var _ = testutil.ToFloat64
