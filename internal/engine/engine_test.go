package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/schemafleet/propagator/internal/dispatcher"
	"github.com/schemafleet/propagator/internal/domain"
	"github.com/schemafleet/propagator/internal/engine"
	"github.com/schemafleet/propagator/internal/jobstore"
	"github.com/schemafleet/propagator/internal/worker"
)

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeTx struct{}

func (t *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
}
func (t *fakeTx) Commit(context.Context) error   { return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

type fakeConn struct{}

func (c *fakeConn) Begin(context.Context) (worker.Tx, error) { return &fakeTx{}, nil }
func (c *fakeConn) Close(context.Context) error              { return nil }

type fakeConnector struct{}

func (fakeConnector) Connect(context.Context, domain.Target) (worker.Conn, error) {
	return &fakeConn{}, nil
}

type fakeCatalog struct {
	targets []domain.Target
	err     error
}

func (c fakeCatalog) ListTargets(context.Context, string) ([]domain.Target, error) {
	return c.targets, c.err
}

func testScript() domain.Script {
	return domain.Script{VersionID: "v1", Upgrade: "SELECT 1;", Checksum: domain.ComputeChecksum("SELECT 1;")}
}

func waitTerminal(t *testing.T, e *engine.Engine, jobID string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.JobSnapshot(jobID)
		if err != nil {
			t.Fatalf("job snapshot: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job to reach a terminal state")
	return domain.Job{}
}

func newEngine(catalog engine.Catalog) *engine.Engine {
	store := jobstore.New()
	d := dispatcher.New(fakeConnector{})
	return engine.New(store, d, catalog)
}

func TestSubmitJob_RunsToCompletion(t *testing.T) {
	targets := []domain.Target{{Host: "h", Port: 5432, Database: "cmp_1", CredentialsRef: "ref"}}
	e := newEngine(fakeCatalog{targets: targets})

	jobID, err := e.SubmitJob(context.Background(), testScript(), domain.DefaultPolicy(), "cmp_%")
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}

	job := waitTerminal(t, e, jobID)
	if job.Status != domain.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
}

func TestSubmitJob_RejectsEmptyScript(t *testing.T) {
	e := newEngine(fakeCatalog{targets: []domain.Target{{}}})
	_, err := e.SubmitJob(context.Background(), domain.Script{}, domain.DefaultPolicy(), "%")
	if !errors.Is(err, domain.ErrEmptyScript) {
		t.Fatalf("expected ErrEmptyScript, got %v", err)
	}
}

func TestSubmitJob_RejectsInvalidPolicy(t *testing.T) {
	e := newEngine(fakeCatalog{targets: []domain.Target{{}}})
	bad := domain.DefaultPolicy()
	bad.MaxConcurrency = 0
	_, err := e.SubmitJob(context.Background(), testScript(), bad, "%")
	if !errors.Is(err, domain.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestSubmitJob_RejectsEmptyTargetList(t *testing.T) {
	e := newEngine(fakeCatalog{targets: nil})
	_, err := e.SubmitJob(context.Background(), testScript(), domain.DefaultPolicy(), "%")
	if !errors.Is(err, domain.ErrNoTargets) {
		t.Fatalf("expected ErrNoTargets, got %v", err)
	}
}

func TestJobSnapshot_UnknownJobErrors(t *testing.T) {
	e := newEngine(fakeCatalog{})
	if _, err := e.JobSnapshot("missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSubscribe_ReturnsClosedChannelAfterFinalization(t *testing.T) {
	targets := []domain.Target{{Host: "h", Port: 5432, Database: "cmp_1", CredentialsRef: "ref"}}
	e := newEngine(fakeCatalog{targets: targets})

	jobID, err := e.SubmitJob(context.Background(), testScript(), domain.DefaultPolicy(), "cmp_%")
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}
	waitTerminal(t, e, jobID)

	events, unsubscribe, err := e.Subscribe(jobID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected a closed channel for a finalized job")
		}
	default:
		t.Fatal("expected the channel to already be closed")
	}
}

func TestCancelJob_AcceptsThenReportsAlreadyTerminal(t *testing.T) {
	targets := make([]domain.Target, 50)
	for i := range targets {
		targets[i] = domain.Target{Host: "h", Port: 5432, Database: "cmp_1", CredentialsRef: "ref"}
	}
	e := newEngine(fakeCatalog{targets: targets})

	policy := domain.DefaultPolicy()
	policy.MaxConcurrency = 1
	jobID, err := e.SubmitJob(context.Background(), testScript(), policy, "cmp_%")
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}

	result, err := e.CancelJob(jobID)
	if err != nil {
		t.Fatalf("cancel job: %v", err)
	}
	if result != engine.CancelAccepted && result != engine.CancelAlreadyTerminal {
		t.Fatalf("unexpected cancel result: %s", result)
	}

	job := waitTerminal(t, e, jobID)
	if !job.Status.Terminal() {
		t.Fatalf("expected a terminal status, got %s", job.Status)
	}

	result, err = e.CancelJob(jobID)
	if err != nil {
		t.Fatalf("cancel job (second call): %v", err)
	}
	if result != engine.CancelAlreadyTerminal {
		t.Fatalf("expected already_terminal on a finalized job, got %s", result)
	}
}

func TestCancelJob_UnknownJobErrors(t *testing.T) {
	e := newEngine(fakeCatalog{})
	if _, err := e.CancelJob("missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
