// Package engine is the Gateway-facing in-process facade (§6): it wires
// the Version Ledger, Target Worker, Dispatcher, Job Store, and Progress
// Bus together behind the four operations an external caller needs
// (submit_job, job_snapshot, subscribe, cancel_job). Everything here is
// in-process; an HTTP/SSE surface over it is explicitly out of scope
// (spec.md §1).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schemafleet/propagator/internal/dispatcher"
	"github.com/schemafleet/propagator/internal/domain"
	"github.com/schemafleet/propagator/internal/jobstore"
	"github.com/schemafleet/propagator/internal/progressbus"
)

// Catalog is the narrow slice of the §6 Catalog boundary the engine
// consumes. internal/catalog.Registry implements it.
type Catalog interface {
	ListTargets(ctx context.Context, pattern string) ([]domain.Target, error)
}

// CancelResult is the §6 cancel_job return value.
type CancelResult string

const (
	CancelAccepted        CancelResult = "accepted"
	CancelAlreadyTerminal CancelResult = "already_terminal"
)

// Engine is the long-lived object the Gateway holds one of per process.
type Engine struct {
	store      *jobstore.Store
	dispatcher *dispatcher.Dispatcher
	catalog    Catalog

	mu      sync.Mutex // guards the two maps below
	cancels map[string]context.CancelFunc
	buses   map[string]*progressbus.Bus
}

func New(store *jobstore.Store, d *dispatcher.Dispatcher, catalog Catalog) *Engine {
	return &Engine{
		store:      store,
		dispatcher: d,
		catalog:    catalog,
		cancels:    make(map[string]context.CancelFunc),
		buses:      make(map[string]*progressbus.Bus),
	}
}

// SubmitJob resolves pattern against the Catalog, creates a Job in the Job
// Store, and launches its Dispatcher run in the background. It returns
// immediately with the new job_id; the job runs to completion
// asynchronously.
func (e *Engine) SubmitJob(ctx context.Context, script domain.Script, policy domain.PropagationPolicy, pattern string) (string, error) {
	if script.Upgrade == "" {
		return "", domain.ErrEmptyScript
	}
	if err := policy.Validate(); err != nil {
		return "", err
	}

	targets, err := e.catalog.ListTargets(ctx, pattern)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	if len(targets) == 0 {
		return "", domain.ErrNoTargets
	}

	jobID := uuid.NewString()
	job := domain.Job{
		ID:              jobID,
		VersionID:       script.VersionID,
		Policy:          policy,
		TargetsSnapshot: targets,
		StartedAt:       time.Now(),
	}
	e.store.Create(job)

	bus := progressbus.New(jobID, e.store, func() domain.Counts { return e.store.Counts(jobID) })
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.cancels[jobID] = cancel
	e.buses[jobID] = bus
	e.mu.Unlock()

	go func() {
		e.dispatcher.Run(runCtx, job, script, bus, e.store)
		e.mu.Lock()
		delete(e.cancels, jobID)
		delete(e.buses, jobID)
		e.mu.Unlock()
	}()

	return jobID, nil
}

// JobSnapshot returns a consistent copy of the job (§4.4).
func (e *Engine) JobSnapshot(jobID string) (domain.Job, error) {
	job, ok := e.store.Snapshot(jobID)
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

// Subscribe attaches a live listener to jobID's Progress Bus. If the job
// has already finalized (its Bus was torn down), it returns a closed
// channel: the caller should fall back to JobSnapshot for the final
// state instead of waiting on events that will never arrive.
func (e *Engine) Subscribe(jobID string) (<-chan domain.Event, func(), error) {
	e.mu.Lock()
	bus, live := e.buses[jobID]
	e.mu.Unlock()

	job, ok := e.store.Snapshot(jobID)
	if !live || (ok && job.Status.Terminal()) {
		if !ok {
			return nil, nil, domain.ErrJobNotFound
		}
		closed := make(chan domain.Event)
		close(closed)
		return closed, func() {}, nil
	}

	events, unsubscribe := bus.Subscribe()
	return events, unsubscribe, nil
}

// CancelJob requests cancellation of a running job (§6). It is idempotent:
// calling it again on an already-terminal job reports already_terminal
// rather than erroring.
func (e *Engine) CancelJob(jobID string) (CancelResult, error) {
	job, ok := e.store.Snapshot(jobID)
	if !ok {
		return "", domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return CancelAlreadyTerminal, nil
	}

	e.mu.Lock()
	cancel, live := e.cancels[jobID]
	e.mu.Unlock()
	if !live {
		return CancelAlreadyTerminal, nil
	}

	e.store.MarkStopping(jobID)
	cancel()
	return CancelAccepted, nil
}
