// Package dispatcher implements the Dispatcher (§4.3): the bounded-
// concurrency scheduler that fans a Job's target list out to Target
// Workers, aggregates their outcomes through the Job Store, enforces the
// error-threshold circuit breaker, and honors cancellation.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/schemafleet/propagator/internal/domain"
	"github.com/schemafleet/propagator/internal/jobstore"
	"github.com/schemafleet/propagator/internal/metrics"
	"github.com/schemafleet/propagator/internal/progressbus"
	"github.com/schemafleet/propagator/internal/worker"
)

// Dispatcher runs Jobs against a shared Connector. One Dispatcher value is
// reused across every job the engine submits; Run is safe to call
// concurrently for distinct jobs (each Run call owns its own worker pool,
// goroutines, and channels).
type Dispatcher struct {
	Connector worker.Connector
}

func New(connector worker.Connector) *Dispatcher {
	return &Dispatcher{Connector: connector}
}

// Run drives job to completion against script: it bounds concurrency to
// job.Policy.MaxConcurrency, admits targets in job.TargetsSnapshot order,
// aggregates worker outcomes into store, evaluates the circuit breaker
// after every completion, and honors cancellation of ctx. It blocks until
// the job is finalized and returns the terminal status (also recorded in
// store via Finalize).
//
// Grounded on the teacher's Worker.processBatch (goroutine-per-item +
// sync.WaitGroup), redesigned per spec.md §9's "coroutine/async fan-out
// with a counting semaphore -> bounded worker pool" guidance: a single
// admission goroutine gates starts through a semaphore instead of
// launching the whole batch at once and waiting for it together.
func (d *Dispatcher) Run(ctx context.Context, job domain.Job, script domain.Script, bus *progressbus.Bus, store *jobstore.Store) domain.Status {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	store.MarkRunning(job.ID)
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	heartbeatDone := make(chan struct{})
	go bus.RunHeartbeat(heartbeatDone)
	defer close(heartbeatDone)

	policy := job.Policy
	w := worker.New(d.Connector, bus)

	sem := make(chan struct{}, policy.MaxConcurrency)
	results := make(chan struct{})
	var wg sync.WaitGroup

	go func() {
		for _, t := range job.TargetsSnapshot {
			// Check cancellation before attempting to admit, so a
			// cancel issued before any worker has started deterministically
			// yields started=0 rather than racing the buffered semaphore.
			select {
			case <-runCtx.Done():
				wg.Wait()
				close(results)
				return
			default:
			}

			select {
			case <-runCtx.Done():
				wg.Wait()
				close(results)
				return
			case sem <- struct{}{}:
			}

			// Emitted on this single admission goroutine, in target-list
			// order, so "started" events are totally ordered across
			// targets regardless of how worker goroutines get scheduled.
			w.EmitStarted(job.ID, t)

			wg.Add(1)
			go func(target domain.Target) {
				defer wg.Done()
				defer func() { <-sem }()
				w.RunAttempts(runCtx, job.ID, target, script, policy)
				results <- struct{}{}
			}(t)
		}
		wg.Wait()
		close(results)
	}()

	breakerFired := false
	for range results {
		counts := store.Counts(job.ID)
		completed := counts.Completed()
		if breakerFired || completed < policy.MinSample || completed == 0 {
			continue
		}
		if float64(counts.Failed)/float64(completed) > policy.ErrorThresholdFraction {
			breakerFired = true
			store.MarkStopping(job.ID)
			metrics.CircuitBreakerTripsTotal.Inc()
			bus.Publish(domain.Event{JobID: job.ID, Kind: domain.EventAborted, ErrorSummary: "error-threshold circuit breaker tripped"})
			cancel()
		}
	}

	final := store.Counts(job.ID)
	status := terminalStatus(breakerFired, ctx.Err() != nil, final)
	store.Finalize(job.ID, status, time.Now())
	metrics.JobsCompletedTotal.WithLabelValues(string(status)).Inc()
	return status
}

// terminalStatus implements the §4.3 "Termination conditions" table.
// breakerFired and externallyCancelled are mutually informative but not
// mutually exclusive in theory (a cancel could race a breaker trip); the
// breaker takes precedence since it is this Dispatcher's own decision,
// while external cancellation is reported only when nothing else explains
// the stop.
func terminalStatus(breakerFired, externallyCancelled bool, counts domain.Counts) domain.Status {
	switch {
	case breakerFired:
		return domain.StatusAborted
	case externallyCancelled:
		return domain.StatusCancelled
	case counts.Failed > 0:
		return domain.StatusFailed
	default:
		return domain.StatusSucceeded
	}
}
