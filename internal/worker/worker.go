// Package worker implements the Target Worker (§4.2): the per-target
// attempt loop that connects to one tenant database, applies a Script
// idempotently through the Version Ledger, and retries transient failures
// with backoff until the target succeeds, is skipped, or exhausts its
// retry budget.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/schemafleet/propagator/internal/domain"
	"github.com/schemafleet/propagator/internal/ledger"
	"github.com/schemafleet/propagator/internal/metrics"
)

// Publisher is the narrow slice of the Progress Bus the worker depends on.
// internal/progressbus.Bus satisfies it; tests supply a recording fake.
type Publisher interface {
	Publish(domain.Event)
}

// Worker runs one target's attempt loop to completion.
type Worker struct {
	Connector Connector
	Publisher Publisher
}

func New(connector Connector, publisher Publisher) *Worker {
	return &Worker{Connector: connector, Publisher: publisher}
}

// EmitStarted publishes the started event for target. Split out from Run
// so the Dispatcher can admit targets (and thus emit started events) in
// strict target-list order on its own single-threaded dispatch loop,
// before handing the retry loop off to a worker goroutine (§4.3
// "ordering of starts must follow the order of the target list").
func (w *Worker) EmitStarted(jobID string, target domain.Target) {
	w.publish(domain.Event{JobID: jobID, Target: target, Kind: domain.EventStarted, Timestamp: time.Now()})
}

// Run emits the started event and then drives target to a terminal
// Outcome (§4.2). Suitable for standalone callers such as tests; the
// Dispatcher instead calls EmitStarted itself
// and then RunAttempts, to control exactly when "started" is observed.
func (w *Worker) Run(ctx context.Context, jobID string, target domain.Target, script domain.Script, policy domain.PropagationPolicy) domain.Outcome {
	w.EmitStarted(jobID, target)
	return w.RunAttempts(ctx, jobID, target, script, policy)
}

// RunAttempts runs the §4.2 retry loop to a terminal Outcome without
// emitting the started event (the caller is expected to have already
// emitted it, or to not want one).
func (w *Worker) RunAttempts(ctx context.Context, jobID string, target domain.Target, script domain.Script, policy domain.PropagationPolicy) (outcome domain.Outcome) {
	start := time.Now()
	defer func() { recordOutcomeMetrics(outcome) }()

	sched := newRetrySchedule(policy)

	var lastErr error
	var lastKind domain.ErrorKind
	var lastAttempt int

	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		result, retryable, kind, err := w.attempt(ctx, target, script, policy)
		if err == nil {
			w.publishTerminal(jobID, target, result)
			return result
		}

		lastErr, lastKind, lastAttempt = err, kind, attempt

		if !retryable || attempt > policy.MaxRetries {
			break
		}

		metrics.TargetRetriesTotal.Inc()
		delay := sched.next(kind == domain.ErrorResourceExhausted)
		w.publish(domain.Event{
			JobID: jobID, Target: target, Kind: domain.EventRetrying,
			Attempt: attempt, Delay: delay, ErrorSummary: err.Error(), Timestamp: time.Now(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			o := domain.Failed(target, domain.ErrorCancelled, ctx.Err().Error(), attempt, time.Since(start))
			w.publish(domain.Event{JobID: jobID, Target: target, Kind: domain.EventFailed, Attempt: attempt, ErrorSummary: ctx.Err().Error(), Duration: o.Duration, Timestamp: time.Now()})
			return o
		}
	}

	o := domain.Failed(target, lastKind, lastErr.Error(), lastAttempt, time.Since(start))
	w.publish(domain.Event{
		JobID: jobID, Target: target, Kind: domain.EventFailed,
		Attempt: lastAttempt, ErrorSummary: lastErr.Error(), Duration: o.Duration, Timestamp: time.Now(),
	})
	return o
}

// recordOutcomeMetrics exports every terminal Outcome as Prometheus
// series, regardless of which return path in RunAttempts produced it.
func recordOutcomeMetrics(o domain.Outcome) {
	errKind := ""
	if o.Kind == domain.OutcomeFailed {
		errKind = string(o.ErrorKind)
	}
	metrics.TargetOutcomesTotal.WithLabelValues(string(o.Kind), errKind).Inc()
	metrics.TargetAttemptDuration.WithLabelValues(string(o.Kind)).Observe(o.Duration.Seconds())
}

// publishTerminal emits the succeeded/skipped event for a non-error outcome.
// Failed outcomes are published inline above, where the error text is at hand.
func (w *Worker) publishTerminal(jobID string, target domain.Target, outcome domain.Outcome) {
	var kind domain.EventKind
	switch outcome.Kind {
	case domain.OutcomeSucceeded:
		kind = domain.EventSucceeded
	case domain.OutcomeSkipped:
		kind = domain.EventSkipped
	default:
		return
	}
	w.publish(domain.Event{JobID: jobID, Target: target, Kind: kind, Duration: outcome.Duration, Timestamp: time.Now()})
}

// attempt runs a single connect-transact-commit cycle. The returned bool
// says whether a non-nil err is worth retrying; when err is nil, outcome
// is final and the caller returns immediately.
func (w *Worker) attempt(ctx context.Context, target domain.Target, script domain.Script, policy domain.PropagationPolicy) (outcome domain.Outcome, retryable bool, kind domain.ErrorKind, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, policy.PerTargetTimeout)
	defer cancel()

	start := time.Now()

	conn, connErr := w.Connector.Connect(attemptCtx, target)
	if connErr != nil {
		k := classify(connErr, phaseConnect)
		return domain.Outcome{}, k.Retryable(), k, fmt.Errorf("connect: %w", connErr)
	}
	defer conn.Close(context.WithoutCancel(attemptCtx))

	tx, beginErr := conn.Begin(attemptCtx)
	if beginErr != nil {
		k := classify(beginErr, phaseConnect)
		return domain.Outcome{}, k.Retryable(), k, fmt.Errorf("begin: %w", beginErr)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(attemptCtx))
		}
	}()

	if err := ledger.EnsureLedger(attemptCtx, tx); err != nil {
		k := classify(err, phaseExecute)
		return domain.Outcome{}, k.Retryable(), k, fmt.Errorf("ensure ledger: %w", err)
	}

	status, err := ledger.IsApplied(attemptCtx, tx, script.VersionID)
	if err != nil {
		k := classify(err, phaseExecute)
		return domain.Outcome{}, k.Retryable(), k, fmt.Errorf("check ledger: %w", err)
	}

	if status.Present {
		if status.Checksum == script.Checksum {
			return domain.Skipped(target, domain.SkipSameChecksum, time.Since(start)), false, "", nil
		}

		switch policy.OnChecksumMismatch {
		case domain.ChecksumSkip:
			return domain.Skipped(target, domain.SkipChecksumMismatchPolicy, time.Since(start)), false, "", nil
		case domain.ChecksumFail:
			return domain.Outcome{}, false, domain.ErrorChecksumMismatch,
				fmt.Errorf("%w: target %s has checksum %s, script has %s", domain.ErrChecksumMismatch, target, status.Checksum, script.Checksum)
		case domain.ChecksumReapply:
			// fall through to execute the script again below
		}
	}

	if _, err := tx.Exec(attemptCtx, script.Upgrade); err != nil {
		k := classify(err, phaseExecute)
		return domain.Outcome{}, k.Retryable(), k, fmt.Errorf("execute script: %w", err)
	}

	if policy.DryRun {
		if rbErr := tx.Rollback(context.WithoutCancel(attemptCtx)); rbErr != nil {
			k := classify(rbErr, phaseExecute)
			return domain.Outcome{}, k.Retryable(), k, fmt.Errorf("dry-run rollback: %w", rbErr)
		}
		committed = true // rollback already issued, skip the deferred one
		return domain.Skipped(target, domain.SkipDryRunExecuted, time.Since(start)), false, "", nil
	}

	if err := ledger.Stamp(attemptCtx, tx, script.VersionID, script.Checksum); err != nil {
		k := classify(err, phaseExecute)
		return domain.Outcome{}, k.Retryable(), k, fmt.Errorf("stamp ledger: %w", err)
	}

	if err := tx.Commit(attemptCtx); err != nil {
		k := classify(err, phaseExecute)
		return domain.Outcome{}, k.Retryable(), k, fmt.Errorf("commit: %w", err)
	}
	committed = true

	return domain.Succeeded(target, time.Since(start)), false, "", nil
}

func (w *Worker) publish(e domain.Event) {
	if w.Publisher == nil {
		return
	}
	w.Publisher.Publish(e)
}
