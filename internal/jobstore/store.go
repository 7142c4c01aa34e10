// Package jobstore implements the Job Store (§4.4): an in-memory,
// append-only record of all jobs and their aggregated progress,
// snapshot-readable by the Gateway. The engine is stateless across
// restarts (§6); this store's entire lifetime is one process.
package jobstore

import (
	"sync"
	"time"

	"github.com/schemafleet/propagator/internal/domain"
)

// retainedFinalizedJobs caps job history per §4.4 ("K >= 100"); the cap
// only evicts finalized jobs, never pending/running/stopping ones.
const retainedFinalizedJobs = 256

// outcomeRingSize is the capacity of a Job's RecentOutcomes ring (§3).
const outcomeRingSize = 50

// record is the store's private, mutable copy of a Job. All access goes
// through the record's own mutex; readers only ever receive a Clone().
type record struct {
	mu  sync.Mutex
	job domain.Job
}

// Store is the process-wide Job Store. Zero value is not usable; use New.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*record
	// finalizedOrder tracks finalized job IDs in finalization order, for
	// the retention cap below.
	finalizedOrder []string
}

func New() *Store {
	return &Store{jobs: make(map[string]*record)}
}

// Create registers job as a new pending Job. Called by the
// engine facade at submit_job time, before the Dispatcher starts.
func (s *Store) Create(job domain.Job) {
	job.Status = domain.StatusPending
	job.Counts.Total = len(job.TargetsSnapshot)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &record{job: job}
}

// Snapshot returns a consistent copy of the job, or (Job{}, false) if
// job_id is unknown. Consistency is provided by holding the per-job lock
// across the read (§4.4).
func (s *Store) Snapshot(jobID string) (domain.Job, bool) {
	r := s.get(jobID)
	if r == nil {
		return domain.Job{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone(), true
}

// Counts returns just the mutable counters for jobID, for use as the
// Progress Bus heartbeat payload. Returns the zero value if unknown.
func (s *Store) Counts(jobID string) domain.Counts {
	r := s.get(jobID)
	if r == nil {
		return domain.Counts{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Counts
}

// MarkRunning transitions a pending Job to running.
func (s *Store) MarkRunning(jobID string) {
	r := s.get(jobID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status == domain.StatusPending {
		r.job.Status = domain.StatusRunning
	}
}

// MarkStopping transitions a pending or running Job to stopping (circuit
// breaker or cancellation). No-op if the job is already stopping or terminal.
func (s *Store) MarkStopping(jobID string) {
	r := s.get(jobID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status == domain.StatusRunning || r.job.Status == domain.StatusPending {
		r.job.Status = domain.StatusStopping
	}
}

// Apply folds one Progress Bus event into the job's counters and recent-
// outcomes ring. It implements progressbus.Sink, so the bus can deliver
// events to the store without knowing its concrete type.
func (s *Store) Apply(e domain.Event) {
	r := s.get(e.JobID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Kind {
	case domain.EventStarted:
		r.job.Counts.Started++
	case domain.EventRetrying:
		r.job.Counts.Retrying++
	case domain.EventSucceeded:
		r.job.Counts.Succeeded++
		r.appendOutcome(domain.Succeeded(e.Target, e.Duration))
	case domain.EventSkipped:
		r.job.Counts.Skipped++
		r.appendOutcome(domain.Outcome{Kind: domain.OutcomeSkipped, Target: e.Target, Duration: e.Duration})
	case domain.EventFailed:
		r.job.Counts.Failed++
		r.appendOutcome(domain.Outcome{
			Kind:          domain.OutcomeFailed,
			Target:        e.Target,
			Duration:      e.Duration,
			LastErrorText: e.ErrorSummary,
			Attempts:      e.Attempt,
		})
	}
}

func (r *record) appendOutcome(o domain.Outcome) {
	r.job.RecentOutcomes = append(r.job.RecentOutcomes, o)
	if len(r.job.RecentOutcomes) > outcomeRingSize {
		r.job.RecentOutcomes = r.job.RecentOutcomes[len(r.job.RecentOutcomes)-outcomeRingSize:]
	}
}

// Finalize writes the job's terminal status exactly once (§3 Lifecycles)
// and records its finish time. Calling Finalize twice for the same job
// is a no-op on the second call.
func (s *Store) Finalize(jobID string, status domain.Status, finishedAt time.Time) {
	r := s.get(jobID)
	if r == nil {
		return
	}
	r.mu.Lock()
	already := r.job.Status.Terminal()
	if !already {
		r.job.Status = status
		r.job.FinishedAt = finishedAt
	}
	r.mu.Unlock()

	if already {
		return
	}
	s.trackFinalized(jobID)
}

func (s *Store) get(jobID string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID]
}

// trackFinalized appends jobID to the eviction queue and drops the oldest
// finalized job past the retention cap.
func (s *Store) trackFinalized(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizedOrder = append(s.finalizedOrder, jobID)
	if len(s.finalizedOrder) <= retainedFinalizedJobs {
		return
	}
	evict := s.finalizedOrder[0]
	s.finalizedOrder = s.finalizedOrder[1:]
	delete(s.jobs, evict)
}
