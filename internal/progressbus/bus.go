// Package progressbus implements the Progress Bus (§4.5): a fan-out of
// per-target events to an arbitrary number of subscribers. Delivery toward
// the Job Store is lossless and in-order; delivery toward external
// subscribers is best-effort, with oldest-event drop on a full buffer.
package progressbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schemafleet/propagator/internal/domain"
	"github.com/schemafleet/propagator/internal/metrics"
)

// Sink receives every event published for a job, in order, without loss.
// internal/jobstore.Store implements this; it must not block the bus, so
// implementations are expected to do O(1) work per call (a mutex-guarded
// counter update).
type Sink interface {
	Apply(domain.Event)
}

// subscriberBufferSize bounds how many events an external subscriber can
// lag behind before the bus starts dropping its oldest events.
const subscriberBufferSize = 256

// heartbeatInterval is the §4.5 "at least every two seconds" cadence for
// progress_snapshot events while a job is running.
const heartbeatInterval = 2 * time.Second

// subscriber is one external listener's mailbox. send never blocks the
// producer: on a full channel it evicts the oldest queued event and
// folds the loss into a single dropped(n) notice for the next delivery.
type subscriber struct {
	id     string
	ch     chan domain.Event
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) send(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	dropped := 0
	for {
		if dropped == 0 {
			select {
			case s.ch <- e:
				return
			default:
			}
		} else if cap(s.ch)-len(s.ch) >= 2 {
			// Room for the notice and e. s.mu serializes every sender, and
			// a concurrent reader only frees space, so neither send blocks.
			metrics.ProgressBusDroppedTotal.WithLabelValues(e.JobID).Add(float64(dropped))
			s.ch <- domain.Event{JobID: e.JobID, Kind: domain.EventDropped, DroppedCount: dropped, Timestamp: time.Now()}
			s.ch <- e
			return
		}

		select {
		case <-s.ch:
			dropped++
		default:
			// Someone drained concurrently; retry the send immediately.
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus is one job's Progress Bus. A fresh Bus is created per job by the
// engine's SubmitJob and discarded once the job finalizes.
type Bus struct {
	jobID string
	sink  Sink

	mu   sync.Mutex
	subs map[string]*subscriber

	snapshot func() domain.Counts
}

// New returns a Bus for jobID that forwards every event to sink (lossless)
// and fans it out to whatever subscribers attach later (best-effort).
// snapshot is called to build the payload of periodic progress_snapshot
// heartbeats; pass the Job Store's counter read for this job.
func New(jobID string, sink Sink, snapshot func() domain.Counts) *Bus {
	return &Bus{
		jobID:    jobID,
		sink:     sink,
		subs:     make(map[string]*subscriber),
		snapshot: snapshot,
	}
}

// Publish delivers e to the Job Store synchronously, then fans it out to
// every current subscriber without blocking on any of them.
func (b *Bus) Publish(e domain.Event) {
	if e.JobID == "" {
		e.JobID = b.jobID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if b.sink != nil {
		b.sink.Apply(e)
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.send(e)
	}
}

// Subscribe attaches a new listener and returns its event channel plus an
// unsubscribe func. Callers must drain the channel and call unsubscribe
// exactly once when done, typically via defer. Unsubscribing releases the
// subscriber's buffer; the bus never blocks trying to deliver to it again.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	s := &subscriber{id: uuid.NewString(), ch: make(chan domain.Event, subscriberBufferSize)}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	metrics.ProgressBusSubscribers.Inc()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		b.mu.Unlock()
		s.close()
		metrics.ProgressBusSubscribers.Dec()
	}
	return s.ch, unsubscribe
}

// RunHeartbeat emits a progress_snapshot event every heartbeatInterval
// until done is closed. The Dispatcher runs this in a goroutine alongside
// the worker pool and closes done when the job finalizes.
func (b *Bus) RunHeartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if b.snapshot == nil {
				continue
			}
			b.Publish(domain.Event{
				JobID:    b.jobID,
				Kind:     domain.EventProgressSnapshot,
				Snapshot: b.snapshot(),
			})
		}
	}
}
