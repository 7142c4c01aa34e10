package progressbus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/schemafleet/propagator/internal/domain"
	"github.com/schemafleet/propagator/internal/progressbus"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Apply(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPublish_DeliversToSinkLosslessly(t *testing.T) {
	sink := &recordingSink{}
	bus := progressbus.New("job1", sink, nil)

	for i := 0; i < 10; i++ {
		bus.Publish(domain.Event{Kind: domain.EventStarted})
	}

	if sink.count() != 10 {
		t.Fatalf("expected 10 events delivered to sink, got %d", sink.count())
	}
}

func TestPublish_FansOutToSubscribers(t *testing.T) {
	bus := progressbus.New("job1", nil, nil)

	ch1, unsub1 := bus.Subscribe()
	defer unsub1()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	bus.Publish(domain.Event{Kind: domain.EventSucceeded})

	for _, ch := range []<-chan domain.Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Kind != domain.EventSucceeded {
				t.Fatalf("expected succeeded event, got %v", e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestSubscribe_DropsOldestAndEmitsNotice(t *testing.T) {
	bus := progressbus.New("job1", nil, nil)
	ch, unsub := bus.Subscribe()
	defer unsub()

	// Flood well past the subscriber's bounded buffer without draining,
	// forcing the bus to evict the oldest queued events (§4.5).
	const flood = 300
	for i := 0; i < flood; i++ {
		bus.Publish(domain.Event{Kind: domain.EventRetrying, Attempt: i})
	}

	var sawDropped bool
	var droppedCount int
	drained := 0
	for {
		select {
		case e := <-ch:
			drained++
			if e.Kind == domain.EventDropped {
				sawDropped = true
				droppedCount = e.DroppedCount
			}
		case <-time.After(200 * time.Millisecond):
			goto done
		}
	}
done:
	if !sawDropped {
		t.Fatal("expected a dropped(n) notice after overflowing the subscriber buffer")
	}
	if droppedCount <= 0 {
		t.Fatalf("expected a positive dropped count, got %d", droppedCount)
	}
	if drained == 0 {
		t.Fatal("expected at least some events to remain deliverable after the drop notice")
	}
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	bus := progressbus.New("job1", nil, nil)
	ch, unsub := bus.Subscribe()
	unsub()

	bus.Publish(domain.Event{Kind: domain.EventSucceeded})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no further events after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected channel to be closed promptly after unsubscribe")
	}
}

func TestRunHeartbeat_EmitsProgressSnapshots(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	bus := progressbus.New("job1", nil, func() domain.Counts {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return domain.Counts{Total: 5, Started: calls}
	})

	ch, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go bus.RunHeartbeat(done)
	defer close(done)

	select {
	case e := <-ch:
		if e.Kind != domain.EventProgressSnapshot {
			t.Fatalf("expected a progress_snapshot event, got %v", e.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first heartbeat")
	}
}
