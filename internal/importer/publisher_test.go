package importer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublisherSubscribeUnknownJob(t *testing.T) {
	p := NewPublisher(NewMemoryStore())

	_, _, err := p.Subscribe(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Subscribe = %v, want ErrJobNotFound", err)
	}
}

func TestPublisherDeliversCurrentStateFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPublisher(store)

	job := &ImportJob{JobID: "j1", Status: StatusProcessing, ProcessedRows: 40}
	store.Save(ctx, job)

	ch, unsubscribe, err := p.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	select {
	case got := <-ch:
		if got.ProcessedRows != 40 {
			t.Errorf("initial snapshot processedRows = %d, want 40", got.ProcessedRows)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot delivered")
	}
}

func TestPublisherBroadcastAndTerminalClose(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPublisher(store)

	job := &ImportJob{JobID: "j1", Status: StatusProcessing}
	store.Save(ctx, job)

	ch, unsubscribe, err := p.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()
	<-ch // initial snapshot

	job.ProcessedRows = 100
	p.Publish(job)

	select {
	case got := <-ch:
		if got.ProcessedRows != 100 {
			t.Errorf("snapshot processedRows = %d, want 100", got.ProcessedRows)
		}
	case <-time.After(time.Second):
		t.Fatal("no progress snapshot delivered")
	}

	job.Status = StatusCompleted
	p.Publish(job)

	// Terminal snapshot arrives, then the channel closes.
	select {
	case got, open := <-ch:
		if !open {
			t.Fatal("channel closed before terminal snapshot")
		}
		if got.Status != StatusCompleted {
			t.Errorf("status = %s, want completed", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no terminal snapshot delivered")
	}

	select {
	case _, open := <-ch:
		if open {
			t.Error("channel still open after terminal snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

func TestPublisherTerminalJobSubscription(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPublisher(store)

	store.Save(ctx, &ImportJob{JobID: "done", Status: StatusCompleted})

	ch, unsubscribe, err := p.Subscribe(ctx, "done")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	got, open := <-ch
	if !open || got.Status != StatusCompleted {
		t.Errorf("got %+v open=%v, want final completed snapshot", got, open)
	}
	if _, open := <-ch; open {
		t.Error("channel for finished job should close after the final snapshot")
	}
}

func TestPublisherSlowSubscriberDropsNotBlocks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPublisher(store)

	job := &ImportJob{JobID: "j1", Status: StatusProcessing}
	store.Save(ctx, job)

	_, unsubscribe, err := p.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	// Nobody reads; publishing far past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			job.ProcessedRows = i
			p.Publish(job)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestPublisherUnsubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPublisher(store)

	job := &ImportJob{JobID: "j1", Status: StatusProcessing}
	store.Save(ctx, job)

	ch, unsubscribe, err := p.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-ch
	unsubscribe()

	job.ProcessedRows = 10
	p.Publish(job)

	select {
	case _, open := <-ch:
		if open {
			t.Error("snapshot delivered after unsubscribe")
		}
	default:
		// Nothing delivered: fine as well.
	}
}

// racingStore finishes the job and broadcasts its terminal snapshot during
// the first Get, landing in the window between Subscribe's initial store
// read and its subscriber registration.
type racingStore struct {
	*MemoryStore
	pub  *Publisher
	once sync.Once
}

func (s *racingStore) Get(ctx context.Context, jobID string) (*ImportJob, error) {
	job, err := s.MemoryStore.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		done := job.Clone()
		done.Status = StatusCompleted
		s.MemoryStore.Save(ctx, done)
		s.pub.Publish(done)
	})
	return job, err
}

func TestPublisherSubscribeRacingTerminal(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: NewMemoryStore()}
	p := NewPublisher(store)
	store.pub = p

	store.MemoryStore.Save(ctx, &ImportJob{JobID: "j1", Status: StatusProcessing, ProcessedRows: 10})

	ch, unsubscribe, err := p.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	// The terminal publish fired before this channel was registered; the
	// subscription must still end with the final snapshot and a close.
	var last ImportJob
	deadline := time.After(time.Second)
	for {
		select {
		case job, open := <-ch:
			if !open {
				if last.Status != StatusCompleted {
					t.Fatalf("channel closed with last status %s, want completed", last.Status)
				}
				return
			}
			last = job
		case <-deadline:
			t.Fatal("channel never closed after the job finished")
		}
	}
}

func TestPublisherTerminalSnapshotLandsOnFullBuffer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPublisher(store)

	job := &ImportJob{JobID: "j1", Status: StatusProcessing}
	store.Save(ctx, job)

	ch, unsubscribe, err := p.Subscribe(ctx, "j1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	// Fill the buffer past capacity without reading a single snapshot.
	for i := 0; i < subscriberBuffer*2; i++ {
		job.ProcessedRows = i + 1
		p.Publish(job)
	}

	job.Status = StatusCompleted
	p.Publish(job)

	var last ImportJob
	for snap := range ch {
		last = snap
	}
	if last.Status != StatusCompleted {
		t.Errorf("last delivered status = %s, want completed despite the full buffer", last.Status)
	}
}

func TestPublisherSnapshotFallback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewPublisher(store)

	store.Save(ctx, &ImportJob{JobID: "j1", Status: StatusProcessing, ProcessedRows: 7})

	got, err := p.Snapshot(ctx, "j1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got.ProcessedRows != 7 {
		t.Errorf("processedRows = %d, want 7", got.ProcessedRows)
	}
}
