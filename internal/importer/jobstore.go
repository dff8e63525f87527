package importer

// jobstore.go defines the durable record of job state. The store is injected
// into the orchestrator and publisher rather than living as a package-level
// map, so independent orchestrators (tests, multiple instances) never share
// state. The orchestrator is the only writer; Snapshot/poll reads go through
// Get.

import (
	"context"
	"sync"
	"time"
)

// JobStore persists job snapshots and serves the poll fallback.
type JobStore interface {
	Save(ctx context.Context, job *ImportJob) error
	Get(ctx context.Context, jobID string) (*ImportJob, error)
	Delete(ctx context.Context, jobID string) error
}

// DefaultRetention is how long terminal jobs stay queryable before eviction.
const DefaultRetention = time.Hour

// MemoryStore is the in-process JobStore. Save and Get exchange clones so no
// caller ever aliases the orchestrator's working struct.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*ImportJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*ImportJob)}
}

func (s *MemoryStore) Save(_ context.Context, job *ImportJob) error {
	s.mu.Lock()
	s.jobs[job.JobID] = job.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
	return nil
}

// Sweep evicts terminal jobs whose completion is older than the retention
// window and returns the evicted IDs so callers can drop their error sinks.
func (s *MemoryStore) Sweep(retention time.Duration) []string {
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// RunSweeper runs Sweep on an interval until the context ends, dropping
// evicted jobs' errors from the sink as it goes.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval, retention time.Duration, sink ErrorSink) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.Sweep(retention) {
				if sink != nil {
					_ = sink.Drop(ctx, id)
				}
			}
		}
	}
}
