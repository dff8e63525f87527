package importer

// publisher.go broadcasts job snapshots to push subscribers and serves
// point-in-time reads from the JobStore. Delivery is best-effort: a slow
// subscriber's channel drops intermediate snapshots rather than blocking the
// orchestrator, and every subscriber channel closes after the terminal
// snapshot. Re-subscribing after a disconnect starts from the current state,
// not from history; polling Snapshot is the fallback.

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// Publisher fans orchestrator snapshots out to subscribers.
type Publisher struct {
	store JobStore

	mu   sync.Mutex
	subs map[string][]chan ImportJob
}

func NewPublisher(store JobStore) *Publisher {
	return &Publisher{
		store: store,
		subs:  make(map[string][]chan ImportJob),
	}
}

// Subscribe returns a channel of snapshots for the job and a cancel function
// that must be called when the subscriber goes away. The current state is
// delivered immediately when known; if the job is already terminal the
// channel carries that final snapshot and then closes.
func (p *Publisher) Subscribe(ctx context.Context, jobID string) (<-chan ImportJob, func(), error) {
	current, err := p.store.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan ImportJob, subscriberBuffer)
	ch <- *current

	if current.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	p.mu.Lock()
	p.subs[jobID] = append(p.subs[jobID], ch)
	p.mu.Unlock()

	// The job may have gone terminal between the store read and the
	// registration above, in which case the closing Publish already ran and
	// missed this channel. Re-read and settle it here; registrations made
	// after this Get are covered by Publish, which only runs once the
	// terminal snapshot is saved.
	if latest, err := p.store.Get(ctx, jobID); err == nil && latest.Status.Terminal() {
		if p.removeSub(jobID, ch) {
			ch <- *latest
			close(ch)
		}
		return ch, func() {}, nil
	}

	cancel := func() { p.removeSub(jobID, ch) }
	return ch, cancel, nil
}

// removeSub drops a channel from a job's subscriber list and reports whether
// it was still registered. The last removal deletes the map entry.
func (p *Publisher) removeSub(jobID string, ch chan ImportJob) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subs[jobID]
	for i, c := range subs {
		if c == ch {
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(p.subs, jobID)
			} else {
				p.subs[jobID] = subs
			}
			return true
		}
	}
	return false
}

// Publish delivers a snapshot to every subscriber without blocking. After a
// terminal snapshot all channels are closed and forgotten.
func (p *Publisher) Publish(job *ImportJob) {
	snapshot := *job.Clone()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.subs[job.JobID] {
		select {
		case ch <- snapshot:
			continue
		default:
		}

		if !snapshot.Status.Terminal() {
			// Slow subscriber: skip this update, poll covers the gap.
			continue
		}

		// The final state must land even on a full buffer: evict one stale
		// queued snapshot to make room for it.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}

	if snapshot.Status.Terminal() {
		for _, ch := range p.subs[job.JobID] {
			close(ch)
		}
		delete(p.subs, job.JobID)
	}
}

// Snapshot returns the latest stored state regardless of streaming
// connectivity.
func (p *Publisher) Snapshot(ctx context.Context, jobID string) (*ImportJob, error) {
	return p.store.Get(ctx, jobID)
}
