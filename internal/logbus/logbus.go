// Package logbus fans out output chunks observed by executors to any
// subscribers registered for a job, keyed by job id. Durability lives
// in the store (C1); delivery here is best-effort and non-blocking, so
// a slow or absent subscriber never stalls the executor writing the
// chunk. Grounded on the teacher's queue.ChannelNotifier, generalized
// from a bare signal channel to one that actually carries the
// LogChunk payload subscribers need.
package logbus

import (
	"context"
	"sync"

	"github.com/flowforge/runner/internal/domain"
)

// Bus is an in-process publisher of LogChunks, keyed by job id.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]chan domain.LogChunk
	closed      bool
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string][]chan domain.LogChunk)}
}

// Publish fans chunk out to every subscriber currently registered for
// its job. Delivery is non-blocking: a subscriber whose buffer is full
// misses the chunk rather than stalling the publisher.
func (b *Bus) Publish(chunk domain.LogChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[chunk.JobID] {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// Subscribe registers a new listener for jobID's chunks. The returned
// channel is closed when ctx is cancelled or the bus is closed; callers
// range over it until then. The WebSocket handler is the only subscriber;
// the log-polling endpoint (GET /api/v1/jobs/{id}/logs) reads stored
// chunks from the store and does not subscribe.
func (b *Bus) Subscribe(ctx context.Context, jobID string) <-chan domain.LogChunk {
	ch := make(chan domain.LogChunk, 64)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subscribers[jobID] = append(b.subscribers[jobID], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(jobID, ch)
	}()

	return ch
}

func (b *Bus) unsubscribe(jobID string, ch chan domain.LogChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[jobID]
	for i, s := range subs {
		if s == ch {
			b.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(ch)
}

// Close releases every subscriber channel and rejects further
// subscriptions. Used on global shutdown.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = nil
	return nil
}
