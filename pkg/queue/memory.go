package queue

import (
	"context"
	"strconv"
	"sync"

	"github.com/beeper/asmux/pkg/events"
)

type memoryQueue struct {
	*expiry

	lock    sync.Mutex
	entries []entry
	nextID  uint64
	// closed and replaced whenever an entry is pushed
	pushed chan struct{}
}

func (q *memoryQueue) Push(_ context.Context, evts *events.Events) error {
	payload, encodeErr := encode(evts)
	if encodeErr != nil {
		return encodeErr
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	q.nextID++
	q.entries = append(q.entries, entry{id: strconv.FormatUint(q.nextID, 10), payload: payload})
	close(q.pushed)
	q.pushed = make(chan struct{})
	return nil
}

func (q *memoryQueue) peek() ([]entry, <-chan struct{}) {
	q.lock.Lock()
	defer q.lock.Unlock()
	count := len(q.entries)
	if count > batchSize {
		count = batchSize
	}
	return append([]entry{}, q.entries[:count]...), q.pushed
}

func (q *memoryQueue) Next(ctx context.Context) (*Batch, error) {
	for {
		entries, pushed := q.peek()
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-pushed:
				continue
			}
		}
		combined := q.combine(entries)
		batch := &Batch{Events: combined, ids: entryIDs(entries)}
		if !combined.IsEmpty() {
			return batch, nil
		}
		_ = q.Ack(ctx, batch)
	}
}

func (q *memoryQueue) Ack(_ context.Context, batch *Batch) error {
	acked := make(map[string]bool, len(batch.ids))
	for _, id := range batch.ids {
		acked[id] = true
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	kept := q.entries[:0]
	for _, queued := range q.entries {
		if !acked[queued.id] {
			kept = append(kept, queued)
		}
	}
	q.entries = kept
	return nil
}

func (q *memoryQueue) ContainsPDUs(context.Context) (bool, error) {
	q.lock.Lock()
	entries := append([]entry{}, q.entries...)
	q.lock.Unlock()
	return q.containsPDUs(entries), nil
}

// NewMemoryManager creates a Manager with in-process queues, used when no redis is configured.
// Queued transactions are lost on restart.
func NewMemoryManager(mxidSuffix string, onExpired ExpiredHandler) *Manager {
	return newManager(mxidSuffix, onExpired, func(e *expiry) Queue {
		return &memoryQueue{expiry: e, pushed: make(chan struct{})}
	})
}
