package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beeper/asmux/pkg/events"
	"github.com/redis/go-redis/v9"
)

const (
	readBlock    = 30 * time.Second
	streamExpiry = 7 * 24 * time.Hour
	txnField     = "txn"
)

// redisQueue stores transactions in a redis stream. Streams allow a blocking read without
// removing the entries, they are deleted once acknowledged.
type redisQueue struct {
	*expiry
	client redis.UniversalClient
	name   string
}

func (q *redisQueue) Push(ctx context.Context, evts *events.Events) error {
	payload, encodeErr := encode(evts)
	if encodeErr != nil {
		return encodeErr
	}
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.name, Values: map[string]any{txnField: payload}})
	pipe.Expire(ctx, q.name, streamExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push transaction %s to %s: %w", evts.TxnID, q.name, err)
	}
	return nil
}

func toEntries(messages []redis.XMessage) []entry {
	entries := make([]entry, 0, len(messages))
	for _, msg := range messages {
		raw, _ := msg.Values[txnField].(string)
		entries = append(entries, entry{id: msg.ID, payload: []byte(raw)})
	}
	return entries
}

func entryIDs(entries []entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	return ids
}

func (q *redisQueue) Next(ctx context.Context) (*Batch, error) {
	q.log.Debugf("Waiting for next transaction in stream %s", q.name)
	for {
		streams, readErr := q.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{q.name, "0"},
			Count:   batchSize,
			Block:   readBlock,
		}).Result()
		if errors.Is(readErr, redis.Nil) || (readErr == nil && len(streams) == 0) {
			continue
		} else if readErr != nil {
			return nil, fmt.Errorf("failed to read from %s: %w", q.name, readErr)
		}
		entries := toEntries(streams[0].Messages)
		if len(entries) == 0 {
			continue
		}
		combined := q.combine(entries)
		batch := &Batch{Events: combined, ids: entryIDs(entries)}
		if !combined.IsEmpty() {
			return batch, nil
		}
		if err := q.Ack(ctx, batch); err != nil {
			return nil, err
		}
	}
}

func (q *redisQueue) Ack(ctx context.Context, batch *Batch) error {
	if len(batch.ids) == 0 {
		return nil
	}
	if err := q.client.XDel(ctx, q.name, batch.ids...).Err(); err != nil {
		return fmt.Errorf("failed to remove acknowledged transactions from %s: %w", q.name, err)
	}
	return nil
}

func (q *redisQueue) ContainsPDUs(ctx context.Context) (bool, error) {
	messages, err := q.client.XRange(ctx, q.name, "-", "+").Result()
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", q.name, err)
	}
	return q.containsPDUs(toEntries(messages)), nil
}

// NewRedisManager creates a Manager, that stores queues in redis streams named
// bridge-txns-{appservice id}
func NewRedisManager(client redis.UniversalClient, mxidSuffix string, onExpired ExpiredHandler) *Manager {
	return newManager(mxidSuffix, onExpired, func(e *expiry) Queue {
		return &redisQueue{
			expiry: e,
			client: client,
			name:   fmt.Sprintf("bridge-txns-%s", e.az.ID),
		}
	})
}
