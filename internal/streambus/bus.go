// Package streambus wraps Redis Streams as the platform's work queue
// transport. Producers append JSON payloads, consumers read through
// consumer groups with explicit acks, and poisoned entries move to a
// dead-letter stream after exhausting their retry budget.
package streambus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMovedToDLQ signals the entry was appended to the dead-letter stream.
// Callers must still ack the original entry so it leaves the pending list.
var ErrMovedToDLQ = errors.New("streambus: entry moved to dead-letter stream")

// Entry is one stream record as delivered to a consumer.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// Bus is a thin client over Redis Streams consumer groups.
type Bus struct {
	rdb *redis.Client
}

// New creates a Bus over the given Redis client.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Append XADDs a single "json" field holding the marshaled payload.
// Returns the assigned stream entry ID.
func (b *Bus) Append(ctx context.Context, stream string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"json": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// AppendRaw XADDs the given field map as-is.
func (b *Bus) AppendRaw(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group with MKSTREAM, tolerating the
// BUSYGROUP reply when the group already exists.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadNew blocks up to block for entries never delivered to the group (">").
// A nil slice with nil error means the block timed out.
func (b *Bus) ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	return b.readGroup(ctx, stream, group, consumer, ">", count, block)
}

// ReadPending reads entries already delivered to this consumer but not yet
// acked, starting from 0. Used to drain our own backlog on startup.
func (b *Bus) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	return b.readGroup(ctx, stream, group, consumer, "0", count, 0)
}

func (b *Bus) readGroup(ctx context.Context, stream, group, consumer, id string, count int64, block time.Duration) ([]Entry, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
	}
	if block > 0 {
		args.Block = block
	} else {
		args.Block = -1 // non-blocking
	}

	res, err := b.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, Entry{ID: m.ID, Values: m.Values})
		}
	}
	return entries, nil
}

// AutoClaim transfers ownership of entries idle for at least minIdle to this
// consumer, so work stranded by a crashed peer gets retried.
func (b *Bus) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries, nil
}

// Ack acknowledges entries so they leave the group's pending list.
func (b *Bus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// PendingEntry describes one unacked entry in a group's pending list.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Pending returns up to limit pending entries with their current consumer,
// idle time, and delivery count. Pair with Claim to take over entries a
// stuck peer never acked.
func (b *Bus) Pending(ctx context.Context, stream, group string, limit int64) ([]PendingEntry, error) {
	ext, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  limit,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}

	out := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		out = append(out, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

// Claim transfers ownership of the given entries to consumer when they have
// been idle at least minIdle, and returns the entries that were claimed.
func (b *Bus) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xclaim %s/%s: %w", stream, group, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries, nil
}

// PendingCount returns the size of the group's pending entries list.
func (b *Bus) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	p, err := b.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	return p.Count, nil
}

// MoveToDLQ appends the failed entry's payload to the dead-letter stream
// together with the failure reason and a timestamp, then returns
// ErrMovedToDLQ. The caller is expected to ack the original entry.
func (b *Bus) MoveToDLQ(ctx context.Context, dlqStream, payload, reason string) error {
	_, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: map[string]interface{}{
			"json":  payload,
			"error": reason,
			"at":    time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq %s: %w", dlqStream, err)
	}
	return ErrMovedToDLQ
}

// Len returns XLEN of the stream.
func (b *Bus) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}
