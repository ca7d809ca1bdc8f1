package streambus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status publishes short-lived progress snapshots to Redis keys so the API
// can answer status polls without touching Postgres. Keys expire after the
// configured TTL; a missing key means "no recent activity".
type Status struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatus creates a Status publisher. A zero ttl defaults to one hour.
func NewStatus(rdb *redis.Client, ttl time.Duration) *Status {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Status{rdb: rdb, ttl: ttl}
}

// MessageKey is the status key for an outbound message.
func MessageKey(tenantID, messageID int64) string {
	return fmt.Sprintf("mail:status:%d:%d", tenantID, messageID)
}

// SegmentKey is the status key for a segment build.
func SegmentKey(tenantID, segmentID int64) string {
	return fmt.Sprintf("seg:status:%d:%d", tenantID, segmentID)
}

// Set marshals fields, stamps updatedAt, and writes the key with TTL.
func (s *Status) Set(ctx context.Context, key string, fields map[string]interface{}) error {
	snapshot := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		snapshot[k] = v
	}
	snapshot["updatedAt"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set status %s: %w", key, err)
	}
	return nil
}

// Get reads and unmarshals a status key. Returns (nil, nil) when the key
// is missing or expired.
func (s *Status) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get status %s: %w", key, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", key, err)
	}
	return out, nil
}
