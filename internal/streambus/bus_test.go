package streambus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) (*Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), rdb
}

func TestAppendReadAck(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx, "mail:outbound", "senders"))

	id, err := bus.Append(ctx, "mail:outbound", map[string]interface{}{"message_id": 7})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := bus.ReadNew(ctx, "mail:outbound", "senders", "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	doc, ok := EntryJSON(entries[0].Values)
	require.True(t, ok)
	assert.JSONEq(t, `{"message_id":7}`, string(doc))

	require.NoError(t, bus.Ack(ctx, "mail:outbound", "senders", entries[0].ID))

	n, err := bus.PendingCount(ctx, "mail:outbound", "senders")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnsureGroupIdempotent(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx, "seg:builds", "seg_builders"))
	require.NoError(t, bus.EnsureGroup(ctx, "seg:builds", "seg_builders"))
}

func TestReadPendingDrainsOwnBacklog(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx, "mail:outbound", "senders"))
	_, err := bus.Append(ctx, "mail:outbound", map[string]interface{}{"message_id": 1})
	require.NoError(t, err)

	// Deliver without acking, then simulate a restart drain from "0".
	entries, err := bus.ReadNew(ctx, "mail:outbound", "senders", "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	backlog, err := bus.ReadPending(ctx, "mail:outbound", "senders", "w1", 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, entries[0].ID, backlog[0].ID)
}

func TestPendingAndClaimHandOverStuckEntries(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx, "mail:outbound", "senders"))
	id, err := bus.Append(ctx, "mail:outbound", map[string]interface{}{"message_id": 4})
	require.NoError(t, err)

	// w1 takes the entry and never acks it.
	entries, err := bus.ReadNew(ctx, "mail:outbound", "senders", "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	pending, err := bus.Pending(ctx, "mail:outbound", "senders", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "w1", pending[0].Consumer)
	assert.Equal(t, int64(1), pending[0].Deliveries)

	claimed, err := bus.Claim(ctx, "mail:outbound", "senders", "w2", 0, pending[0].ID)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)

	doc, ok := EntryJSON(claimed[0].Values)
	require.True(t, ok)
	assert.JSONEq(t, `{"message_id":4}`, string(doc))

	pending, err = bus.Pending(ctx, "mail:outbound", "senders", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "w2", pending[0].Consumer, "ownership moved to the claimer")

	require.NoError(t, bus.Ack(ctx, "mail:outbound", "senders", id))
	pending, err = bus.Pending(ctx, "mail:outbound", "senders", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	none, err := bus.Claim(ctx, "mail:outbound", "senders", "w2", 0)
	require.NoError(t, err)
	assert.Nil(t, none, "claiming nothing is a no-op")
}

func TestMoveToDLQ(t *testing.T) {
	bus, rdb := testBus(t)
	ctx := context.Background()

	payload := `{"message_id":9,"retries":5}`
	err := bus.MoveToDLQ(ctx, "mail:outbound:dlq", payload, "smtp: connection refused")
	require.True(t, errors.Is(err, ErrMovedToDLQ))

	msgs, err := rdb.XRange(ctx, "mail:outbound:dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, payload, msgs[0].Values["json"])
	assert.Equal(t, "smtp: connection refused", msgs[0].Values["error"])

	_, perr := time.Parse(time.RFC3339, msgs[0].Values["at"].(string))
	assert.NoError(t, perr)
}

func TestStatusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	st := NewStatus(rdb, time.Hour)
	key := MessageKey(3, 41)
	assert.Equal(t, "mail:status:3:41", key)

	require.NoError(t, st.Set(ctx, key, map[string]interface{}{"status": "sending", "progress": 40}))

	got, err := st.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sending", got["status"])
	assert.NotEmpty(t, got["updatedAt"])

	ttl := mr.TTL(key)
	assert.Equal(t, time.Hour, ttl)

	missing, err := st.Get(ctx, SegmentKey(3, 99))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEntryJSONEncodings(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]interface{}
		want   string
		ok     bool
	}{
		{
			name:   "canonical json field",
			values: map[string]interface{}{"json": `{"message_id":5}`},
			want:   `{"message_id":5}`,
			ok:     true,
		},
		{
			name: "legacy flat with company_id",
			values: map[string]interface{}{
				"message_id": "12",
				"company_id": "3",
				"domain_id":  "4",
				"envelope":   `{"to":["a@b.test"]}`,
			},
			want: `{"message_id":12,"tenant_id":3,"domain_id":4,"envelope":{"to":["a@b.test"]}}`,
			ok:   true,
		},
		{
			name:   "single field fallback",
			values: map[string]interface{}{"payload": `{"tenant":1}`},
			want:   `{"tenant":1}`,
			ok:     true,
		},
		{
			name:   "corrupt json field",
			values: map[string]interface{}{"json": "{nope"},
			ok:     false,
		},
		{
			name:   "multiple unknown fields",
			values: map[string]interface{}{"a": `{"x":1}`, "b": `{"y":2}`},
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, ok := EntryJSON(tt.values)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.JSONEq(t, tt.want, string(doc))
				assert.True(t, json.Valid(doc))
			}
		})
	}
}
