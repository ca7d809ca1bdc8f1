package segments

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/streambus"
)

func testOrchestrator(t *testing.T, segs *memSegments) (*Orchestrator, *streambus.Bus, *streambus.Status) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	bus := streambus.New(rdb)
	status := streambus.NewStatus(rdb, 0)
	b := NewBuilder(subscriberBase(), segs)

	o := NewOrchestrator(OrchestratorConfig{Consumer: "test-1"}, bus, b, status)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	require.NoError(t, bus.EnsureGroup(o.ctx, o.cfg.Stream, o.cfg.Group))
	return o, bus, status
}

func drainBuilds(t *testing.T, o *Orchestrator, bus *streambus.Bus) {
	t.Helper()
	for {
		entries, err := bus.ReadNew(o.ctx, o.cfg.Stream, o.cfg.Group, "test-1", 10, 0)
		require.NoError(t, err)
		if len(entries) == 0 {
			return
		}
		for _, e := range entries {
			o.process(e)
		}
	}
}

func TestOrchestratorBuildsAndPublishesStatus(t *testing.T) {
	segs := &memSegments{segment: &domain.Segment{
		ID: 5, TenantID: 1,
		Definition: domain.SegmentDefinition{Status: "subscribed", InListIDs: []int64{7}, NotInListIDs: []int64{9}},
	}}
	o, bus, status := testOrchestrator(t, segs)

	_, err := o.Enqueue(o.ctx, 1, 5, true)
	require.NoError(t, err)

	snap, err := status.Get(o.ctx, streambus.SegmentKey(1, 5))
	require.NoError(t, err)
	assert.Equal(t, "queued", snap["status"])

	drainBuilds(t, o, bus)

	snap, err = status.Get(o.ctx, streambus.SegmentKey(1, 5))
	require.NoError(t, err)
	assert.Equal(t, "ok", snap["status"])
	assert.Equal(t, float64(1), snap["matches"])
	assert.Equal(t, float64(1), snap["added"])
	assert.NotEmpty(t, snap["builtAt"])
	assert.NotEmpty(t, snap["updatedAt"])

	built, failed := o.Stats()
	assert.Equal(t, int64(1), built)
	assert.Zero(t, failed)

	pending, err := bus.PendingCount(o.ctx, o.cfg.Stream, o.cfg.Group)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestOrchestratorReportsBuildErrors(t *testing.T) {
	segs := &memSegments{segment: &domain.Segment{ID: 5, TenantID: 2}}
	o, bus, status := testOrchestrator(t, segs)

	_, err := o.Enqueue(o.ctx, 1, 5, true)
	require.NoError(t, err)
	drainBuilds(t, o, bus)

	snap, err := status.Get(o.ctx, streambus.SegmentKey(1, 5))
	require.NoError(t, err)
	assert.Equal(t, "error", snap["status"])
	assert.Contains(t, snap["message"], "another tenant")

	// Failed builds are acked, not retried.
	pending, err := bus.PendingCount(o.ctx, o.cfg.Stream, o.cfg.Group)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestOrchestratorDropsMalformed(t *testing.T) {
	segs := &memSegments{segment: &domain.Segment{ID: 5, TenantID: 1}}
	o, bus, _ := testOrchestrator(t, segs)

	_, err := bus.AppendRaw(o.ctx, o.cfg.Stream, map[string]interface{}{"json": "{nope"})
	require.NoError(t, err)
	_, err = bus.Append(o.ctx, o.cfg.Stream, map[string]interface{}{"tenant_id": 1})
	require.NoError(t, err)

	drainBuilds(t, o, bus)

	pending, err := bus.PendingCount(o.ctx, o.cfg.Stream, o.cfg.Group)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Empty(t, segs.builds)
}
