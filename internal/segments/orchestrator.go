package segments

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monkeysmail/platform/internal/pkg/logger"
	"github.com/monkeysmail/platform/internal/streambus"
)

// BuildJob is the stream payload for one segment build request.
type BuildJob struct {
	TenantID    int64  `json:"tenant_id"`
	SegmentID   int64  `json:"segment_id"`
	Materialize bool   `json:"materialize"`
	EnqueuedAt  string `json:"enqueued_at,omitempty"`
}

// StatusWriter publishes build progress snapshots.
type StatusWriter interface {
	Set(ctx context.Context, key string, fields map[string]interface{}) error
}

// OrchestratorConfig tunes the build consumer loop.
type OrchestratorConfig struct {
	Stream    string
	Group     string
	Consumer  string
	Batch     int64
	Block     time.Duration
	ClaimIdle time.Duration
}

func (c *OrchestratorConfig) defaults() {
	if c.Stream == "" {
		c.Stream = "seg:builds"
	}
	if c.Group == "" {
		c.Group = "seg_builders"
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		c.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Batch <= 0 {
		c.Batch = 20
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = time.Minute
	}
}

// Orchestrator accepts build requests over the segment stream and runs
// them through the builder, publishing progress to the status keys.
type Orchestrator struct {
	cfg     OrchestratorConfig
	bus     *streambus.Bus
	builder *Builder
	status  StatusWriter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	built  atomic.Int64
	failed atomic.Int64
}

// NewOrchestrator creates a segment build consumer.
func NewOrchestrator(cfg OrchestratorConfig, bus *streambus.Bus, builder *Builder, status StatusWriter) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{cfg: cfg, bus: bus, builder: builder, status: status}
}

// Enqueue appends a build request to the segment stream and marks the
// segment's status key queued.
func (o *Orchestrator) Enqueue(ctx context.Context, tenantID, segmentID int64, materialize bool) (string, error) {
	job := BuildJob{
		TenantID:    tenantID,
		SegmentID:   segmentID,
		Materialize: materialize,
		EnqueuedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	id, err := o.bus.Append(ctx, o.cfg.Stream, job)
	if err != nil {
		return "", fmt.Errorf("enqueue segment build: %w", err)
	}
	o.setStatus(ctx, tenantID, segmentID, map[string]interface{}{"status": "queued"})
	return id, nil
}

// Start launches the consumption loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	if err := o.bus.EnsureGroup(o.ctx, o.cfg.Stream, o.cfg.Group); err != nil {
		return err
	}

	o.wg.Add(1)
	go o.run()
	logger.Info("segment orchestrator started",
		"stream", o.cfg.Stream, "group", o.cfg.Group, "consumer", o.cfg.Consumer)
	return nil
}

// Stop cancels the loop and waits for in-flight builds.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	logger.Info("segment orchestrator stopped",
		"built", o.built.Load(), "failed", o.failed.Load())
}

// Stats returns (built, failed) counters.
func (o *Orchestrator) Stats() (int64, int64) {
	return o.built.Load(), o.failed.Load()
}

func (o *Orchestrator) run() {
	defer o.wg.Done()

	o.drainPending()

	for {
		if o.ctx.Err() != nil {
			return
		}

		claimed, err := o.bus.AutoClaim(o.ctx, o.cfg.Stream, o.cfg.Group, o.cfg.Consumer, o.cfg.ClaimIdle, o.cfg.Batch)
		if err != nil && o.ctx.Err() == nil {
			logger.Warn("autoclaim failed", "stream", o.cfg.Stream, "error", err.Error())
		}
		for _, e := range claimed {
			o.process(e)
		}

		entries, err := o.bus.ReadNew(o.ctx, o.cfg.Stream, o.cfg.Group, o.cfg.Consumer, o.cfg.Batch, o.cfg.Block)
		if err != nil {
			if o.ctx.Err() != nil {
				return
			}
			logger.Warn("stream read failed", "stream", o.cfg.Stream, "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		for _, e := range entries {
			o.process(e)
		}
	}
}

func (o *Orchestrator) drainPending() {
	for {
		entries, err := o.bus.ReadPending(o.ctx, o.cfg.Stream, o.cfg.Group, o.cfg.Consumer, o.cfg.Batch)
		if err != nil || len(entries) == 0 {
			return
		}
		for _, e := range entries {
			o.process(e)
		}
	}
}

func (o *Orchestrator) process(entry streambus.Entry) {
	raw, ok := streambus.EntryJSON(entry.Values)
	if !ok {
		o.ackDrop(entry.ID, "malformed entry")
		return
	}
	var job BuildJob
	if err := json.Unmarshal(raw, &job); err != nil || job.SegmentID == 0 {
		o.ackDrop(entry.ID, "undecodable build job")
		return
	}

	o.setStatus(o.ctx, job.TenantID, job.SegmentID, map[string]interface{}{"status": "building"})

	res, err := o.builder.Build(o.ctx, job.TenantID, job.SegmentID, job.Materialize)
	if err != nil {
		o.failed.Add(1)
		logger.Error("segment build failed",
			"segment_id", job.SegmentID, "tenant_id", job.TenantID, "error", err.Error())
		o.setStatus(o.ctx, job.TenantID, job.SegmentID, map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
		})
		// Build errors are not retried: the request is cheap to resubmit
		// and a bad definition would loop forever.
		o.ack(entry.ID)
		return
	}

	o.built.Add(1)
	o.setStatus(o.ctx, job.TenantID, job.SegmentID, map[string]interface{}{
		"status":  "ok",
		"matches": res.Matches,
		"added":   res.Added,
		"removed": res.Removed,
		"kept":    res.Kept,
		"builtAt": res.Build.BuiltAt.Format(time.RFC3339),
	})
	o.ack(entry.ID)
}

func (o *Orchestrator) setStatus(ctx context.Context, tenantID, segmentID int64, fields map[string]interface{}) {
	if o.status == nil {
		return
	}
	key := streambus.SegmentKey(tenantID, segmentID)
	if err := o.status.Set(ctx, key, fields); err != nil {
		logger.Debug("status write failed", "key", key, "error", err.Error())
	}
}

func (o *Orchestrator) ack(id string) {
	if err := o.bus.Ack(o.ctx, o.cfg.Stream, o.cfg.Group, id); err != nil {
		logger.Warn("ack failed", "entry", id, "error", err.Error())
	}
}

func (o *Orchestrator) ackDrop(id, reason string) {
	logger.Warn("dropping entry", "entry", id, "reason", reason)
	o.ack(id)
}
