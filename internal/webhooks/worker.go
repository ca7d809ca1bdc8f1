package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/httpretry"
	"github.com/monkeysmail/platform/internal/pkg/logger"
	"github.com/monkeysmail/platform/internal/streambus"
)

// maxResponseSnapshot caps how much of the endpoint's response body the
// ledger keeps.
const maxResponseSnapshot = 4 << 10

// Ledger is the slice of the webhook repository the delivery worker uses.
type Ledger interface {
	Get(ctx context.Context, id int64) (*domain.Webhook, error)
	RecordDelivery(ctx context.Context, d *domain.WebhookDelivery) error
}

// WorkerConfig tunes the delivery consumption loop.
type WorkerConfig struct {
	Stream     string
	Group      string
	Consumer   string
	Batch      int64
	Block      time.Duration
	ClaimIdle  time.Duration
	Timeout    time.Duration
	MaxRetries int
}

func (c *WorkerConfig) defaults() {
	if c.Stream == "" {
		c.Stream = "webhooks:deliveries"
	}
	if c.Group == "" {
		c.Group = "webhook_senders"
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
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// Worker consumes delivery jobs, POSTs signed payloads, and records every
// attempt in the ledger. Attempt accounting lives here, so the HTTP client
// is a plain doer rather than a self-retrying one.
type Worker struct {
	cfg    WorkerConfig
	bus    *streambus.Bus
	ledger Ledger
	client httpretry.HTTPDoer

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a webhook delivery worker. A nil client gets a default
// http.Client with the configured timeout.
func NewWorker(cfg WorkerConfig, bus *streambus.Bus, ledger Ledger, client httpretry.HTTPDoer) *Worker {
	cfg.defaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Worker{cfg: cfg, bus: bus, ledger: ledger, client: client, now: time.Now}
}

// Start launches the consumption loop.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.bus.EnsureGroup(w.ctx, w.cfg.Stream, w.cfg.Group); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.run()
	logger.Info("webhook worker started",
		"stream", w.cfg.Stream, "group", w.cfg.Group, "consumer", w.cfg.Consumer)
	return nil
}

// Stop cancels the loop and waits for in-flight deliveries.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	logger.Info("webhook worker stopped",
		"delivered", w.delivered.Load(), "failed", w.failed.Load())
}

// Stats returns (delivered, failed) counters.
func (w *Worker) Stats() (int64, int64) {
	return w.delivered.Load(), w.failed.Load()
}

func (w *Worker) run() {
	defer w.wg.Done()

	w.drainPending()

	for {
		if w.ctx.Err() != nil {
			return
		}

		claimed, err := w.bus.AutoClaim(w.ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.ClaimIdle, w.cfg.Batch)
		if err != nil && w.ctx.Err() == nil {
			logger.Warn("autoclaim failed", "stream", w.cfg.Stream, "error", err.Error())
		}
		for _, e := range claimed {
			w.process(e)
		}

		entries, err := w.bus.ReadNew(w.ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.Batch, w.cfg.Block)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			logger.Warn("stream read failed", "stream", w.cfg.Stream, "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		for _, e := range entries {
			w.process(e)
		}
	}
}

func (w *Worker) drainPending() {
	for {
		entries, err := w.bus.ReadPending(w.ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.Batch)
		if err != nil || len(entries) == 0 {
			return
		}
		for _, e := range entries {
			w.process(e)
		}
	}
}

func (w *Worker) process(entry streambus.Entry) {
	raw, ok := streambus.EntryJSON(entry.Values)
	if !ok {
		w.ackDrop(entry.ID, "malformed entry")
		return
	}
	var job DeliveryJob
	if err := json.Unmarshal(raw, &job); err != nil || job.WebhookID == 0 {
		w.ackDrop(entry.ID, "undecodable delivery job")
		return
	}

	if wait, due := w.untilDue(job.NotBefore); !due {
		// Deferred retry. Short waits are absorbed in place; longer ones go
		// back on the stream so this consumer keeps draining other work.
		if wait <= 2*time.Second {
			select {
			case <-time.After(wait):
			case <-w.ctx.Done():
				return
			}
		} else {
			time.Sleep(500 * time.Millisecond)
			if _, err := w.bus.Append(w.ctx, w.cfg.Stream, job); err != nil {
				logger.Warn("requeue deferred delivery failed", "webhook_id", job.WebhookID, "error", err.Error())
				return // keep pending, autoclaim will retry
			}
			w.ack(entry.ID)
			return
		}
	}

	hook, err := w.ledger.Get(w.ctx, job.WebhookID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			w.ackDrop(entry.ID, "webhook deleted")
			return
		}
		logger.Error("webhook load failed", "webhook_id", job.WebhookID, "error", err.Error())
		return // keep pending
	}
	if !hook.Active {
		w.ackDrop(entry.ID, "webhook disabled")
		return
	}

	w.deliver(entry, hook, job)
}

func (w *Worker) deliver(entry streambus.Entry, hook *domain.Webhook, job DeliveryJob) {
	body, err := json.Marshal(job.Event)
	if err != nil {
		w.ackDrop(entry.ID, "unencodable event")
		return
	}

	ts := w.now().UTC().Unix()
	req, err := http.NewRequestWithContext(w.ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		w.ackDrop(entry.ID, "bad webhook url")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, job.Event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, SignatureHeader(hook.Secret, ts, body))

	start := w.now()
	resp, err := w.client.Do(req)
	elapsed := w.now().Sub(start).Milliseconds()

	record := &domain.WebhookDelivery{
		WebhookID:      hook.ID,
		EventID:        job.Event.ID,
		EventKind:      job.Event.Kind,
		Attempt:        job.Attempt,
		ResponseTimeMS: elapsed,
		Payload:        body,
	}

	if err == nil {
		record.HTTPCode = resp.StatusCode
		snap, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnapshot))
		record.ResponseBody = string(snap)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			w.record(record)
			w.ack(entry.ID)
			w.delivered.Add(1)
			return
		}
	} else {
		record.ResponseBody = err.Error()
	}

	w.failed.Add(1)
	w.retryOrFinish(entry, hook, job, record)
}

// retryOrFinish records the failed attempt and either schedules the next
// one or lets the event die after the retry budget.
func (w *Worker) retryOrFinish(entry streambus.Entry, hook *domain.Webhook, job DeliveryJob, record *domain.WebhookDelivery) {
	maxRetries := hook.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.cfg.MaxRetries
	}

	if job.Attempt >= maxRetries {
		w.record(record)
		w.ack(entry.ID)
		logger.Warn("webhook delivery exhausted",
			"webhook_id", hook.ID, "event_id", job.Event.ID, "attempts", job.Attempt, "http_code", record.HTTPCode)
		return
	}

	nextAt := w.now().UTC().Add(hook.Backoff(job.Attempt))
	record.NextRetryAt = &nextAt
	w.record(record)

	next := job
	next.Attempt++
	next.NotBefore = nextAt.Format(time.RFC3339)
	if _, err := w.bus.Append(w.ctx, w.cfg.Stream, next); err != nil {
		logger.Error("retry enqueue failed", "webhook_id", hook.ID, "event_id", job.Event.ID, "error", err.Error())
		return // keep the live entry pending rather than dropping the event
	}
	w.ack(entry.ID)
	logger.Info("webhook delivery retry scheduled",
		"webhook_id", hook.ID, "event_id", job.Event.ID, "attempt", next.Attempt, "not_before", next.NotBefore)
}

func (w *Worker) record(d *domain.WebhookDelivery) {
	if err := w.ledger.RecordDelivery(w.ctx, d); err != nil {
		logger.Warn("delivery ledger write failed",
			"webhook_id", d.WebhookID, "event_id", d.EventID, "error", err.Error())
	}
}

func (w *Worker) untilDue(notBefore string) (time.Duration, bool) {
	if notBefore == "" {
		return 0, true
	}
	at, err := time.Parse(time.RFC3339, notBefore)
	if err != nil {
		return 0, true
	}
	wait := at.Sub(w.now())
	if wait <= 0 {
		return 0, true
	}
	return wait, false
}

func (w *Worker) ack(id string) {
	if err := w.bus.Ack(w.ctx, w.cfg.Stream, w.cfg.Group, id); err != nil {
		logger.Warn("ack failed", "entry", id, "error", err.Error())
	}
}

func (w *Worker) ackDrop(id, reason string) {
	logger.Warn("dropping entry", "entry", id, "reason", reason)
	w.ack(id)
}
