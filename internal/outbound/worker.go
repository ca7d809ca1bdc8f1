package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/logger"
	"github.com/monkeysmail/platform/internal/streambus"
)

// WorkerMessageStore is the slice of the message repository the worker uses.
// The sent/failed/skip writes are recipient-scoped: each delivery job settles
// only its own recipient row, and the store decides the message-level state
// from the siblings.
type WorkerMessageStore interface {
	Get(ctx context.Context, tenantID, id int64) (*domain.Message, error)
	MarkSent(ctx context.Context, id, recipientID int64, providerMessageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, recipientID int64, reason string, at time.Time) error
	SkipRecipient(ctx context.Context, id, recipientID int64, reason string, at time.Time) error
	AddEvent(ctx context.Context, ev *domain.MessageEvent) error
}

// SuppressionStore answers which of the given addresses are suppressed.
type SuppressionStore interface {
	ActiveAddresses(ctx context.Context, tenantID int64, addresses []string) (map[string]bool, error)
}

// StatusWriter publishes progress snapshots.
type StatusWriter interface {
	Set(ctx context.Context, key string, fields map[string]interface{}) error
}

// EventSink receives terminal message events for webhook fan-out. May be nil.
type EventSink interface {
	Dispatch(ctx context.Context, tenantID int64, kind domain.EventKind, payload map[string]interface{})
}

// WorkerConfig tunes one worker's consumption loop.
type WorkerConfig struct {
	Stream     string
	DLQ        string
	Group      string
	Consumer   string
	Batch      int64
	Block      time.Duration
	ClaimIdle  time.Duration
	MaxRetries int

	TrackingBase string
}

func (c *WorkerConfig) defaults() {
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
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.DLQ == "" {
		c.DLQ = c.Stream + ":dlq"
	}
}

// Worker consumes delivery jobs from the mail stream and sends them over
// SMTP with the retry/DLQ discipline.
type Worker struct {
	cfg      WorkerConfig
	bus      *streambus.Bus
	messages WorkerMessageStore
	supp     SuppressionStore
	sender   MailSender
	status   StatusWriter
	events   EventSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hbMu   sync.Mutex
	hbLast map[string]time.Time

	processed atomic.Int64
	failed    atomic.Int64
	skipCount atomic.Int64
	dlqCount  atomic.Int64
}

// heartbeatEvery caps non-terminal status writes per message.
const heartbeatEvery = 5 * time.Second

// NewWorker creates an outbound delivery worker.
func NewWorker(cfg WorkerConfig, bus *streambus.Bus, messages WorkerMessageStore, supp SuppressionStore, sender MailSender, status StatusWriter, events EventSink) *Worker {
	cfg.defaults()
	return &Worker{
		cfg:      cfg,
		bus:      bus,
		messages: messages,
		supp:     supp,
		sender:   sender,
		status:   status,
		events:   events,
		hbLast:   make(map[string]time.Time),
	}
}

// Start launches the consumption loop.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.bus.EnsureGroup(w.ctx, w.cfg.Stream, w.cfg.Group); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.run()
	logger.Info("outbound worker started",
		"stream", w.cfg.Stream, "group", w.cfg.Group, "consumer", w.cfg.Consumer)
	return nil
}

// Stop cancels the loop and waits for in-flight jobs.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	logger.Info("outbound worker stopped",
		"processed", w.processed.Load(), "failed", w.failed.Load(),
		"skipped", w.skipCount.Load(), "dlq", w.dlqCount.Load())
}

// Stats returns (processed, failed, dead-lettered) counters.
func (w *Worker) Stats() (int64, int64, int64) {
	return w.processed.Load(), w.failed.Load(), w.dlqCount.Load()
}

func (w *Worker) run() {
	defer w.wg.Done()

	// Drain our own pending list once: entries delivered before a crash.
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
	job, ok := DecodeJob(entry.Values)
	if !ok {
		w.ackDrop(entry.ID, "malformed entry")
		return
	}

	msg, err := w.loadMessage(job)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			w.ackDrop(entry.ID, "message not found")
			return
		}
		// DB still unreachable after in-place retries. Leave the entry
		// pending; autoclaim will hand it back once the idle timer elapses.
		logger.Error("message load failed", "message_id", job.MessageID, "error", err.Error())
		return
	}

	// A suppression hit closes this recipient only: siblings keep flowing
	// and the message still completes for its deliverable recipients.
	if w.suppressed(job) {
		now := time.Now().UTC()
		if err := w.messages.SkipRecipient(w.ctx, msg.ID, job.RecipientID, "recipient suppressed", now); err != nil {
			logger.Error("skip recipient failed",
				"message_id", msg.ID, "recipient_id", job.RecipientID, "error", err.Error())
		}
		w.addEvent(msg.ID, domain.EventSkipped, job, map[string]interface{}{"reason": "suppressed"})
		w.ack(entry.ID)
		w.skipCount.Add(1)
		logger.Info("recipient suppressed, job skipped",
			"message_id", msg.ID, "recipient_id", job.RecipientID)
		return
	}

	w.heartbeat(job, "sending", 50, nil)

	html := msg.HTML
	if job.Envelope.RecipientCount() == 1 && job.TrackingToken != "" {
		html = InjectTracking(html, w.cfg.TrackingBase, job.TrackingToken, msg.TrackOpens, msg.TrackClicks)
	} else if job.Envelope.RecipientCount() > 1 {
		logger.Warn("multi-recipient job, tracking injection skipped", "message_id", msg.ID)
	}

	res := w.sender.Send(w.ctx, msg, html, job.Envelope)
	if res.OK {
		now := time.Now().UTC()
		if err := w.messages.MarkSent(w.ctx, msg.ID, job.RecipientID, res.MessageID, now); err != nil {
			logger.Error("mark sent failed", "message_id", msg.ID, "error", err.Error())
		}
		w.addEvent(msg.ID, domain.EventSent, job, map[string]interface{}{"provider_message_id": res.MessageID})
		w.dispatch(msg.TenantID, domain.EventSent, msg.ID, job)
		w.heartbeat(job, "sent", 100, map[string]interface{}{"sentAt": now.Format(time.RFC3339)})
		w.ack(entry.ID)
		w.processed.Add(1)
		return
	}

	w.failed.Add(1)
	raw, _ := streambus.EntryJSON(entry.Values)
	w.retryOrDLQ(entry, raw, job, msg, res.Err)
}

// retryOrDLQ re-appends the job with retries+1, or dead-letters it when the
// budget is exhausted. The live entry is acked only after its replacement
// (or the DLQ entry) exists, so the job is never lost.
func (w *Worker) retryOrDLQ(entry streambus.Entry, raw []byte, job *Job, msg *domain.Message, sendErr string) {
	retries := int(job.Retries)
	if retries+1 > w.cfg.MaxRetries {
		err := w.bus.MoveToDLQ(w.ctx, w.cfg.DLQ, string(raw), sendErr)
		if !errors.Is(err, streambus.ErrMovedToDLQ) {
			logger.Error("dlq append failed", "message_id", job.MessageID, "error", err.Error())
			return // entry stays pending, retried after claim idle
		}
		w.dlqCount.Add(1)

		now := time.Now().UTC()
		if err := w.messages.MarkFailed(w.ctx, msg.ID, job.RecipientID, sendErr, now); err != nil {
			logger.Error("mark failed failed", "message_id", msg.ID, "error", err.Error())
		}
		w.addEvent(msg.ID, domain.EventFailed, job, map[string]interface{}{"error": sendErr, "retries": retries})
		w.dispatch(msg.TenantID, domain.EventFailed, msg.ID, job)
		w.heartbeat(job, "error", 100, map[string]interface{}{"failedAt": now.Format(time.RFC3339), "error": sendErr})
		w.ack(entry.ID)

		logger.Warn("job dead-lettered",
			"message_id", job.MessageID, "retries", retries, "error", sendErr)
		return
	}

	next := *job
	next.Retries = RetryCount(retries + 1)
	if _, err := w.bus.Append(w.ctx, w.cfg.Stream, next); err != nil {
		logger.Error("retry append failed", "message_id", job.MessageID, "error", err.Error())
		return // keep the live entry pending rather than dropping the job
	}
	w.ack(entry.ID)
	logger.Info("job requeued", "message_id", job.MessageID, "retries", retries+1, "error", sendErr)
}

// loadMessage retries transient repository failures in place so a flapping
// DB connection does not consume the job's delivery retries.
func (w *Worker) loadMessage(job *Job) (*domain.Message, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		msg, err := w.messages.Get(w.ctx, job.TenantID, job.MessageID)
		if err == nil {
			return msg, nil
		}
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (w *Worker) suppressed(job *Job) bool {
	if w.supp == nil {
		return false
	}
	addrs := job.Envelope.Addresses()
	hit, err := w.supp.ActiveAddresses(w.ctx, job.TenantID, addrs)
	if err != nil {
		logger.Warn("suppression check failed", "message_id", job.MessageID, "error", err.Error())
		return false
	}
	for _, a := range addrs {
		if hit[a] {
			return true
		}
	}
	return false
}

func (w *Worker) heartbeat(job *Job, status string, progress int, extra map[string]interface{}) {
	if w.status == nil {
		return
	}
	key := streambus.MessageKey(job.TenantID, job.MessageID)
	if !w.shouldBeat(key, progress >= 100) {
		return
	}
	fields := map[string]interface{}{
		"status":      status,
		"progress":    progress,
		"heartbeatAt": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := w.status.Set(w.ctx, key, fields); err != nil {
		logger.Debug("status write failed", "key", key, "error", err.Error())
	}
}

// shouldBeat rate-limits progress writes to one per message per
// heartbeatEvery. Terminal writes always go through and clear the slot.
func (w *Worker) shouldBeat(key string, terminal bool) bool {
	w.hbMu.Lock()
	defer w.hbMu.Unlock()
	if terminal {
		delete(w.hbLast, key)
		return true
	}
	now := time.Now()
	if last, ok := w.hbLast[key]; ok && now.Sub(last) < heartbeatEvery {
		return false
	}
	w.hbLast[key] = now
	return true
}

func (w *Worker) addEvent(messageID int64, kind domain.EventKind, job *Job, payload map[string]interface{}) {
	data, _ := json.Marshal(payload)
	recipient := ""
	if addrs := job.Envelope.Addresses(); len(addrs) == 1 {
		recipient = addrs[0]
	}
	ev := &domain.MessageEvent{MessageID: messageID, Kind: kind, Recipient: recipient, Payload: data}
	if err := w.messages.AddEvent(w.ctx, ev); err != nil {
		logger.Warn("event write failed", "message_id", messageID, "kind", string(kind), "error", err.Error())
	}
}

func (w *Worker) dispatch(tenantID int64, kind domain.EventKind, messageID int64, job *Job) {
	if w.events == nil {
		return
	}
	w.events.Dispatch(w.ctx, tenantID, kind, map[string]interface{}{
		"message_id": messageID,
		"recipients": job.Envelope.Addresses(),
	})
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

