package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/monkeysmail/platform/internal/config"
	"github.com/monkeysmail/platform/internal/dkim"
	"github.com/monkeysmail/platform/internal/dnsverify"
	"github.com/monkeysmail/platform/internal/outbound"
	"github.com/monkeysmail/platform/internal/pkg/distlock"
	"github.com/monkeysmail/platform/internal/pkg/logger"
	"github.com/monkeysmail/platform/internal/repository/postgres"
	"github.com/monkeysmail/platform/internal/segments"
	"github.com/monkeysmail/platform/internal/streambus"
	"github.com/monkeysmail/platform/internal/webhooks"
)

const (
	dnsSweepLimit  = 50
	dnsSweepLock   = "locks:dns_sweep"
	dkimSyncLock   = "locks:dkim_sync"
	cronLockExpiry = 10 * time.Minute
)

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	var client *redis.Client
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// withLock runs fn only when this replica wins the distributed lock, so
// scheduled jobs fire once across the fleet.
func withLock(ctx context.Context, rdb *redis.Client, key string, fn func(context.Context)) {
	lock := distlock.NewRedisLock(rdb, key, cronLockExpiry)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		logger.Warn("lock acquire failed", "key", key, "error", err.Error())
		return
	}
	if !ok {
		logger.Debug("lock held elsewhere, skipping", "key", key)
		return
	}
	defer lock.Release(ctx)
	fn(ctx)
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.RedactPII != nil {
		logger.SetRedactPII(*cfg.Log.RedactPII)
	}

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, time.Duration(cfg.Database.ConnMaxLifetime)*time.Minute)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	rdb, err := newRedisClient(cfg.Redis)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()
	log.Println("Connected to redis")

	bus := streambus.New(rdb)
	status := streambus.NewStatus(rdb, cfg.Streams.StatusTTL())

	messageRepo := postgres.NewMessageRepo(db)
	contactRepo := postgres.NewContactRepo(db)
	segmentRepo := postgres.NewSegmentRepo(db)
	domainRepo := postgres.NewDomainRepo(db)
	suppRepo := postgres.NewSuppressionRepo(db)
	webhookRepo := postgres.NewWebhookRepo(db)

	dispatcher := webhooks.NewDispatcher(webhookRepo, bus, cfg.Streams.WebhookQueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, _ := os.Hostname()
	sender := outbound.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.HeloDomain, cfg.SMTP.Timeout())

	// Send workers: N consumers in one group share the mail stream.
	sendWorkers := make([]*outbound.Worker, 0, cfg.Workers.SendConcurrency)
	for i := 0; i < cfg.Workers.SendConcurrency; i++ {
		w := outbound.NewWorker(outbound.WorkerConfig{
			Stream:       cfg.Streams.Outbound,
			DLQ:          cfg.Streams.OutboundDLQ,
			Group:        cfg.Streams.OutboundGroup,
			Consumer:     fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i),
			Batch:        int64(cfg.Workers.BatchSize),
			Block:        cfg.Workers.Block(),
			ClaimIdle:    cfg.Workers.ClaimIdle(),
			MaxRetries:   cfg.Workers.MaxRetries,
			TrackingBase: cfg.Tracking.BaseURL,
		}, bus, messageRepo, suppRepo, sender, status, dispatcher)
		if err := w.Start(ctx); err != nil {
			log.Fatalf("start send worker %d: %v", i, err)
		}
		sendWorkers = append(sendWorkers, w)
	}
	log.Printf("Send workers started (%d consumers)", len(sendWorkers))

	builder := segments.NewBuilder(contactRepo, segmentRepo)
	orchestrator := segments.NewOrchestrator(segments.OrchestratorConfig{
		Stream:    cfg.Streams.SegmentBuilds,
		Group:     cfg.Streams.SegmentGroup,
		Block:     cfg.Workers.Block(),
		ClaimIdle: cfg.Workers.ClaimIdle(),
	}, bus, builder, status)
	if err := orchestrator.Start(ctx); err != nil {
		log.Fatalf("start segment orchestrator: %v", err)
	}
	log.Println("Segment orchestrator started")

	webhookWorker := webhooks.NewWorker(webhooks.WorkerConfig{
		Stream:     cfg.Streams.WebhookQueue,
		Group:      cfg.Streams.WebhookGroup,
		Block:      cfg.Workers.Block(),
		ClaimIdle:  cfg.Workers.ClaimIdle(),
		Timeout:    cfg.Webhooks.Timeout(),
		MaxRetries: cfg.Webhooks.DefaultMaxRetries,
	}, bus, webhookRepo, nil)
	if err := webhookWorker.Start(ctx); err != nil {
		log.Fatalf("start webhook worker: %v", err)
	}
	log.Println("Webhook worker started")

	verifier := dnsverify.NewVerifier(nil,
		dnsverify.NewPolicyClient(nil, 0), cfg.DNS.LookupTimeout())
	dnsService := dnsverify.NewService(verifier, domainRepo)

	tableSync := dkim.NewTableSync(cfg.DKIM.KeyTablePath, cfg.DKIM.SigningTablePath,
		cfg.DKIM.TrustedHostsPath, cfg.DKIM.PIDFile)

	scheduler := cron.New()
	if cfg.DNS.SweepEnabled {
		_, err := scheduler.AddFunc(cfg.DNS.SweepSchedule, func() {
			withLock(ctx, rdb, dnsSweepLock, func(ctx context.Context) {
				n, err := dnsService.Sweep(ctx, dnsSweepLimit)
				if err != nil {
					logger.Warn("dns sweep failed", "error", err.Error())
					return
				}
				logger.Info("dns sweep complete", "checked", n)
			})
		})
		if err != nil {
			log.Fatalf("schedule dns sweep: %v", err)
		}
		log.Printf("DNS re-verification sweep scheduled (%s)", cfg.DNS.SweepSchedule)
	}

	// Regenerate the OpenDKIM tables from the active keys so hand-edits and
	// crashed registrations converge back to the database state.
	_, err = scheduler.AddFunc("@every 15m", func() {
		withLock(ctx, rdb, dkimSyncLock, func(ctx context.Context) {
			keys, err := domainRepo.ListActiveDkimKeys(ctx)
			if err != nil {
				logger.Warn("dkim key listing failed", "error", err.Error())
				return
			}
			entries := make([]dkim.TableEntry, len(keys))
			for i, k := range keys {
				entries[i] = dkim.TableEntry{Domain: k.Domain, Selector: k.Selector, KeyPath: k.KeyPath}
			}
			report, err := tableSync.Sync(entries, nil)
			if err != nil {
				logger.Warn("dkim table sync failed", "error", err.Error())
				return
			}
			if report.Changed {
				logger.Info("dkim tables rewritten",
					"entries", len(entries), "skipped", len(report.Skipped), "reload", report.ReloadMethod)
			}
		})
	})
	if err != nil {
		log.Fatalf("schedule dkim sync: %v", err)
	}

	// Queue depth gauge: stream length plus the group's unacked backlog.
	_, err = scheduler.AddFunc("@every 1m", func() {
		depth, err := bus.Len(ctx, cfg.Streams.Outbound)
		if err != nil {
			logger.Debug("queue depth read failed", "stream", cfg.Streams.Outbound, "error", err.Error())
			return
		}
		pending, err := bus.PendingCount(ctx, cfg.Streams.Outbound, cfg.Streams.OutboundGroup)
		if err != nil {
			logger.Debug("pending count read failed", "stream", cfg.Streams.Outbound, "error", err.Error())
			return
		}
		logger.Info("mail queue depth",
			"stream", cfg.Streams.Outbound, "entries", depth, "pending", pending)
	})
	if err != nil {
		log.Fatalf("schedule queue gauge: %v", err)
	}
	scheduler.Start()

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	for _, w := range sendWorkers {
		w.Stop()
	}
	orchestrator.Stop()
	webhookWorker.Stop()

	log.Println("Worker stopped")
}
