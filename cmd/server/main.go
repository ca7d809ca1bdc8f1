package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/monkeysmail/platform/internal/api"
	"github.com/monkeysmail/platform/internal/config"
	"github.com/monkeysmail/platform/internal/dnsverify"
	"github.com/monkeysmail/platform/internal/outbound"
	"github.com/monkeysmail/platform/internal/pkg/logger"
	"github.com/monkeysmail/platform/internal/quota"
	"github.com/monkeysmail/platform/internal/repository/postgres"
	"github.com/monkeysmail/platform/internal/segments"
	"github.com/monkeysmail/platform/internal/streambus"
	"github.com/monkeysmail/platform/internal/webhooks"
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

	tenantRepo := postgres.NewTenantRepo(db)
	usageRepo := postgres.NewUsageRepo(db)
	rateRepo := postgres.NewRateLimitRepo(db)
	messageRepo := postgres.NewMessageRepo(db)
	contactRepo := postgres.NewContactRepo(db)
	segmentRepo := postgres.NewSegmentRepo(db)
	domainRepo := postgres.NewDomainRepo(db)
	suppRepo := postgres.NewSuppressionRepo(db)
	webhookRepo := postgres.NewWebhookRepo(db)

	quotaEngine := quota.NewEngine(tenantRepo, usageRepo, rateRepo)
	ingest := outbound.NewIngest(messageRepo, quotaEngine, bus, cfg.Streams.Outbound)

	builder := segments.NewBuilder(contactRepo, segmentRepo)
	orchestrator := segments.NewOrchestrator(segments.OrchestratorConfig{
		Stream: cfg.Streams.SegmentBuilds,
		Group:  cfg.Streams.SegmentGroup,
	}, bus, builder, status)

	dispatcher := webhooks.NewDispatcher(webhookRepo, bus, cfg.Streams.WebhookQueue)
	events := outbound.NewDeliveryEvents(messageRepo, usageRepo, suppRepo, contactRepo, dispatcher)

	verifier := dnsverify.NewVerifier(nil,
		dnsverify.NewPolicyClient(nil, 0), cfg.DNS.LookupTimeout())
	dnsService := dnsverify.NewService(verifier, domainRepo)

	server := api.NewServer(ingest, orchestrator, dnsService, status, events, webhookRepo, nil)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting API server on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
