package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/client"
	"github.com/GY-Bai/baidaohui5/internal/config"
	"github.com/GY-Bai/baidaohui5/internal/dedup"
	"github.com/GY-Bai/baidaohui5/internal/lock"
	"github.com/GY-Bai/baidaohui5/internal/logger"
	"github.com/GY-Bai/baidaohui5/internal/payment"
	"github.com/GY-Bai/baidaohui5/internal/rankhub"
	"github.com/GY-Bai/baidaohui5/internal/realtime"
	"github.com/GY-Bai/baidaohui5/internal/repository"
	"github.com/GY-Bai/baidaohui5/internal/server"
	"github.com/GY-Bai/baidaohui5/internal/service"
	"github.com/GY-Bai/baidaohui5/internal/statemachine"
	"github.com/GY-Bai/baidaohui5/internal/webhook"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const janitorInterval = 10 * time.Minute

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log)
	log.WithField("environment", cfg.Environment.Name).Info("starting fortune queue api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := client.InitDBClient(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("init database")
	}

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = client.InitRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.WithError(err).Fatal("init redis")
		}
		defer rdb.Close()
	}

	orderRepo := repository.NewOrderRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db, nil)

	dedupStore, err := newDedupStore(ctx, cfg.Webhook.DedupBackend, rdb, webhookEventRepo, log)
	if err != nil {
		log.WithError(err).Fatal("init webhook dedup")
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb)
	}

	origins := []string{cfg.FrontendURL}
	gateway := realtime.NewGateway(origins, log)
	hub := rankhub.New(orderRepo, gateway, log)
	gateway.Use(hub)

	machine := statemachine.NewMachine(orderRepo, hub, nil, log)

	orderService := service.NewOrderService(
		orderRepo,
		machine,
		client.NewStripeClient(&cfg.Stripe, cfg.FrontendURL),
		webhook.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Webhook.Tolerance, nil),
		payment.NewProcessor(orderRepo, machine, log),
		dedupStore,
		cfg.Webhook.DedupTTL,
		locker,
		log,
	)

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port

	// Init HTTP server
	srv := server.NewServer(orderService, hub, gateway, server.Options{
		AuthSecret:     cfg.AuthSecret,
		AllowedOrigins: origins,
	}, log)

	log.WithField("address", serverAddr).Info("starting HTTP server")
	go func() {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	log.Info("signal received, starting graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown error")
	}
}

// newDedupStore picks where processed event ids live. Only redis and
// database are shared between API instances.
func newDedupStore(ctx context.Context, backend string, rdb *redis.Client, events repository.WebhookEventRepository, log logrus.FieldLogger) (dedup.Store, error) {
	switch backend {
	case "", "memory":
		store := dedup.NewMemoryStore(nil)
		go store.Run(ctx, janitorInterval)
		return store, nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("WEBHOOK_DEDUP_BACKEND=redis needs REDIS_ADDRESS")
		}
		return dedup.NewRedisStore(rdb, ""), nil
	case "database":
		go purgeExpiredEvents(ctx, events, log)
		return events, nil
	}
	return nil, fmt.Errorf("unknown dedup backend %q", backend)
}

func purgeExpiredEvents(ctx context.Context, events repository.WebhookEventRepository, log logrus.FieldLogger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := events.PurgeExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("purge expired webhook events")
				continue
			}
			if n > 0 {
				log.WithField("purged", n).Debug("purged expired webhook events")
			}
		}
	}
}
