package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradeflow/attachment"
	"tradeflow/auth"
	"tradeflow/config"
	"tradeflow/contract"
	"tradeflow/db"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/events"
	"tradeflow/listing"
	"tradeflow/logging"
	"tradeflow/negotiation"
	"tradeflow/reconcile"
	"tradeflow/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DB.MigrateOnStart {
		if err := db.Migrate(cfg.DB.URL); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	pool, err := db.NewPool(ctx, cfg.DB.URL, db.PoolOptions{MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	publisher, closePublisher, err := events.Open(transportConfig(cfg.Events), logger)
	if err != nil {
		return err
	}
	defer closePublisher()
	outbox := events.NewOutbox(pool, publisher, cfg.Events.KafkaTopic, logger)

	provider, err := newProvider(cfg.Escrow)
	if err != nil {
		return err
	}
	escrowRepo := escrow.NewRepository()
	ledger := escrow.NewLedger(provider, escrowRepo, logger)

	diffs, err := contract.NewDiffCache(cfg.DiffCacheSize)
	if err != nil {
		return err
	}
	manager := contract.NewManager(contract.NewRepository(), contract.NewMockSigner(), diffs, logger)
	disputes := dispute.NewService(dispute.NewRepository(), logger)

	attachments, err := newAttachmentStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	svc := negotiation.NewService(negotiation.Deps{
		Pool:        pool,
		Store:       negotiation.NewRepository(),
		Escrow:      escrowRepo,
		Ledger:      ledger,
		Contracts:   contract.NewRepository(),
		Manager:     manager,
		Disputes:    disputes,
		Listings:    listing.NewService(listing.NewRepository(pool)),
		Attachments: attachments,
		Bus:         outbox,
		Logger:      logger,
		TTL:         cfg.NegotiationTTL,
	})

	job := reconcile.NewJob(reconcile.Deps{
		Pool:        pool,
		Store:       escrowRepo,
		Ledger:      ledger,
		Disputes:    disputes,
		Bus:         outbox,
		Logger:      logger,
		Concurrency: cfg.Reconcile.Concurrency,
	})
	var locker *reconcile.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		locker = reconcile.NewLocker(rdb, "")
	}
	scheduler := reconcile.NewScheduler(job, locker, cfg.Reconcile.Interval, logger)

	relay := events.NewRelay(pool, publisher, logger)
	go relay.Run(ctx, cfg.Events.RelayInterval)
	if cfg.Reconcile.Enabled {
		go scheduler.Run(ctx)
	}

	server := &Server{
		negotiations: svc,
		reconciler:   scheduler,
		webhooks: webhook.NewHandler(svc, webhook.Secrets{
			Escrow: cfg.Webhooks.EscrowSecret,
			Esign:  cfg.Webhooks.EsignSecret,
		}, logger),
		verifier: auth.NewVerifier(cfg.Auth.JWTSecret),
		db:       pool,
		logger:   logger,
	}
	e := server.Echo()

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("api listening", zap.String("addr", addr), zap.String("env", cfg.AppEnv))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}

func transportConfig(cfg config.EventsConfig) events.TransportConfig {
	return events.TransportConfig{
		Transport: cfg.Transport,
		Kafka:     events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic},
		AMQP:      events.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange},
	}
}

func newProvider(cfg config.EscrowConfig) (escrow.Provider, error) {
	switch cfg.Provider {
	case "http":
		return escrow.NewHTTPProvider(escrow.HTTPProviderConfig{
			BaseURL: cfg.URL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		})
	case "", "mock":
		return escrow.NewMockProvider(), nil
	}
	return nil, fmt.Errorf("unknown escrow provider %q", cfg.Provider)
}

func newAttachmentStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (negotiation.AttachmentStore, error) {
	if cfg.Storage.Bucket == "" {
		logger.Warn("S3_BUCKET not set; revision attachments are kept in memory")
		return attachment.NewMemory(fmt.Sprintf("http://localhost:%d/attachments", cfg.Port)), nil
	}
	return attachment.NewS3Store(ctx, attachment.S3Config{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		URLExpiry:       cfg.Storage.URLExpiry,
	}, logger)
}
