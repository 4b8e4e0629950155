// Command reconcile runs one reconciliation pass and prints the per
// negotiation verdicts as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"tradeflow/config"
	"tradeflow/db"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/events"
	"tradeflow/logging"
	"tradeflow/reconcile"
)

func main() {
	skipSweep := flag.Bool("skip-sla-sweep", false, "do not stamp breached dispute SLAs")
	flag.Parse()

	if err := run(*skipSweep); err != nil {
		log.Fatalf("reconcile: %v", err)
	}
}

func run(skipSweep bool) error {
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

	pool, err := db.NewPool(ctx, cfg.DB.URL, db.PoolOptions{MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	var provider escrow.Provider = escrow.NewMockProvider()
	if cfg.Escrow.Provider == "http" {
		provider, err = escrow.NewHTTPProvider(escrow.HTTPProviderConfig{
			BaseURL: cfg.Escrow.URL,
			APIKey:  cfg.Escrow.APIKey,
			Timeout: cfg.Escrow.Timeout,
		})
		if err != nil {
			return err
		}
	}

	publisher, closePublisher, err := events.Open(events.TransportConfig{
		Transport: cfg.Events.Transport,
		Kafka:     events.KafkaConfig{Brokers: cfg.Events.KafkaBrokers, Topic: cfg.Events.KafkaTopic},
		AMQP:      events.AMQPConfig{URL: cfg.Events.AMQPURL, Exchange: cfg.Events.AMQPExchange},
	}, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	repo := escrow.NewRepository()
	deps := reconcile.Deps{
		Pool:        pool,
		Store:       repo,
		Ledger:      escrow.NewLedger(provider, repo, logger),
		Bus:         events.NewOutbox(pool, publisher, cfg.Events.KafkaTopic, logger),
		Logger:      logger,
		Concurrency: cfg.Reconcile.Concurrency,
	}
	if !skipSweep {
		deps.Disputes = dispute.NewService(dispute.NewRepository(), logger)
	}

	var locker *reconcile.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		locker = reconcile.NewLocker(rdb, "")
	}

	results, err := reconcile.NewScheduler(reconcile.NewJob(deps), locker, cfg.Reconcile.Interval, logger).RunOnce(ctx)
	if err != nil {
		return err
	}
	if results == nil {
		results = []reconcile.Result{}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
