package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"tradeflow/db"
	"tradeflow/logging"
	"tradeflow/metrics"
)

// Bus stages events inside a transaction and dispatches them after commit.
type Bus interface {
	Stage(ctx context.Context, tx pgx.Tx, evs ...Event) error
	Dispatch(ctx context.Context, evs ...Event)
}

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Outbox is the transactional outbox: events are written in the producing
// transaction, published after commit and marked processed. Rows whose
// publish failed stay pending for the Relay.
type Outbox struct {
	exec      Execer
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

func NewOutbox(exec Execer, publisher Publisher, topic string, logger *zap.Logger) *Outbox {
	if topic == "" {
		topic = "negotiation-events"
	}
	return &Outbox{exec: exec, publisher: publisher, topic: topic, logger: logging.OrNop(logger)}
}

// Stage writes evs into the outbox table inside tx.
func (o *Outbox) Stage(ctx context.Context, tx pgx.Tx, evs ...Event) error {
	const insertSQL = `
INSERT INTO outbox (id, topic, partition_key, payload)
VALUES ($1, $2, $3, $4);
`
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("events: marshal outbox payload: %w", err)
		}
		if _, err := tx.Exec(ctx, insertSQL, ev.ID, o.topic, ev.NegotiationID, payload); err != nil {
			return fmt.Errorf("events: insert outbox: %w", err)
		}
	}
	return nil
}

// Dispatch publishes committed events. Failures are logged; the relay
// retries them.
func (o *Outbox) Dispatch(ctx context.Context, evs ...Event) {
	for _, ev := range evs {
		if err := o.publisher.Publish(ctx, ev); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), metrics.OutcomeError).Inc()
			o.logger.Warn("publish event failed; left for relay",
				zap.String("event_id", ev.ID), zap.String("type", string(ev.Type)), zap.Error(err))
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), metrics.OutcomeSuccess).Inc()
		if _, err := o.exec.Exec(ctx, `UPDATE outbox SET processed_at = now() WHERE id = $1`, ev.ID); err != nil {
			o.logger.Warn("mark outbox processed failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
}

// Relay republishes outbox rows that are still pending after Grace.
type Relay struct {
	pool      db.TxBeginner
	publisher Publisher
	logger    *zap.Logger
	batch     int
	grace     time.Duration
}

func NewRelay(pool db.TxBeginner, publisher Publisher, logger *zap.Logger) *Relay {
	return &Relay{
		pool:      pool,
		publisher: publisher,
		logger:    logging.OrNop(logger),
		batch:     100,
		grace:     10 * time.Second,
	}
}

// RunOnce publishes one batch and returns how many rows were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	published := 0
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const selectSQL = `
SELECT id::text, payload
FROM outbox
WHERE processed_at IS NULL AND created_at < now() - make_interval(secs => $1)
ORDER BY created_at
LIMIT $2
FOR UPDATE SKIP LOCKED;
`
		rows, err := tx.Query(ctx, selectSQL, r.grace.Seconds(), r.batch)
		if err != nil {
			return fmt.Errorf("events: select pending outbox: %w", err)
		}
		type pending struct {
			id      string
			payload []byte
		}
		var batch []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.payload); err != nil {
				rows.Close()
				return fmt.Errorf("events: scan outbox: %w", err)
			}
			batch = append(batch, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("events: iterate outbox: %w", err)
		}
		metrics.OutboxPending.Set(float64(len(batch)))

		for _, p := range batch {
			var ev Event
			if err := json.Unmarshal(p.payload, &ev); err != nil {
				r.logger.Error("undecodable outbox row", zap.String("outbox_id", p.id), zap.Error(err))
				if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, p.id, err.Error()); err != nil {
					return fmt.Errorf("events: record outbox failure: %w", err)
				}
				continue
			}

			if err := r.publisher.Publish(ctx, ev); err != nil {
				metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), metrics.OutcomeError).Inc()
				if _, execErr := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, p.id, err.Error()); execErr != nil {
					return fmt.Errorf("events: record outbox failure: %w", execErr)
				}
				continue
			}
			metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), metrics.OutcomeSuccess).Inc()
			if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = now(), attempts = attempts + 1 WHERE id = $1`, p.id); err != nil {
				return fmt.Errorf("events: mark outbox processed: %w", err)
			}
			published++
		}
		return nil
	})
	return published, err
}

// Run calls RunOnce every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("outbox relay pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("outbox relay republished events", zap.Int("count", n))
			}
		}
	}
}
