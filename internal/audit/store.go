// Package audit implements the optional, best-effort batch-push-history
// sink (§6, §11): a pgxpool-backed recorder of completed
// MultiChainPushResults and chain health transitions, intended for
// dashboards/alerting outside the process. It is never on the critical
// path -- every write failure is logged and swallowed, never propagated
// to the caller, and the store no-ops entirely when disabled.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seda_evm_pusher_audit_writes_total",
		Help: "Total number of audit sink write attempts.",
	}, []string{"table", "outcome"})
)

// Config controls whether the audit sink is active at all.
type Config struct {
	Enabled     bool
	DatabaseURL string
}

// Store is a best-effort sink for batch-push history and chain health
// transitions. A nil *Store (or one constructed with Enabled=false) is
// safe to use -- every method is a no-op.
type Store struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger
}

// NewStore connects to Postgres and returns a Store. When cfg.Enabled is
// false it returns a non-nil, inert Store without dialing the database,
// so callers never need a separate nil-check branch.
func NewStore(ctx context.Context, cfg Config, logger *zerolog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return &Store{logger: logger}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: failed to ping database: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Subscribe wires the store to batch-completed and chain-health-changed
// events. Each handler runs in its own goroutine and never blocks the
// publisher; failures are logged, not returned, per the package's
// best-effort contract.
func (s *Store) Subscribe(bus *eventbus.Bus) {
	if s == nil || s.pool == nil || bus == nil {
		return
	}

	completed := bus.Subscribe(models.TopicBatchCompleted)
	go func() {
		for ev := range completed {
			payload, ok := ev.Payload.(models.BatchCompletedPayload)
			if !ok {
				continue
			}
			if err := s.RecordBatchCompletion(context.Background(), payload.Result); err != nil {
				s.logError("batch_push_history", err)
			}
		}
	}()

	healthChanged := bus.Subscribe(models.TopicChainHealthChanged)
	go func() {
		for ev := range healthChanged {
			payload, ok := ev.Payload.(models.ChainHealthChangedPayload)
			if !ok {
				continue
			}
			if err := s.RecordChainHealthTransition(context.Background(), payload); err != nil {
				s.logError("chain_health_transitions", err)
			}
		}
	}()
}

// RecordBatchCompletion inserts one MultiChainPushResult into
// batch_push_history. A no-op when the store is disabled.
func (s *Store) RecordBatchCompletion(ctx context.Context, result models.MultiChainPushResult) error {
	if s == nil || s.pool == nil {
		return nil
	}

	resultsJSON, err := json.Marshal(result.Results)
	if err != nil {
		return fmt.Errorf("audit: marshal results: %w", err)
	}

	query := `
		INSERT INTO batch_push_history (
			batch_number, success_count, failure_count, total_duration_ms, results, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_number) DO UPDATE SET
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			total_duration_ms = EXCLUDED.total_duration_ms,
			results = EXCLUDED.results,
			recorded_at = EXCLUDED.recorded_at
	`

	_, err = s.pool.Exec(ctx, query,
		result.BatchNumber,
		result.SuccessCount,
		result.FailureCount,
		result.TotalDurationMs,
		resultsJSON,
		time.Now(),
	)
	if err != nil {
		writesTotal.WithLabelValues("batch_push_history", "error").Inc()
		return err
	}
	writesTotal.WithLabelValues("batch_push_history", "ok").Inc()
	return nil
}

// RecordChainHealthTransition inserts one chain health change into
// chain_health_transitions. A no-op when the store is disabled.
func (s *Store) RecordChainHealthTransition(ctx context.Context, payload models.ChainHealthChangedPayload) error {
	if s == nil || s.pool == nil {
		return nil
	}

	query := `
		INSERT INTO chain_health_transitions (chain_name, status, recorded_at)
		VALUES ($1, $2, $3)
	`

	_, err := s.pool.Exec(ctx, query, payload.ChainName, string(payload.Status), time.Now())
	if err != nil {
		writesTotal.WithLabelValues("chain_health_transitions", "error").Inc()
		return err
	}
	writesTotal.WithLabelValues("chain_health_transitions", "ok").Inc()
	return nil
}

func (s *Store) logError(table string, err error) {
	if s.logger != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("audit: best-effort write failed")
	}
}

// Close releases the underlying connection pool. A no-op when disabled.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
