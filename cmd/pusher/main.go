// Main seda-evm-pusher service: a SEDA-to-EVM batch push orchestrator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sedaprotocol/seda-evm-pusher/internal/audit"
	"github.com/sedaprotocol/seda-evm-pusher/internal/batchfetcher"
	"github.com/sedaprotocol/seda-evm-pusher/internal/chainmanager"
	"github.com/sedaprotocol/seda-evm-pusher/internal/evmchain"
	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/internal/forensics"
	"github.com/sedaprotocol/seda-evm-pusher/internal/obs"
	"github.com/sedaprotocol/seda-evm-pusher/internal/push"
	"github.com/sedaprotocol/seda-evm-pusher/internal/scheduler"
	"github.com/sedaprotocol/seda-evm-pusher/internal/sequence"
	"github.com/sedaprotocol/seda-evm-pusher/internal/supervisor"
	"github.com/sedaprotocol/seda-evm-pusher/internal/tracker"
	"github.com/sedaprotocol/seda-evm-pusher/internal/txexec"
	"github.com/sedaprotocol/seda-evm-pusher/internal/upstream"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

const serviceName = "seda-evm-pusher"

func main() {
	logger := obs.NewLogger(serviceName)
	logger.Info().Msg("starting seda evm pusher")

	cfg := obs.LoadConfig(logger, "config/config.toml")
	obs.UpdateLogLevel(cfg, logger)

	chainsPath := cfg.String("chains.config_path")
	if chainsPath == "" {
		chainsPath = "config/chains.json"
	}
	chainsCfg, err := obs.LoadChainsConfig(chainsPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", chainsPath).Msg("failed to load chains config")
	}

	bus := eventbus.New(logger)

	var natsForwarder *eventbus.NATSForwarder
	natsCtx, natsCancel := context.WithCancel(context.Background())
	defer natsCancel()
	if cfg.Bool("eventbus.nats.enabled") {
		natsForwarder, err = eventbus.NewNATSForwarder(
			cfg.String("eventbus.nats.url"),
			cfg.Duration("eventbus.nats.retention_window"),
			cfg.String("eventbus.nats.subject_prefix"),
			logger,
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize nats event forwarder")
		}
		go natsForwarder.Forward(natsCtx, bus, allTopics())
	}

	recorder, err := forensics.NewRecorder(cfg.String("forensics.db_path"), cfg.Int("forensics.max_entries"), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open forensics recorder")
	}
	defer recorder.Close()
	recorder.Subscribe(bus)

	auditStore, err := audit.NewStore(context.Background(), audit.Config{
		Enabled:     cfg.Bool("audit.enabled"),
		DatabaseURL: cfg.String("audit.database_url"),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize audit store")
	}
	defer auditStore.Close()
	auditStore.Subscribe(bus)

	upstreamClient, err := upstream.NewCosmosClient(
		cfg.String("upstream.grpc_endpoint"),
		cfg.String("upstream.rest_base_url"),
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to upstream chain")
	}
	defer upstreamClient.Close()

	signerAddress := cfg.String("upstream.signer_address")

	bootstrapValidator := sequence.NewValidator(nil, upstreamClient, signerAddress,
		cfg.String("upstream.grpc_endpoint"), nil, 0, 0, logger)
	seed := bootstrapValidator.SeedFromChain(context.Background())
	logger.Info().Uint64("seed", seed).Msg("seeded sequence allocator from chain")

	allocator := sequence.New(seed, logger)
	validator := sequence.NewValidator(allocator, upstreamClient, signerAddress,
		cfg.String("upstream.grpc_endpoint"), nil, 0, sequence.DefaultMaxDrift, logger)

	queryChainSeq := func(ctx context.Context) (uint64, error) {
		return upstreamClient.QueryAccountSequence(ctx, signerAddress, cfg.String("upstream.grpc_endpoint"))
	}

	executor := txexec.New(allocator, allocator.Allocate, queryChainSeq,
		time.Duration(cfg.Int64("scheduler.cosmos_sequence.posting_timeout_ms"))*time.Millisecond,
		sequence.DefaultMaxDrift, logger)

	completionTracker := tracker.New(tracker.Config{
		MaxRetryAttempts: cfg.Int("tracker.max_retry_attempts"),
	}, upstreamClient, bus, logger)

	sched := scheduler.New(scheduler.Config{
		Interval:     time.Duration(cfg.Int64("scheduler.interval_ms")) * time.Millisecond,
		Continuous:   cfg.Bool("scheduler.continuous"),
		MaxRetries:   cfg.Int("scheduler.max_retries"),
		Memo:         cfg.String("scheduler.memo"),
		MaxQueueSize: cfg.Int("scheduler.cosmos_sequence.max_queue_size"),
	}, allocator, executor, upstreamClient, completionTracker, logger)

	fetcher := batchfetcher.New(batchfetcher.Config{}, upstreamClient, logger)

	signerKeyHex := os.Getenv("EVM_SIGNER_KEY_HEX")
	if signerKeyHex == "" {
		signerKeyHex = cfg.String("evm.signer_key_hex")
	}
	signerKey, err := crypto.HexToECDSA(signerKeyHex)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse evm signer private key")
	}

	executors := make(map[string]chainmanager.ChainExecutor)
	var evmClients []*evmchain.Client
	for _, chainCfg := range chainsCfg.EnabledChains() {
		coreAddr := common.HexToAddress(chainCfg.Contracts.SedaCore)
		proverAddr := common.HexToAddress(chainCfg.Contracts.SedaProver)

		chainClient, err := evmchain.NewClient(chainCfg.RPCEndpoint, chainCfg.ChainID, coreAddr, proverAddr, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("chain", chainCfg.Name).Msg("failed to initialize evm chain client")
		}
		evmClients = append(evmClients, chainClient)

		discoverCtx, discoverCancel := context.WithTimeout(context.Background(), 10*time.Second)
		discovered, err := chainClient.DiscoverProver(discoverCtx)
		discoverCancel()
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("chain", chainCfg.Name).Msg("prover discovery failed, falling back to configured sedaProver")
		case discovered != proverAddr:
			logger.Warn().
				Str("chain", chainCfg.Name).
				Str("configured", proverAddr.Hex()).
				Str("discovered", discovered.Hex()).
				Msg("discovered sedaProver address differs from config; using discovered address")
			chainClient.RebindProver(discovered)
		}

		executors[chainCfg.Name] = evmchain.New(chainCfg.Name, chainClient, *chainCfg, signerKey, bus, logger)

		logger.Info().
			Str("chain", chainCfg.Name).
			Int64("chain_id", chainCfg.ChainID).
			Str("rpc", chainCfg.RPCEndpoint).
			Msg("initialized destination chain executor")
	}
	defer func() {
		for _, c := range evmClients {
			c.Close()
		}
	}()

	manager := chainmanager.New(executors, cfg.Int("push.concurrency.max_parallel_chains"), bus, logger)

	pushService := push.New(push.Config{
		Interval:    time.Duration(cfg.Int64("push.interval_ms")) * time.Millisecond,
		BatchWindow: cfg.Int("push.batch_polling.batch_window"),
		MaxBatchAge: time.Duration(cfg.Int64("push.batch_polling.max_batch_age_ms")) * time.Millisecond,
		MaxParallel: cfg.Int("push.concurrency.max_parallel_chains"),
	}, fetcher, manager, bus, logger)

	super := supervisor.New(supervisor.Config{
		GracefulShutdownTimeout: time.Duration(cfg.Int64("supervisor.lifecycle.graceful_shutdown_timeout_ms")) * time.Millisecond,
		HealthCheckInterval:     time.Duration(cfg.Int64("supervisor.lifecycle.health_check_interval_ms")) * time.Millisecond,
		Alerts: supervisor.AlertThresholds{
			MinSuccessRatePercent:  cfg.Float64("monitoring.alerts.min_success_rate_percent"),
			MaxAveragePushTimeMs:   cfg.Int64("monitoring.alerts.max_average_push_time_ms"),
			MaxConsecutiveFailures: cfg.Int("monitoring.alerts.max_consecutive_failures"),
		},
	}, sched, completionTracker, pushService, manager, bus, logger)

	if err := super.Init(); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize supervisor")
	}

	metricsAddr := cfg.String("metrics.address")
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthAddr := cfg.String("health.address")
	healthServer := &http.Server{Addr: healthAddr, Handler: healthCheckHandler(super)}
	go func() {
		logger.Info().Str("address", healthAddr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go validator.Run(ctx)

	if err := super.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start supervisor")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	report := super.Shutdown(context.Background())
	logger.Info().
		Bool("timed_out", report.TimedOut).
		Int("pending_at_shutdown", report.PendingAtShutdown).
		Int("failed_at_shutdown", report.FailedAtShutdown).
		Dur("duration", report.Duration).
		Msg("supervisor shutdown complete")

	cancel()
	natsCancel()
	if natsForwarder != nil {
		natsForwarder.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// healthCheckHandler exposes the supervisor's last computed health as an
// HTTP probe endpoint, mirroring the teacher's syncer/publisher health
// check pattern generalized to the supervisor's aggregated status.
func healthCheckHandler(super *supervisor.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := super.LastHealth()
		if status == models.HealthUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy\n")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s\nstate: %s\n", status, super.State())
	}
}

func allTopics() []models.EventTopic {
	return []models.EventTopic{
		models.TopicInitialized,
		models.TopicStarted,
		models.TopicStopped,
		models.TopicShutdown,
		models.TopicHealthCheck,
		models.TopicHealthDegraded,
		models.TopicHealthCheckFailed,
		models.TopicServiceStarted,
		models.TopicServiceStopped,
		models.TopicBatchDiscovered,
		models.TopicBatchPushStarted,
		models.TopicBatchPushSuccess,
		models.TopicBatchPushFailed,
		models.TopicBatchCompleted,
		models.TopicChainHealthChanged,
		models.TopicServiceError,
	}
}
