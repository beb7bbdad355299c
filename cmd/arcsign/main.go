// Command arcsign is the withdrawal pipeline's composition root: it loads
// configuration, wires every component's concrete collaborators (no
// package-level globals, per spec.md §9's dependency-injection redesign
// note) and runs the signing worker, broadcaster, monitor and recovery
// engine loops side by side until the process receives a shutdown signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcsign/withdrawalengine/internal/broadcast"
	"github.com/arcsign/withdrawalengine/internal/chainregistry"
	"github.com/arcsign/withdrawalengine/internal/config"
	"github.com/arcsign/withdrawalengine/internal/evmrpc"
	"github.com/arcsign/withdrawalengine/internal/metrics"
	"github.com/arcsign/withdrawalengine/internal/monitor"
	"github.com/arcsign/withdrawalengine/internal/multicall"
	"github.com/arcsign/withdrawalengine/internal/noncecache"
	"github.com/arcsign/withdrawalengine/internal/queue"
	"github.com/arcsign/withdrawalengine/internal/recovery"
	"github.com/arcsign/withdrawalengine/internal/signing"
	"github.com/arcsign/withdrawalengine/internal/store"
)

const defaultReceiveMax = 10

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("wiring failed", zap.Error(err))
	}
	defer app.Close()

	logger.Info("arcsign withdrawal engine starting", zap.String("instanceId", cfg.InstanceID))
	if err := app.Run(ctx); err != nil {
		logger.Error("engine stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

// app holds every wired component and the tickers/loops main runs.
type app struct {
	logger   *zap.Logger
	registry *chainregistry.Registry
	store    store.RequestStore

	signingWorker *signing.Worker
	broadcaster   *broadcast.Broadcaster
	mon           *monitor.Monitor
	intake        *monitor.Intake
	recoveryEng   *recovery.Engine

	bridge *stuckBridge
}

func (a *app) Close() {
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("chain registry close failed", zap.Error(err))
	}
}

// Run starts every loop concurrently and blocks until ctx is canceled or
// any loop returns a non-nil error.
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pollLoop(gctx, 2*time.Second, a.signingWorker.Run) })
	g.Go(func() error { return pollLoop(gctx, 2*time.Second, a.broadcaster.Run) })
	g.Go(func() error { return pollLoop(gctx, 2*time.Second, a.intake.Run) })
	g.Go(func() error { return a.recoveryEng.Run(gctx) })
	g.Go(func() error { a.mon.WatchReconnects(gctx); return nil })
	g.Go(func() error { a.bridge.run(gctx); return nil })

	for _, t := range a.mon.Tickers() {
		t := t
		g.Go(func() error { t.Run(gctx); return nil })
	}

	return g.Wait()
}

// pollLoop repeatedly invokes fn until ctx is canceled, matching the
// Run(ctx)-once-per-cycle convention internal/signing, internal/broadcast
// and internal/monitor all share; the long-poll wait built into each
// Queue.Receive call paces the loop, so no extra ticker is needed beyond
// a short idle backoff when fn reports an error.
func pollLoop(ctx context.Context, errBackoff time.Duration, fn func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := fn(ctx); err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errBackoff):
			}
		}
	}
}

// build constructs every component from cfg, choosing durable
// (Postgres/SQS/Redis) or in-memory backends by whether their
// corresponding URL/address is configured — the same env-gated branching
// the teacher's storage package uses to let integration tests run
// without external services.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	requestStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	q, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	nonces, err := buildNonceCache(cfg)
	if err != nil {
		return nil, err
	}

	signers, err := evmrpc.NewLocalSignerFactory(reg, cfg.SigningKeys)
	if err != nil {
		return nil, err
	}
	fees := &evmrpc.FeeOracle{Registry: reg}

	batcherFor := buildBatcherFactory(reg, cfg)

	signingWorker := &signing.Worker{
		Queue:    q,
		Store:    requestStore,
		Nonces:   nonces,
		Registry: reg,
		Batcher:  batcherFor,
		Signers:  signers,
		Fees:     fees,
		Tunables: signing.Tunables{
			BatchEnabled:         cfg.BatchEnabled,
			MinBatchSize:         cfg.MinBatchSize,
			BatchThreshold:       cfg.BatchThreshold,
			MinGasSavingsPercent: cfg.MinGasSavingsPercent,
			BaseBatchGas:         cfg.BaseBatchGas,
			PerBatchTx:           cfg.PerBatchTx,
			SinglePerTxGas:       cfg.SinglePerTxGas,
		},
		InstanceID:   cfg.InstanceID,
		RequestQueue: cfg.QueueTxRequestURL,
		SignedQueue:  cfg.QueueSignedTxURL,
		Logger:       logger.Named("signing"),
		ReceiveMax:   defaultReceiveMax,
		Wait:         time.Duration(cfg.QueueWaitSeconds) * time.Second,
		Visibility:   cfg.QueueVisibility,
	}

	broadcaster := &broadcast.Broadcaster{
		Queue:          q,
		Store:          requestStore,
		Clients:        &evmrpc.BroadcastClientFactory{Registry: reg},
		SignedQueue:    cfg.QueueSignedTxURL,
		BroadcastQueue: cfg.QueueBroadcastTxURL,
		InstanceID:     cfg.InstanceID,
		Logger:         logger.Named("broadcast"),
		ReceiveMax:     defaultReceiveMax,
		Wait:           time.Duration(cfg.QueueWaitSeconds) * time.Second,
		Visibility:     cfg.QueueVisibility,
	}

	mon := monitor.New(&evmrpc.MonitorClientFactory{Registry: reg}, requestStore, reg, logger.Named("monitor"))

	intake := &monitor.Intake{
		Monitor:        mon,
		Queue:          q,
		BroadcastQueue: cfg.QueueBroadcastTxURL,
		Logger:         logger.Named("monitor.intake"),
		ReceiveMax:     defaultReceiveMax,
		Wait:           time.Duration(cfg.QueueWaitSeconds) * time.Second,
		Visibility:     cfg.QueueVisibility,
	}

	strategies := recovery.NewStrategyRegistry(q, fees, cfg.RecoveryMaxAttempts, cfg.RecoveryPollInterval, cfg.EnableDummyTx, cfg.MaxDummyTxGap)
	recoveryEng := &recovery.Engine{
		Queue:            q,
		Strategies:       strategies,
		PriorityQ:        recovery.NewPriorityQueue(cfg.MaxPriorityQueueSize),
		Metrics:          recovery.NewMetricsCollector(metrics.New()),
		Logger:           logger.Named("recovery"),
		PollInterval:     cfg.RecoveryPollInterval,
		ReceiveMax:       defaultReceiveMax,
		Wait:             time.Duration(cfg.QueueWaitSeconds) * time.Second,
		Visibility:       cfg.QueueVisibility,
		TxRequestQueue:   cfg.QueueTxRequestURL,
		SignedTxQueue:    cfg.QueueSignedTxURL,
		BroadcastTxQueue: cfg.QueueBroadcastTxURL,
	}

	bridge := &stuckBridge{
		monitor: mon,
		store:   requestStore,
		queue:   q,
		txQueue: cfg.QueueTxRequestURL,
		logger:  logger.Named("stuck-bridge"),
	}

	return &app{
		logger:        logger,
		registry:      reg,
		store:         requestStore,
		signingWorker: signingWorker,
		broadcaster:   broadcaster,
		mon:           mon,
		intake:        intake,
		recoveryEng:   recoveryEng,
		bridge:        bridge,
	}, nil
}

func buildRegistry(cfg *config.Config) (*chainregistry.Registry, error) {
	var configs []chainregistry.ChainConfig
	for key, endpoints := range cfg.RPCURLs {
		chain, network := splitChainNetwork(key)
		if chain == "" || len(endpoints) == 0 {
			continue
		}
		cc := chainregistry.ChainConfig{
			Chain:             chain,
			Network:           network,
			RPCURL:            endpoints[0],
			WSURL:             cfg.WSURLs[key],
			AggregatorAddress: cfg.AggregatorAddresses[key],
			BlockTime:         15 * time.Second,
		}
		if id, ok := cfg.ChainIDs[key]; ok {
			cc.ChainID = uint64(id)
		}
		configs = append(configs, cc)
	}

	settings := chainregistry.ReconnectSettings{
		InitialDelay:       cfg.ReconnectInitialDelay,
		Multiplier:         cfg.ReconnectMultiplier,
		MaxDelay:           cfg.ReconnectMaxDelay,
		MaxAttempts:        cfg.ReconnectMaxAttempts,
		CircuitResetWindow: cfg.CircuitResetWindow,
		LongTermInterval:   cfg.CircuitLongTermDelay,
	}
	if settings.InitialDelay == 0 {
		settings = chainregistry.DefaultReconnectSettings()
	}

	return chainregistry.NewRegistry(configs, evmrpc.NewHTTPRPCFactory(30*time.Second), evmrpc.NewWSFactory(), settings), nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.RequestStore, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemoryRequestStore(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return store.NewPostgresRequestStore(pool), nil
}

func buildQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.QueueTxRequestURL == "" {
		return queue.NewMemoryQueue(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg)), nil
}

func buildNonceCache(cfg *config.Config) (noncecache.NonceCache, error) {
	if cfg.RedisAddr == "" {
		return noncecache.NewMemoryNonceCache(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return noncecache.NewRedisNonceCache(client), nil
}

// buildBatcherFactory returns the func(chain string) *multicall.Batcher
// the signing Worker calls per batch. Each chain is bound to the first
// network discovered for it in cfg.RPCURLs, matching this deployment's
// one-network-per-chain assumption (multi-network chains would need a
// chain identifier that already encodes the network, e.g. "ethereum-sepolia").
func buildBatcherFactory(reg *chainregistry.Registry, cfg *config.Config) func(chain string) *multicall.Batcher {
	chainNetwork := map[string]string{}
	for key := range cfg.RPCURLs {
		chain, network := splitChainNetwork(key)
		if chain == "" {
			continue
		}
		if _, ok := chainNetwork[chain]; !ok {
			chainNetwork[chain] = network
		}
	}

	cache := map[string]*multicall.Batcher{}
	return func(chain string) *multicall.Batcher {
		if b, ok := cache[chain]; ok {
			return b
		}
		network := chainNetwork[chain]
		gas := &evmrpc.GasOracle{Registry: reg, Chain: chain, Network: network}
		tokens := &evmrpc.TokenDecimals{Registry: reg, Chain: chain, Network: network}
		b := multicall.NewBatcher(chain, tokens, gas)
		cache[chain] = b
		return b
	}
}

// splitChainNetwork parses a "chain/network" config key.
func splitChainNetwork(key string) (chain, network string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
