// Relayer subscribes to upstream relays, deduplicates and classifies trade
// signal events, fans decrypted copies out to followers, and settles
// confirmed trades.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/moltrade/relayer/internal/api"
	"github.com/moltrade/relayer/internal/config"
	"github.com/moltrade/relayer/internal/dedup"
	"github.com/moltrade/relayer/internal/kv"
	"github.com/moltrade/relayer/internal/log"
	"github.com/moltrade/relayer/internal/metrics"
	"github.com/moltrade/relayer/internal/publisher"
	"github.com/moltrade/relayer/internal/push"
	"github.com/moltrade/relayer/internal/relaypool"
	"github.com/moltrade/relayer/internal/router"
	"github.com/moltrade/relayer/internal/settlement"
	"github.com/moltrade/relayer/internal/tradedb"
)

// Set at build time.
var (
	version   = "dev"
	gitCommit = "none"
)

const warmStartLimit = 100000

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the TOML configuration file",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "Enable debug logging",
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "Log in JSON format",
	}
)

func main() {
	app := &cli.App{
		Name:    "relayer",
		Usage:   "copy-trading signal relayer",
		Version: fmt.Sprintf("%s (commit %s)", version, gitCommit),
		Flags:   []cli.Flag{configFlag, verboseFlag, jsonFlag},
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "relayer: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String(configFlag.Name); path != "" {
		var err error
		cfg, err = config.LoadFile(path)
		if err != nil {
			return err
		}
	}

	level := logLevel(cfg.Monitoring.LogLevel)
	if c.Bool(verboseFlag.Name) {
		level = log.DebugLevel
	}
	log.ConfigureDefaultLogger(nil, level, c.Bool(jsonFlag.Name))
	l := log.DefaultLogger().Named("relayer")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.Infow("", "version", version, "commit", gitCommit,
		"relays", len(cfg.Relay.BootstrapRelays))

	metricsListener := metrics.Start(l, fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort))
	if metricsListener != nil {
		defer metricsListener.Close()
	}
	metrics.StartMemorySampler(ctx, l)

	// Deduplication tiers, warmed from the persisted forward log.
	store, err := kv.Open(ctx, l, cfg.Deduplication.KVPath, nil)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer store.Close()

	engine, err := dedup.NewWithParams(l, store,
		cfg.Deduplication.HotsetSize, cfg.Deduplication.BloomCapacity, cfg.Deduplication.LRUSize)
	if err != nil {
		return fmt.Errorf("building dedup engine: %w", err)
	}
	engine.WarmFromKV(ctx, warmStartLimit)

	clock := clockwork.NewRealClock()

	var tradeStore *tradedb.Store
	if cfg.Postgres != nil && cfg.Postgres.DSN != "" {
		db, err := tradedb.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConnections)
		if err != nil {
			return fmt.Errorf("opening postgres: %w", err)
		}
		defer db.Close()
		tradeStore, err = tradedb.NewStore(ctx, l, db)
		if err != nil {
			return fmt.Errorf("initializing trade store: %w", err)
		}
		l.Infow("", "postgres", "connected")
	} else {
		l.Warnw("", "postgres", "not configured, running without persistence")
	}

	var pub *publisher.NostrPublisher
	var keys *publisher.Keys
	if cfg.Nostr != nil && cfg.Nostr.SecretKey != "" {
		var err error
		keys, err = publisher.ParseKeys(cfg.Nostr.SecretKey)
		if err != nil {
			return fmt.Errorf("parsing platform keys: %w", err)
		}
		pub = publisher.NewNostrPublisher(l, keys, cfg.Relay.BootstrapRelays)
		defer pub.Close()
		l.Infow("", "nostr", "platform keys loaded", "pubkey", keys.PublicKey())

		if tradeStore != nil {
			if err := tradeStore.EnsurePlatformPubkey(ctx, keys.PublicKey(), pub); err != nil {
				l.Warnw("", "nostr", "platform key check failed", "err", err)
			}
		}
	} else {
		l.Warnw("", "nostr", "no platform keys, running as a pure forwarder")
	}

	pool := relaypool.New(l, clock, cfg.Filters.AllowedKinds, cfg.Relay.MaxConnections)
	if err := pool.SubscribeAll(cfg.Relay.BootstrapRelays); err != nil {
		l.Warnw("", "relaypool", "some bootstrap relays failed", "err", err)
	}
	pool.StartHealthChecks(time.Duration(cfg.Relay.HealthCheckInterval) * time.Second)

	sink := push.NewSink(l, push.DefaultBuffer)

	var routerStore router.TradeStore
	var apiStore api.TradeAPI
	if tradeStore != nil {
		routerStore = tradeStore
		apiStore = tradeStore
	}
	var cipher router.Cipher
	var fanout router.FanoutPublisher
	if pub != nil {
		cipher = keys
		fanout = pub
	}

	rt := router.New(l, clock, pool.Events(), engine, routerStore, cipher, fanout, sink,
		cfg.Output.BatchSize, time.Duration(cfg.Output.MaxLatencyMS)*time.Millisecond)
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		rt.Run(ctx)
	}()

	hub := push.NewHub(l, sink, rt.Downstream())
	go hub.Run(ctx)

	if tradeStore != nil && cfg.Settlement != nil {
		worker := settlement.New(l, clock, tradeStore, cfg.Settlement)
		go worker.Run(ctx)
	}

	settlementToken := ""
	if cfg.Settlement != nil {
		settlementToken = cfg.Settlement.Token
	}
	server := api.NewServer(l, pool, engine, apiStore, hub.ServeWS, settlementToken)
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- server.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Output.WebsocketPort))
	}()

	select {
	case err := <-apiErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
	}

	l.Infow("", "shutdown", "draining")
	pool.Close()
	<-routerDone
	l.Infow("", "shutdown", "complete")
	return nil
}

func logLevel(s string) int {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
