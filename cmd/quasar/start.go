package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/cache"
	"github.com/quasarcache/quasar/internal/config"
	"github.com/quasarcache/quasar/internal/dispatch"
	"github.com/quasarcache/quasar/internal/health"
	"github.com/quasarcache/quasar/internal/logging"
	"github.com/quasarcache/quasar/internal/membership"
	"github.com/quasarcache/quasar/internal/metrics"
	"github.com/quasarcache/quasar/internal/observability"
	"github.com/quasarcache/quasar/internal/peerproto"
	"github.com/quasarcache/quasar/internal/pool"
	"github.com/quasarcache/quasar/internal/protocol"
	"github.com/quasarcache/quasar/internal/redistribute"
	"github.com/quasarcache/quasar/internal/replication"
	"github.com/quasarcache/quasar/internal/store"
	"github.com/spf13/cobra"
)

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the gateway (default action)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
	return cmd
}

func runStart() error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	logging.SetLevelFromString(cfg.Logging.Level)
	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

	ctx := context.Background()
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.TracingEnabled,
		Exporter:    cfg.Observability.TracingExporter,
		Endpoint:    cfg.Observability.TracingEndpoint,
		ServiceName: cfg.Observability.TracingServiceName,
		SampleRate:  cfg.Observability.TracingSampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Observability.MetricsEnabled {
		metrics.InitPrometheus(cfg.Observability.MetricsNamespace, nil)
	}

	var pgStore *store.PostgresStore
	if cfg.PostgresDSN != "" {
		s, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			logging.Op().Warn("postgres store unavailable, audit persistence disabled", "error", err)
		} else {
			pgStore = s
			defer pgStore.Close()
		}
	}

	var snapshotCache *cache.SnapshotCache
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cache.RedisCacheConfig{Addr: cfg.RedisAddr})
		tiered := cache.NewTieredCache(cache.NewInMemoryCache(), redisCache, cfg.ProbeCacheTTL)
		snapshotCache = cache.NewSnapshotCache(tiered)
		defer redisCache.Close()
	}

	fleet := backend.NewFleet(cfg.Replications)
	if cfg.ServerFile != "" {
		entries, err := config.LoadServerFile(cfg.ServerFile)
		if err != nil {
			return fmt.Errorf("load server file: %w", err)
		}
		for _, e := range entries {
			fleet.AddNode(backend.NewNode(e.IP, e.Port, e.ScaleFactor))
		}
	} else if pgStore != nil {
		nodes, err := pgStore.ListFleetNodes(ctx)
		if err != nil {
			logging.Op().Warn("failed to seed fleet from postgres", "error", err)
		}
		for _, n := range nodes {
			fleet.AddNode(backend.NewNode(n.IP, n.Port, n.ScaleFactor))
		}
	}

	var friends []string
	if cfg.FriendFile != "" {
		f, err := config.LoadFriendFile(cfg.FriendFile)
		if err != nil {
			return fmt.Errorf("load friend file: %w", err)
		}
		friends = f
	}

	poolCfg := pool.Config{
		InitConns:      cfg.PoolInitConns,
		ExtConns:       cfg.PoolExtConns,
		ExtReleaseTime: cfg.PoolExtReleaseTime,
		WaitTime:       cfg.PoolWaitTime,
		DialTimeout:    cfg.DatastoreTimeout,
	}
	dispatcher := dispatch.New(fleet, poolCfg, cfg.ReplicationThreads, cfg.LockWaitTime)

	repl := replication.New(dispatcher, replication.Config{
		Workers:    cfg.ReplicationThreads,
		QueueDepth: 1024,
		DelayTime:  cfg.ReplicationDelayTime,
		OpTimeout:  cfg.DatastoreTimeout,
	})
	repl.Start()
	defer repl.Stop()

	redistributor := redistribute.New(fleet, dispatcher)
	peerClient := peerproto.NewClient(cfg.DatastoreTimeout)
	coordinator := membership.New(fleet, friends, peerClient, redistributor.Run)
	if pgStore != nil {
		coordinator.SetStore(pgStore)
	}
	if snapshotCache != nil {
		coordinator.SetSnapshotCache(snapshotCache)
	}

	checker := health.New(fleet, health.Config{
		Interval:      cfg.ActiveCheckInterval,
		Timeout:       cfg.DatastoreTimeout,
		AutoDetach:    cfg.AutoDetach,
		Detach:        coordinator.RemoveServer,
		Snapshot:      snapshotCache,
		ProbeCacheTTL: cfg.ProbeCacheTTL,
	}, nil)
	go checker.Run(ctx)
	defer checker.Stop()

	if pgStore != nil {
		go recordCounterSnapshots(ctx, fleet, pgStore, cfg.ActiveCheckInterval)
	}

	peerLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.InformedPort))
	if err != nil {
		return fmt.Errorf("listen peer port: %w", err)
	}
	go func() {
		if err := peerproto.Serve(peerLn, coordinator); err != nil {
			logging.Op().Warn("peer listener stopped", "error", err)
		}
	}()
	defer peerLn.Close()

	if cfg.Observability.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.PrometheusHandler())
		mux.Handle("/debug/metrics", metrics.Global().JSONHandler())
		srv := &http.Server{Addr: ":9090", Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Op().Warn("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	front := protocol.New(protocol.Deps{
		Fleet:       fleet,
		Dispatcher:  dispatcher,
		Replication: repl,
		Coordinator: coordinator,
	})

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := front.ListenAndServe(fmt.Sprintf(":%d", cfg.PortNo), cfg.Backlog); err != nil {
			logging.Op().Warn("client front-end stopped", "error", err)
		}
	}()

	logging.Op().Info("quasar gateway started", "port", cfg.PortNo, "peer_port", cfg.InformedPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logging.Op().Info("shutdown signal received")
		front.Close()
	case <-serveDone:
		logging.Op().Info("client front-end closed, shutting down")
	}
	return nil
}

// recordCounterSnapshots periodically persists every node's cumulative
// operation counters to the durable store, giving an operator a
// longer-retention view than the in-process metrics ring buffer keeps.
func recordCounterSnapshots(ctx context.Context, fleet *backend.Fleet, s *store.PostgresStore, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range fleet.List() {
				sets, gets, deletes, errs := n.Counters.Snapshot()
				snap := store.NodeCounterSnapshot{
					NodeID:  n.ID,
					Gets:    gets,
					Sets:    sets,
					Deletes: deletes,
					Errors:  errs,
				}
				if err := s.RecordCounterSnapshot(ctx, snap); err != nil {
					logging.Op().Warn("failed to record counter snapshot", "node", n.ID, "error", err)
				}
			}
		}
	}
}
