package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/avelio/fleetwatch/internal/analytics"
	"github.com/avelio/fleetwatch/internal/api"
	"github.com/avelio/fleetwatch/internal/config"
	"github.com/avelio/fleetwatch/internal/correlator"
	"github.com/avelio/fleetwatch/internal/cron"
	"github.com/avelio/fleetwatch/internal/discovery"
	"github.com/avelio/fleetwatch/internal/leaderelection"
	"github.com/avelio/fleetwatch/internal/metrics"
	"github.com/avelio/fleetwatch/internal/registry"
	"github.com/avelio/fleetwatch/internal/store/postgres"
	"github.com/avelio/fleetwatch/internal/stream"
	syncjob "github.com/avelio/fleetwatch/internal/sync"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`fleetwatch - device health correlation engine

Usage:
  fleetwatch <command>

Commands:
  serve      Start the correlator, sync scheduler, and read API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  NATS_URL                  NATS server URL for the telemetry streams (required)
  NATS_STREAM               JetStream stream name (default: "TELEMETRY")
  REGISTRY_BASE_URL         Device registry API base URL (required)
  REGISTRY_TIMEOUT          Registry HTTP call timeout (default: "10s")
  REDIS_ADDR                Redis address for analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")

  CACHE_TTL                 Registry cache freshness window (default: "5m")
  KNOWN_SET_TTL             Known-device set refresh interval (default: "1h")
  DEVICE_BUFFER_SIZE        Per-device event buffer capacity (default: "64")
  DRAIN_TIMEOUT             Shutdown event drain timeout (default: "30s")
  LOCATION_SAMPLE_LIMIT     Location samples fetched per device (default: "10")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  CIRCUIT_BREAKER_THRESHOLD Consecutive registry failures before opening (default: "5", 0 disables)
  CIRCUIT_BREAKER_COOLDOWN  Time before a half-open probe (default: "2m")

  SYNC_ENABLED              Enable the scheduled full sync (default: "false")
  SYNC_SCHEDULE             Full sync cron expression (default: "0 */6 * * *")

  SEED_DEVICE_IDS           Comma-separated fallback device ids for discovery
  FALLBACK_DEVICE_ID        Last-resort device id when discovery finds nothing

  LEADER_ELECTION_ENABLED   Gate stream consumption behind an advisory lock (default: "false")
  LEADER_LOCK_KEY           Postgres advisory lock key (default: "911217")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("fleetwatch: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	// Metrics sink: noop unless METRICS_ENABLED.
	var metricsSink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("fleetwatch: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("fleetwatch: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("fleetwatch: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("fleetwatch: METRICS_ENABLED not set; metrics disabled")
	}

	// Connect to the telemetry streams
	source, err := stream.ConnectNATS(cfg.NATSURL, cfg.NATSStream)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to event source: %v\n", err)
		return exitRuntimeError
	}
	defer source.Close()

	// Registry client behind breaker and cache
	breaker := registry.NewBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	client := registry.NewClient(cfg.RegistryBaseURL, cfg.RegistryTimeout, breaker).
		WithMetrics(metricsSink)
	cache := registry.NewCache(client, cfg.CacheTTL).
		WithMetrics(metricsSink)

	known := correlator.NewKnownSet(store.ListDeviceIDs, cfg.KnownSetTTL)

	corr := correlator.New(store, cache, known).
		WithLocationSampleLimit(cfg.LocationSampleLimit).
		WithMetrics(metricsSink)

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		sink := analytics.NewRedisSink(redisClient, analytics.DefaultRetention)
		corr = corr.WithAnalytics(sink)
		log.Printf("fleetwatch: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("fleetwatch: REDIS_ADDR not set; analytics disabled")
	}

	// Surface operator errors (store write failures after retry) in the log.
	go func() {
		for err := range corr.Errors() {
			log.Printf("fleetwatch: OPERATOR ATTENTION: %v", err)
		}
	}()

	manager := correlator.NewManager(source, corr, cfg.DeviceBufferSize).
		WithDrainTimeout(cfg.DrainTimeout).
		WithMetrics(metricsSink)

	discoverer := discovery.New(source, discovery.Config{
		SeedDeviceIDs:    cfg.SeedDeviceIDs,
		FallbackDeviceID: cfg.FallbackDeviceID,
	})

	// Sync runner is built even when the schedule is disabled so the manual
	// POST /sync path works.
	schedule, err := cron.NewParser().Parse(cfg.SyncSchedule, "UTC")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid sync schedule: %v\n", err)
		return exitInvalidConfig
	}
	syncRunner := syncjob.New(
		syncjob.Config{
			Schedule:            schedule,
			LocationSampleLimit: cfg.LocationSampleLimit,
		},
		store,
		cache,
	).WithCache(cache).WithMetrics(metricsSink)

	// startDuties begins stream consumption and the scheduled sync; it is the
	// leader-only work. stopDuties reverses it and is safe to call twice.
	var dutiesWg sync.WaitGroup
	startDuties := func(ctx context.Context) {
		ids := discoverer.Discover(ctx)
		for _, id := range ids {
			if err := manager.Watch(ctx, id); err != nil {
				log.Printf("fleetwatch: watch %s failed: %v", id, err)
			}
		}
		log.Printf("fleetwatch: watching %d device(s)", len(manager.Watched()))

		if cfg.SyncEnabled {
			dutiesWg.Add(1)
			go func() {
				defer dutiesWg.Done()
				syncRunner.Run(ctx)
			}()
			log.Printf("fleetwatch: scheduled sync enabled (schedule=%q)", cfg.SyncSchedule)
		} else {
			log.Println("fleetwatch: SYNC_ENABLED not set; scheduled sync disabled")
		}
	}
	stopDuties := func() {
		manager.Shutdown()
		dutiesWg.Wait()
	}

	// API server
	apiHandler := api.NewHandler(store).
		WithSyncer(syncRunner).
		WithHealthChecker(db)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}
	go func() {
		log.Printf("fleetwatch: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("fleetwatch: http server error: %v", err)
		}
	}()

	dutiesCtx, cancelDuties := context.WithCancel(context.Background())

	var electorWg sync.WaitGroup
	if cfg.LeaderElectionEnabled {
		elector := leaderelection.New(
			db,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			startDuties,
			stopDuties,
		).WithMetrics(metricsSink)
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(dutiesCtx)
		}()
		log.Printf("fleetwatch: leader election enabled (lock_key=%d)", cfg.LeaderLockKey)
	} else {
		startDuties(dutiesCtx)
	}

	log.Printf("fleetwatch: started (http=%s, stream=%s)", cfg.HTTPAddr, cfg.NATSStream)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("fleetwatch: received signal %v, shutting down", received)

	// Phase 1: Stop leader duties (drains buffered events per device)
	log.Println("fleetwatch: stopping correlator...")
	cancelDuties()
	electorWg.Wait()
	if !cfg.LeaderElectionEnabled {
		stopDuties()
	}
	log.Println("fleetwatch: correlator stopped")

	// Phase 2: Close the event source
	source.Close()
	log.Println("fleetwatch: event source closed")

	// Phase 3: Stop HTTP server with graceful shutdown
	log.Println("fleetwatch: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("fleetwatch: http server shutdown error: %v", err)
	}
	log.Println("fleetwatch: http server stopped")

	// Phase 4: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("fleetwatch: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("fleetwatch: metrics server shutdown error: %v", err)
		}
		log.Println("fleetwatch: metrics server stopped")
	}

	log.Println("fleetwatch: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("fleetwatch version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
