package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/partnerflow/partnerflow/config"
	"github.com/partnerflow/partnerflow/pkg/api"
	"github.com/partnerflow/partnerflow/pkg/api/events"
	"github.com/partnerflow/partnerflow/pkg/api/handlers"
	"github.com/partnerflow/partnerflow/pkg/api/middleware"
	"github.com/partnerflow/partnerflow/pkg/audit"
	"github.com/partnerflow/partnerflow/pkg/broker"
	"github.com/partnerflow/partnerflow/pkg/coordinator"
	"github.com/partnerflow/partnerflow/pkg/envelope"
	"github.com/partnerflow/partnerflow/pkg/logger"
	"github.com/partnerflow/partnerflow/pkg/metrics"
	"github.com/partnerflow/partnerflow/pkg/onboarding"
	"github.com/partnerflow/partnerflow/pkg/saga"
	"github.com/partnerflow/partnerflow/pkg/sagalog"
	"github.com/partnerflow/partnerflow/pkg/store"
	"github.com/partnerflow/partnerflow/pkg/telemetry/tracing"
	"github.com/partnerflow/partnerflow/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	brokerType = flag.String("broker", "", "Override broker type (memory, redis)")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("starting saga coordinator",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracingShutdown, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// State snapshots. An empty snapshot path keeps saga state in memory
	// only: fine for development, no restart recovery.
	var snapshots store.Snapshots
	var stateDB *badger.DB
	if cfg.State.SnapshotPath != "" {
		stateDB, err = openBadger(cfg.State.SnapshotPath, cfg.State.SyncWrites)
		if err != nil {
			log.Error("failed to open state database", "error", err, "path", cfg.State.SnapshotPath)
			os.Exit(1)
		}
		defer stateDB.Close()

		badgerSnapshots, err := store.NewBadgerSnapshots(stateDB)
		if err != nil {
			log.Error("failed to create snapshot store", "error", err)
			os.Exit(1)
		}
		snapshots = badgerSnapshots
		log.Info("initialized state snapshots", "path", cfg.State.SnapshotPath)
	}
	sagaStore := store.NewMemoryStore(snapshots, log)

	// Audit trail.
	var trail *audit.Trail
	if cfg.Audit.FilePath != "" {
		auditDB, err := openBadger(cfg.Audit.FilePath, cfg.Audit.FsyncPolicy == "always")
		if err != nil {
			log.Error("failed to open audit database", "error", err, "path", cfg.Audit.FilePath)
			os.Exit(1)
		}
		defer auditDB.Close()

		policy, err := audit.ParseFsyncPolicy(cfg.Audit.FsyncPolicy)
		if err != nil {
			log.Error("invalid audit fsync policy", "error", err)
			os.Exit(1)
		}
		trail, err = audit.New(auditDB, audit.Options{
			Fsync:         policy,
			FlushInterval: cfg.Audit.FlushInterval,
			Logger:        log,
		})
		if err != nil {
			log.Error("failed to create audit trail", "error", err)
			os.Exit(1)
		}
		defer trail.Close()
		log.Info("initialized audit trail", "path", cfg.Audit.FilePath, "fsync", cfg.Audit.FsyncPolicy)
	}

	// Saga activity log.
	sagaLog, err := sagalog.New(sagalog.Options{
		MaxEntries: cfg.Log.MaxInMemory,
		FilePath:   cfg.Log.FilePath,
		Logger:     log,
	})
	if err != nil {
		log.Error("failed to create saga log", "error", err)
		os.Exit(1)
	}
	defer sagaLog.Close()

	// Metrics.
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)
	if metricsManager.Enabled() {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	aggregator := metrics.NewAggregator(metrics.AggregatorOptions{
		Thresholds: metrics.Thresholds{
			ErrorRate:   cfg.Metrics.Alert.ErrorRateThresholdPct / 100,
			ErrorWindow: cfg.Metrics.Alert.ErrorWindow,
			ActiveSagas: cfg.Metrics.Alert.ActiveSagasThreshold,
			StepP95:     time.Duration(cfg.Metrics.Alert.StepP95MS) * time.Millisecond,
		},
	})
	aggregator.RegisterAlertFunc(func(alert metrics.Alert) {
		log.Warn("metrics alert",
			"kind", string(alert.Kind),
			"saga_type", alert.SagaType,
			"step", alert.Step,
			"value", alert.Value,
			"threshold", alert.Threshold,
		)
	})

	// Broker transport.
	transport, closeTransport, err := buildTransport(cfg, log)
	if err != nil {
		log.Error("failed to create broker transport", "error", err)
		os.Exit(1)
	}
	defer closeTransport()

	var deadLetters broker.DeadLetterStore
	if stateDB != nil {
		deadLetters, err = broker.NewBadgerDeadLetterStore(stateDB)
		if err != nil {
			log.Error("failed to create dead-letter store", "error", err)
			os.Exit(1)
		}
	} else {
		deadLetters = broker.NewMemoryDeadLetterStore()
	}

	publisher, err := broker.NewPublisher(transport, broker.DefaultTopicTable(), broker.PublisherOptions{
		Retry: broker.RetryConfig{
			MaxAttempts:    cfg.Broker.PublishMaxRetries,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2,
		},
		Telemetry: metricsManager,
		Logger:    log,
	})
	if err != nil {
		log.Error("failed to create publisher", "error", err)
		os.Exit(1)
	}

	// Coordinator.
	sagaType := onboarding.SagaType(stepTimeoutsFromConfig(cfg.Saga.Timeouts))
	coord, err := coordinator.New(coordinator.Options{
		Types: []*saga.Type{sagaType},
		Store: sagaStore,
		Publisher: timeoutPublisher{
			inner:   publisher,
			timeout: time.Duration(cfg.Broker.PublishTimeoutMS) * time.Millisecond,
		},
		Audit:             trail,
		SagaLog:           sagaLog,
		Metrics:           metricsManager,
		Aggregator:        aggregator,
		Enricher:          onboarding.Enricher{},
		Source:            cfg.Coordinator.Source,
		Workers:           cfg.Coordinator.Workers,
		QueueSize:         cfg.Coordinator.QueueSize,
		IdempotencyWindow: cfg.Coordinator.IdempotencyWindow,
		WheelTick:         cfg.Coordinator.WheelTick,
		WheelSlots:        cfg.Coordinator.WheelSlots,
		Logger:            log,
	})
	if err != nil {
		log.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}

	if err := coord.Rehydrate(ctx); err != nil {
		log.Error("failed to rehydrate saga state", "error", err)
		os.Exit(1)
	}
	go coord.Run(ctx)

	// Live state stream: coordinator observers feed the broadcaster, a
	// bridge goroutine fans events out to websocket clients.
	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()
	coord.RegisterObserver(broadcaster.BroadcastSagaStateChanged)

	wsHandler := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.WebSocket.AllowedOrigins,
		MaxConnections: cfg.Server.WebSocket.MaxConnections,
	})
	defer wsHandler.Close()
	go forwardEvents(broadcaster, wsHandler)

	// Broker subscriptions: one shared consumer group over every topic in
	// the event space. Topics carry both the coordinator's commands and the
	// service replies, so the coordinator's own outbound events are acked
	// without dispatch.
	outbound := sagaType.OutboundEvents()
	handleEvent := func(ctx context.Context, env envelope.Envelope) broker.Result {
		if _, ok := outbound[env.EventType]; ok {
			return broker.Ack
		}
		return coord.HandleEvent(ctx, env)
	}

	subscriber := broker.NewSubscriber(transport, deadLetters, log)
	var stops []func()
	for _, topic := range broker.DefaultTopicTable().Topics() {
		stop, err := subscriber.Subscribe(ctx, topic, cfg.Broker.ConsumerGroup, handleEvent)
		if err != nil {
			log.Error("failed to subscribe", "topic", topic, "error", err)
			os.Exit(1)
		}
		stops = append(stops, stop)
	}
	log.Info("subscribed to broker topics",
		"topics", len(stops),
		"group", cfg.Broker.ConsumerGroup,
		"transport", cfg.Broker.Type,
	)

	// Retention sweep for terminal sagas.
	if cfg.Coordinator.RetentionMaxAge > 0 {
		go retentionSweep(ctx, log, sagaStore, cfg.Coordinator.RetentionMaxAge, cfg.Coordinator.RetentionInterval)
	}

	// HTTP API.
	health := &healthSource{
		store:       sagaStore,
		publisher:   publisher,
		deadLetters: deadLetters,
		sagaLog:     sagaLog,
	}
	health.ready.Store(true)

	var timelines handlers.TimelineSource
	if trail != nil {
		timelines = trail
	}
	apiHandlers := &api.Handlers{
		Saga:        handlers.NewSagaHandler(coord, timelines, log),
		Health:      handlers.NewHealthHandler(health),
		DeadLetters: handlers.NewDeadLetterHandler(deadLetters),
		WebSocket:   wsHandler,
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
	}

	httpServer := api.NewHTTPServer(api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Router: api.RouterConfig{
			RequestTimeout: cfg.Server.RequestTimeout,
			CORS: middleware.CORSConfig{
				Enabled:          cfg.Server.CORS.Enabled,
				AllowedOrigins:   cfg.Server.CORS.AllowedOrigins,
				AllowedMethods:   cfg.Server.CORS.AllowedMethods,
				AllowedHeaders:   cfg.Server.CORS.AllowedHeaders,
				ExposedHeaders:   cfg.Server.CORS.ExposedHeaders,
				AllowCredentials: cfg.Server.CORS.AllowCredentials,
				MaxAge:           cfg.Server.CORS.MaxAge,
			},
			RateLimit: middleware.RateLimitConfig{
				Enabled:           cfg.Server.RateLimit.Enabled,
				RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
				Burst:             cfg.Server.RateLimit.Burst,
			},
			TracingEnabled: cfg.Tracing.Enabled,
		},
	}, log, apiHandlers)

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	// Hot reload of the log level when a config file is in use.
	if *configPath != "" {
		go watchConfig(ctx, *configPath, log)
	}

	log.Info("saga coordinator is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"broker", cfg.Broker.Type,
	)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	health.ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	log.Info("shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down HTTP server", "error", err)
	}

	log.Info("stopping broker subscriptions")
	for _, stop := range stops {
		stop()
	}

	log.Info("draining coordinator")
	coord.Close()

	if err := tracingShutdown(shutdownCtx); err != nil {
		log.Error("error shutting down tracing", "error", err)
	}

	log.Info("saga coordinator stopped gracefully")
}

// timeoutPublisher bounds each publish attempt chain with the configured
// publish timeout.
type timeoutPublisher struct {
	inner   *broker.Publisher
	timeout time.Duration
}

func (p timeoutPublisher) Publish(ctx context.Context, env envelope.Envelope) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.inner.Publish(ctx, env)
}

// healthSource aggregates readiness and load signals for the health
// endpoints.
type healthSource struct {
	ready       atomic.Bool
	store       *store.MemoryStore
	publisher   *broker.Publisher
	deadLetters broker.DeadLetterStore
	sagaLog     *sagalog.Log
}

func (h *healthSource) HealthStatus() handlers.HealthStatus {
	status := handlers.HealthStatus{
		Ready:          h.ready.Load(),
		BrokerDegraded: h.publisher.Degraded(),
		ActiveSagas:    h.activeSagas(),
	}
	if h.sagaLog != nil {
		status.DroppedLogs = int64(h.sagaLog.Dropped())
	}
	if h.deadLetters != nil {
		if records, err := h.deadLetters.List(context.Background(), 0); err == nil {
			status.DeadLetters = len(records)
		}
	}
	return status
}

func (h *healthSource) activeSagas() int {
	all, err := h.store.List(context.Background(), store.Filter{})
	if err != nil {
		return 0
	}
	active := 0
	for _, inst := range all {
		if !inst.Status.IsTerminal() {
			active++
		}
	}
	return active
}

// forwardEvents bridges broadcaster events to websocket clients.
func forwardEvents(b *events.Broadcaster, ws *handlers.WebSocketHandler) {
	sub := b.Subscribe(64)
	for event := range sub {
		_ = ws.Broadcast(handlers.EventMessage{
			Type:      event.Type,
			Timestamp: event.Timestamp,
			Payload:   event.Payload,
		})
	}
}

// retentionSweep prunes terminal sagas older than maxAge.
func retentionSweep(ctx context.Context, log logger.Logger, sagaStore *store.MemoryStore, maxAge, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Add(-maxAge)
		all, err := sagaStore.List(ctx, store.Filter{Until: cutoff})
		if err != nil {
			log.Error("retention sweep failed to list sagas", "error", err)
			continue
		}
		pruned := 0
		for _, inst := range all {
			if !inst.Status.IsTerminal() || inst.UpdatedAt.After(cutoff) {
				continue
			}
			if err := sagaStore.Delete(ctx, inst.ID); err != nil {
				log.Warn("retention sweep failed to delete saga", "saga_id", inst.ID, "error", err)
				continue
			}
			pruned++
		}
		if pruned > 0 {
			log.Info("retention sweep pruned terminal sagas", "count", pruned, "max_age", maxAge)
		}
	}
}

// watchConfig hot-reloads the log level on config file changes.
func watchConfig(ctx context.Context, path string, log logger.Logger) {
	watcher, err := config.NewWatcher(path, config.NewLoader(), config.WithWatcherLogger(log))
	if err != nil {
		log.Warn("config watcher disabled", "error", err)
		return
	}
	defer watcher.Stop()

	watcher.OnChange(func(cfg *config.Config) {
		logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
		log.Info("applied hot-reloaded log level", "level", cfg.Log.Level)
	})

	if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
		log.Warn("config watcher stopped", "error", err)
	}
}

func buildTransport(cfg *config.Config, log logger.Logger) (broker.Transport, func() error, error) {
	switch cfg.Broker.Type {
	case "redis":
		opts, err := redis.ParseURL(cfg.Broker.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid broker url: %w", err)
		}
		client := redis.NewClient(opts)
		transport, err := broker.NewRedisTransport(client, broker.RedisTransportOptions{
			Consumer: cfg.Broker.ConsumerGroup,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return transport, client.Close, nil
	case "memory":
		transport := broker.NewMemoryTransport(broker.MemoryTransportOptions{})
		return transport, transport.Close, nil
	default:
		log.Warn("unknown broker type, using memory transport", "type", cfg.Broker.Type)
		transport := broker.NewMemoryTransport(broker.MemoryTransportOptions{})
		return transport, transport.Close, nil
	}
}

func openBadger(path string, syncWrites bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(syncWrites).
		WithLogger(nil)
	return badger.Open(opts)
}

func stepTimeoutsFromConfig(t config.TimeoutsConfig) onboarding.StepTimeouts {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return onboarding.StepTimeouts{
		PartnerRegistration:  ms(t.PartnerRegistrationMS),
		ContractCreation:     ms(t.ContractCreationMS),
		DocumentVerification: ms(t.DocumentVerificationMS),
		CampaignEnablement:   ms(t.CampaignEnablementMS),
		RecruitmentSetup:     ms(t.RecruitmentSetupMS),
	}
}

func buildOverrides() map[string]any {
	overrides := make(map[string]any)

	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *brokerType != "" {
		overrides["broker.type"] = *brokerType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("sagad - Partner Onboarding Saga Coordinator\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("sagad - coordinates the partner-onboarding saga across broker-connected services\n\n")
	fmt.Printf("Usage: sagad [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  sagad                                     # Run with default config\n")
	fmt.Printf("  sagad -config config.yaml                 # Use specific config file\n")
	fmt.Printf("  sagad -port 9090 -log-level debug         # Override specific options\n")
	fmt.Printf("  sagad -broker redis                       # Use Redis Streams transport\n")
	fmt.Printf("  sagad -version                            # Print version info\n")
}
