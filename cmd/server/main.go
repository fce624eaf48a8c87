package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seabus0316/geofs-flightradar/internal/aircraft"
	"github.com/seabus0316/geofs-flightradar/internal/api"
	"github.com/seabus0316/geofs-flightradar/internal/config"
	"github.com/seabus0316/geofs-flightradar/internal/relay"
	"github.com/seabus0316/geofs-flightradar/internal/simulation"
	"github.com/seabus0316/geofs-flightradar/internal/storage/postgres"
	"github.com/seabus0316/geofs-flightradar/internal/storage/sqlite"
	"github.com/seabus0316/geofs-flightradar/internal/sweep"
	"github.com/seabus0316/geofs-flightradar/internal/track"
	"github.com/seabus0316/geofs-flightradar/internal/websocket"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting flight radar relay",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
		logger.String("storage", cfg.Storage.Type),
	)

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Server fully stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable track storage
	storage, closeStorage, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStorage()

	trackStore, err := track.NewStore(storage, track.Options{
		Budget: track.Budget{
			Min:       cfg.Tracks.MinPoints,
			Max:       cfg.Tracks.MaxPoints,
			PerMinute: cfg.Tracks.PointsPerMinute,
		},
		MaxStoredPerAircraft: cfg.Tracks.MaxStoredPerAircraft,
		WriteQueueSize:       cfg.Tracks.WriteQueueSize,
		WriteBatchSize:       cfg.Tracks.WriteBatchSize,
		CacheSize:            cfg.Tracks.HistoryCacheSize,
		Retry: track.RetryConfig{
			MaxRetries:   cfg.Tracks.StorageRetryAttempts,
			InitialDelay: time.Duration(cfg.Tracks.StorageRetryInitialMs) * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create track store: %w", err)
	}

	// History survives restarts within the retention window
	if err := trackStore.Restore(ctx, time.Now().Add(-cfg.Retention())); err != nil {
		log.Error("Failed to restore track history, starting empty", logger.Error(err))
	}

	// Session hub
	wsServer := websocket.NewServer(websocket.Options{
		SendBuffer:        cfg.Relay.ClientSendBuffer,
		FlushInterval:     time.Duration(cfg.Relay.FlushIntervalMs) * time.Millisecond,
		MaxPendingUpdates: cfg.Relay.MaxPendingUpdates,
		MessagesPerSecond: cfg.Relay.MessagesPerSecond,
		MessageBurst:      cfg.Relay.MessageBurst,
		AllowedOrigins:    cfg.Server.CORSAllowedOrigins,
	}, log)

	coordinator := relay.NewCoordinator(aircraft.NewRegistry(), trackStore, wsServer, relay.Options{
		LivenessTimeout:       cfg.LivenessTimeout(),
		HistoryWindow:         cfg.HistoryWindow(),
		HistoryChunkSize:      cfg.Relay.HistoryChunkSize,
		ClearHistoryOnTimeout: cfg.Relay.ClearHistoryOnTimeout,
		AllowCallsignIdentity: cfg.Relay.AllowCallsignIdentity,
		MagneticHeading:       cfg.Relay.MagneticHeading,
	}, log)

	// Create and set WebSocket message handler
	wsServer.SetMessageHandler(relay.NewWebSocketHandler(ctx, coordinator, log))

	scheduler := sweep.NewScheduler(coordinator, trackStore, sweep.Options{
		LivenessInterval: time.Duration(cfg.Relay.SweepIntervalSecs) * time.Second,
		PruneInterval:    time.Duration(cfg.Tracks.PruneIntervalHours) * time.Hour,
		Retention:        cfg.Retention(),
		PruneOnStart:     true,
	}, log)

	// Simulated traffic, admin-driven
	var simulationService *simulation.Service
	if cfg.Simulation.Enabled {
		simulationService = simulation.NewService(coordinator, simulation.Options{
			MaxAircraft:    cfg.Simulation.MaxAircraft,
			UpdateInterval: time.Duration(cfg.Simulation.UpdateIntervalMs) * time.Millisecond,
		}, log)
	}

	handler := api.NewHandler(coordinator, trackStore, wsServer, scheduler, simulationService, cfg, log)
	router := api.NewRouter(handler, wsServer, cfg, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		trackStore.Run(gctx)
		return nil
	})
	g.Go(func() error {
		wsServer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	if simulationService != nil {
		g.Go(func() error {
			simulationService.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", logger.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// openStorage connects the configured durable store. The memory type returns
// a nil storage and history lives only as long as the process.
func openStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (track.Storage, func(), error) {
	switch cfg.Storage.Type {
	case "sqlite":
		s, err := sqlite.NewTrackStorage(cfg.Storage.SQLitePath, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SQLite storage: %w", err)
		}
		log.Info("Using SQLite storage", logger.String("path", cfg.Storage.SQLitePath))
		return s, func() { s.Close() }, nil

	case "postgres":
		s, err := postgres.ConnectWithRetry(ctx, cfg.Storage.Postgres, 5, 2*time.Second, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		log.Info("Using PostgreSQL storage")
		return s, func() { s.Close() }, nil

	default:
		log.Warn("Using in-memory storage; track history will not survive restarts")
		return nil, func() {}, nil
	}
}
