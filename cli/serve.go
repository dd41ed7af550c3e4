package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/reflow-labs/reflow"
	"github.com/reflow-labs/reflow/bus"
	"github.com/reflow-labs/reflow/config"
	"github.com/reflow-labs/reflow/loader"
	reflowotel "github.com/reflow-labs/reflow/otel"
	"github.com/reflow-labs/reflow/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to reflow.yaml")
	cmd.Flags().String("addr", "", "Listen address (overrides configuration)")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Duration("schedule-poll", 5*time.Second, "Schedule poll interval")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	addr, _ := cmd.Flags().GetString("addr")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	schedulePoll, _ := cmd.Flags().GetDuration("schedule-poll")

	cfg, err := config.Load(configPath)
	if err != nil {
		return exitError(exitRuntime, "loading configuration: %v", err)
	}
	if addr == "" {
		addr = cfg.ListenAddr
	}
	logger := slog.Default()

	cat, closeCatalog, err := openCatalog(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeCatalog()

	if cfg.SeedDir != "" {
		if err := loader.Seed(cmd.Context(), cat, cfg.SeedDir); err != nil {
			return exitError(exitValidation, "seeding catalog: %v", err)
		}
	}

	eventStore, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: cfg.EventsDSN})
	if err != nil {
		return fmt.Errorf("opening sqlite event store: %w", err)
	}
	defer func() {
		_ = eventStore.Close()
	}()

	eventBus := bus.NewMemBus(bus.MemBusConfig{})
	storeSubscriber := bus.NewStoreSubscriber(eventStore, logger)

	// Observability: trace + metric bridges for engine events, with
	// trace ids stamped into the events fanned out to subscribers.
	var tracing *reflowotel.TracingHandler
	var metrics *reflowotel.MetricsHandler
	if cfg.Observability.Enabled {
		shutdown, err := reflowotel.Setup(cmd.Context(), reflowotel.SetupConfig{
			Endpoint:    cfg.Observability.Endpoint,
			ServiceName: cfg.Observability.ServiceName,
			Insecure:    true,
		})
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()

		tracing = reflowotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("reflow"))
		metrics, err = reflowotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("reflow"))
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
	}

	fanout := reflow.EventEmitter(func(event reflow.Event) {
		storeSubscriber.Handle(event)
		eventBus.Publish(event)
	})
	if tracing != nil {
		fanout = reflowotel.EnrichEmitter(fanout, tracing)
	}
	handler := reflow.EventHandler(func(event reflow.Event) {
		if tracing != nil {
			tracing.Handle(event)
		}
		if metrics != nil {
			metrics.Handle(event)
		}
		fanout(event)
	})

	engine, err := BuildEngine(cmd.Context(), EngineConfig{
		Config:  cfg,
		Catalog: cat,
		Handler: handler,
		Logger:  logger,
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		return exitError(exitRuntime, "building engine: %v", err)
	}
	defer engine.Close()

	apiServer := server.NewServer(server.Config{
		Orchestrator: engine.Orchestrator,
		Catalog:      cat,
		EventStore:   eventStore,
		Bus:          eventBus,
		CORSOrigin:   corsOrigin,
		MaxBody:      maxBody,
		Logger:       logger,
	})

	scheduler, err := server.NewScheduler(server.SchedulerConfig{
		Orchestrator: engine.Orchestrator,
		Store:        server.NewMemScheduleStore(),
		PollInterval: schedulePoll,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = scheduler.Stop(stopCtx)
	}()

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "reflow listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		_ = eventBus.Close()
		return nil
	case err := <-errCh:
		_ = eventBus.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
