package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/dvloznov/phone-usage-tracker/internal/api/handlers"
	"github.com/dvloznov/phone-usage-tracker/internal/api/middleware"
	"github.com/dvloznov/phone-usage-tracker/internal/config"
	"github.com/dvloznov/phone-usage-tracker/internal/jobs"
	"github.com/dvloznov/phone-usage-tracker/internal/jobs/inmemory"
	"github.com/dvloznov/phone-usage-tracker/internal/logger"
)

// runTimeout bounds one queued reconciliation attempt.
const runTimeout = 5 * time.Minute

func runServe(log zerolog.Logger, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.String("port", cfg.Server.Port, "HTTP server port")
	fs.Parse(args)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.Server.Token == "" {
		log.Warn().Msg("No TRIGGER_TOKEN configured - trigger endpoints are unauthenticated")
	}

	log = logger.WithFields(log, map[string]interface{}{
		"component": "server",
		"goal":      cfg.Beeminder.GoalSlug,
	})
	ctx := logger.WithContext(context.Background(), log)
	clock := quartz.NewReal()

	d, err := openDeps(ctx, cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer d.Close(log)

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, jobStore, clock)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if err := jobQueue.Start(workerCtx, runJobHandler(d)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      newRouter(log, cfg, d, jobQueue, jobStore),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Msg("Starting trigger server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let an in-flight run finish before the worker context goes away.
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}

// runJobHandler runs one queued trigger through the reconciler.
func runJobHandler(d *deps) jobs.JobHandler {
	return func(ctx context.Context, job *jobs.RunJob) error {
		ctx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()

		date := job.Date
		report, err := d.reconciler(job.DryRun).Run(ctx, &date)
		if report != nil {
			job.RunID = report.RunID
		}
		return err
	}
}

func newRouter(log zerolog.Logger, cfg config.Config, d *deps, publisher jobs.Publisher, jobStore jobs.JobStore) http.Handler {
	runsHandler := handlers.NewRunsHandler(publisher, jobStore, cfg.Location, d.clock, cfg.Server.RunRetries, log)
	stateHandler := handlers.NewStateHandler(d.store, cfg.Location, d.clock, log)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/runs", runsHandler.TriggerRun)
	mux.HandleFunc("GET /api/runs", runsHandler.ListRuns)
	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		runsHandler.GetRun(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("GET /api/state", stateHandler.GetState)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   d.clock.Now().Format(time.RFC3339),
		})
	})

	return middleware.Recovery(log)(
		middleware.RequestID(
			middleware.Logger(log)(
				middleware.Auth(cfg.Server.Token, "/health")(mux),
			),
		),
	)
}
