package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/broadcast"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/logger"
	"live-quiz-service/internal/scoring"
	transport "live-quiz-service/internal/transport/http"
	"live-quiz-service/internal/worker"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("closing backends", "error", err)
		}
	}()

	flusher := worker.NewFlusher(b.scores, b.archive, worker.Options{
		Interval: config.DurationOr(cfg.Flush.Interval, 5*time.Second),
		Retries:  cfg.Flush.Retries,
	}, log)

	service := app.NewService(app.Deps{
		Games:   b.games,
		Scores:  b.scores,
		States:  b.states,
		Rooms:   b.rooms,
		Router:  broadcast.NewRouter(cfg.Session.SubscriberBuffer, log),
		Scorer:  scoring.NewEngine(scoringPolicy(cfg.Scoring)),
		Events:  b.eventSink(),
		Flusher: flusher,
		Log:     log,
	}, app.Settings{
		TimerTick:           config.DurationOr(cfg.Session.TimerTick, time.Second),
		DefaultQuestionTime: config.DurationOr(cfg.Scoring.DefaultTimeLimit, 30*time.Second),
		StoreRetries:        cfg.Session.StoreRetries,
		LeaderboardSize:     cfg.Session.LeaderboardSize,
		EndFlushTimeout:     config.DurationOr(cfg.Session.EndFlushTimeout, 5*time.Second),
	})

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           transport.NewRouter(service, transport.NewWSHandler(service, log), log),
		ReadHeaderTimeout: 15 * time.Second,
	}

	flusher.Start(ctx)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting live quiz service", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DurationOr(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	service.Shutdown(shutdownCtx)
	flusher.Stop(shutdownCtx)
	return nil
}

func scoringPolicy(cfg config.Scoring) scoring.Policy {
	return scoring.Policy{
		BasePoints:       cfg.BasePoints,
		MinPointsRatio:   cfg.MinPointsRatio,
		DefaultTimeLimit: config.DurationOr(cfg.DefaultTimeLimit, 30*time.Second),
		PartialCredit:    cfg.PartialCredit,
	}
}
