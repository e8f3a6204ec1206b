package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"live-quiz-service/internal/config"
	"live-quiz-service/internal/logger"
	"live-quiz-service/internal/worker"
)

// NewFlushCmd runs one durable flush cycle and exits.
func NewFlushCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Copy changed scores from Redis into Postgres once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" || cfg.Postgres.URL == "" {
				return errors.New("flush needs both redis.addr and postgres.url")
			}
			log := logger.New(cfg.Log)

			b, err := openBackends(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer b.Close()

			flusher := worker.NewFlusher(b.scores, b.archive, worker.Options{Retries: cfg.Flush.Retries}, log)
			n, err := flusher.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("flush finished", "games", n)
			return nil
		},
	}
}
