package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/insurepro/apiserver/config"
	"github.com/insurepro/apiserver/internal/db"
	"github.com/insurepro/apiserver/internal/mq"
	"github.com/insurepro/apiserver/internal/notify"
	"github.com/insurepro/apiserver/internal/store"
	"github.com/spf13/cobra"
)

const maxNotifierBackoff = 30 * time.Second

var notifierCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Deliver claim decision and password reset messages",
	Long: `Consumes claim decision and password reset events from the configured
broker and mails the customer. Requires MQ_BACKEND=rabbitmq or pubsub; the
in-memory broker runs its worker inside the server. Usage:

	insurepro notifier
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		if cfg.MQ.Backend == "" || cfg.MQ.Backend == "memory" {
			return fmt.Errorf("notifier needs an external broker, MQ_BACKEND is %q", cfg.MQ.Backend)
		}

		dbConn, err := db.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer dbConn.Close()

		claims := store.NewClaimRepository(dbConn)
		return runNotifier(cmd.Context(), cfg.MQ, claims)
	},
}

// runNotifier reconnects to the broker with exponential backoff until ctx
// is cancelled.
func runNotifier(ctx context.Context, cfg config.MQConfig, claims notify.NotifiedMarker) error {
	backoff := time.Second
	for {
		err := consumeOnce(ctx, cfg, claims)
		if ctx.Err() != nil {
			return nil
		}
		slog.Error("notifier stopped, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxNotifierBackoff)
	}
}

func consumeOnce(ctx context.Context, cfg config.MQConfig, claims notify.NotifiedMarker) error {
	broker, err := mq.Open(ctx, cfg)
	if err != nil {
		return err
	}
	if broker == nil {
		return errors.New("no broker configured")
	}
	defer broker.Close()

	slog.Info("notifier consuming", "backend", cfg.Backend)
	worker := notify.NewWorker(broker, claims, notify.LogMailer{}, slog.Default())
	if err := worker.Run(ctx); err != nil {
		return err
	}
	return errors.New("subscription ended")
}

func init() {
	rootCmd.AddCommand(notifierCmd)
}
