package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/korjavin/tutorbot/bot"
	"github.com/korjavin/tutorbot/database"
)

func newBotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram tutor bot",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.ValidateBot(); err != nil {
		return err
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	registry := newRegistry(cfg, newCompleter(cfg, log), log)

	b, err := bot.New(cfg.BotToken, cfg.Debug, db, registry, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go registry.RunCleanup(ctx, cleanupInterval)

	log.Info("bot initialized", "model", cfg.Model, "require_ack", cfg.RequireAck)
	b.Start(ctx)
	log.Info("bot stopped")
	return nil
}
