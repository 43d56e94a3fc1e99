package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/korjavin/tutorbot/ai"
	"github.com/korjavin/tutorbot/config"
	"github.com/korjavin/tutorbot/conversation"
	"github.com/korjavin/tutorbot/logger"
)

const cleanupInterval = 5 * time.Minute

var flagConfig string

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tutorbot",
		Short: "An AI tutor that explains topics and quizzes you on them",
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file")

	cmd.AddCommand(newBotCmd())
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger every command needs
func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.LogMode, cfg.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}

func newCompleter(cfg *config.Config, log *logger.Logger) *ai.Client {
	return ai.NewClient(cfg.OpenAIAPIKey, cfg.APIBaseURL, ai.Options{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		TopP:        cfg.TopP,
		Timeout:     cfg.APITimeout,
	}, log)
}

func policy(cfg *config.Config) conversation.Policy {
	return conversation.Policy{RequireAcknowledgment: cfg.RequireAck}
}

func newRegistry(cfg *config.Config, llm conversation.Completer, log *logger.Logger) *conversation.Registry {
	p := policy(cfg)
	return conversation.NewRegistry(func() *conversation.Machine {
		return conversation.NewMachine(llm, p, log)
	}, cfg.SessionWindow, log)
}
