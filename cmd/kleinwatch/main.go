package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matthewjhunter/kleinwatch"
	"github.com/matthewjhunter/kleinwatch/internal/config"
	"github.com/matthewjhunter/kleinwatch/internal/logger"
	"github.com/matthewjhunter/kleinwatch/internal/metrics"
	"github.com/matthewjhunter/kleinwatch/internal/notify"
	"github.com/matthewjhunter/kleinwatch/internal/output"
)

var version = "dev"

var (
	configPath   string
	cfg          *config.Config
	outputFormat string
	log          logger.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "kleinwatch",
		Short:         "Watch Kleinanzeigen car searches and send new listings to Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path, .yaml or .toml (default: "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "human", "output format: json, text, human")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(subscribersCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(unsubscribeCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(initConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configPath == "" {
		configPath = config.DefaultPath
	}
	switch output.Format(outputFormat) {
	case output.FormatJSON, output.FormatText, output.FormatHuman:
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}

	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = c

	l, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	log = l
	return nil
}

func formatter() *output.Formatter {
	return output.NewFormatter(output.Format(outputFormat))
}

// offlineNotifier stands in for Telegram in commands that never deliver.
type offlineNotifier struct{}

func (offlineNotifier) SendMessage(context.Context, int64, string) bool { return false }

// telegram pairs the Bot API client with the notifier built on it.
type telegram struct {
	bot    *telego.Bot
	sender *notify.Telegram
}

// openEngine builds the engine. With withBot the Telegram token is required
// and messages are really delivered; otherwise tg is nil.
func openEngine(withBot bool, m *metrics.Metrics) (*kleinwatch.Engine, *telegram, error) {
	var n kleinwatch.Notifier = offlineNotifier{}
	var tg *telegram
	if withBot {
		if err := cfg.ValidateBot(); err != nil {
			return nil, nil, err
		}
		b, err := notify.NewBot(cfg.Telegram.Token, "", log)
		if err != nil {
			return nil, nil, err
		}
		tg = &telegram{bot: b, sender: notify.NewTelegram(b, cfg.HTTP.Timeout, log)}
		n = tg.sender
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	engine, err := kleinwatch.New(cfg, n, log, m)
	if err != nil {
		return nil, nil, err
	}
	log.Debug("engine ready", zap.String("database", cfg.Database.Path), zap.Bool("bot", withBot))
	return engine, tg, nil
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := writeDefaultConfig(configPath); err != nil {
				return err
			}
			fmt.Printf("Created default config at %s\n", configPath)
			return nil
		},
	}
}

func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	data, err := config.Marshal(path, config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
