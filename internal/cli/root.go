// Package cli implements the fableloom CLI commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fableloom/fableloom/internal/app"
	"github.com/fableloom/fableloom/internal/config"
)

var (
	configPath  string
	sessionFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "fableloom",
	Short: "AI-assisted interactive fiction engine",
	Long: "Fableloom runs collaborative stories with an LLM narrator, persistent\n" +
		"semantic memory, and hierarchical compaction of past scenes.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
	RootCmd.PersistentFlags().StringVarP(&sessionFlag, "session", "s", "", "Session ID to resume (default: start a fresh session)")
}

// buildApp loads configuration, configures logging, and wires the
// application. Callers own the returned App and must Close it.
func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found — copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	var opts []app.Option
	if sessionFlag != "" {
		opts = append(opts, app.WithSessionID(sessionFlag))
	}
	return app.New(ctx, cfg, opts...)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
