package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sprintconnect/authsession/internal/config"
)

var version = "1.0.0"

const (
	ExitCodeSuccess      = 0
	ExitCodeError        = 1
	ExitCodeAuthRequired = 2
)

var errNotAuthenticated = errors.New("not signed in")

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if errors.Is(err, errNotAuthenticated) {
			os.Exit(ExitCodeAuthRequired)
		}
		os.Exit(ExitCodeError)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "authsession",
		Short: "Console authentication session against an OIDC backend",
		Long: `authsession signs a console user in through the backend's OIDC
endpoints, keeps the session fresh, and proxies API calls with the
session's bearer token.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate(`{{printf "authsession version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "/etc/authsession/config.yaml", "path to configuration file")

	cmd.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newRefreshCmd(opts),
		newLogoutCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
