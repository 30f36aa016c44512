package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/guardrail/config"
	"github.com/angeloszaimis/guardrail/pkg/logger"
)

type rootOptions struct {
	configPath string
	addSource  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "guardrail",
		Short: "Circuit-breaker-guarded clients for moderation, compliance and age verification",
		Long: `guardrail fronts the moderation, compliance and age verification services
with per-dependency circuit breakers. Moderation and age verification fail
closed, compliance logging never blocks the caller.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default ./config/config.yaml or ./config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.addSource, "log-source", true, "include source locations in log records")

	cmd.AddCommand(
		newServeCmd(opts),
		newProbeCmd(opts),
		newModerateCmd(opts),
		newAgeCmd(opts),
	)

	return cmd
}

// load reads configuration and builds the process logger. Logs go to stderr
// so command output on stdout stays machine readable.
func (o *rootOptions) load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.NewWithWriter(stderr, cfg.Logging.Level, o.addSource, cfg.Server.Environment)
	slog.SetDefault(log)

	return cfg, log, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
