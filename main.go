package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jnesss/procwatch/config"
	"github.com/jnesss/procwatch/platform"
)

type globalFlags struct {
	configFile string
	backend    string
	logLevel   string
	logFormat  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "procwatch",
		Short: "Report process creations matching a name",
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&flags.backend, "backend", "", "Event source: "+strings.Join(append(platform.Backends(), platform.BackendAuto, platform.BackendSim), ", "))
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newWatchCmd(flags))
	root.AddCommand(newBackendsCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true
	return root
}

// load reads the config file and applies flag overrides.
func (f *globalFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, nil, err
	}
	if f.backend != "" {
		cfg.Monitor.Backend = f.backend
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the event sources available on this platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def := platform.DefaultBackend()
			for _, name := range append(platform.Backends(), platform.BackendSim) {
				marker := ""
				if name == def {
					marker = " (default)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", name, marker)
			}
			return nil
		},
	}
}
