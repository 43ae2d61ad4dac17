package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jnesss/procwatch/config"
	"github.com/jnesss/procwatch/monitor"
	"github.com/jnesss/procwatch/process"
)

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch NAME",
		Short: "Print every creation of a process named NAME until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			return watch(cmd.Context(), cfg, logger, args[0], cmd.OutOrStdout())
		},
	}
}

func watch(ctx context.Context, cfg *config.Config, logger *slog.Logger, name string, out io.Writer) error {
	tracker, err := process.NewTracker(cfg.Tracker.Size)
	if err != nil {
		return fmt.Errorf("failed to create process tracker: %w", err)
	}

	session := newSession(cfg, newSources(cfg, tracker, logger), logger)
	defer session.Close()

	dispatcher := session.Dispatcher()
	dispatcher.OnWake(func(n monitor.Notification) {
		fmt.Fprintf(out, "%s  pid=%d  %s\n", n.Observed.Format("15:04:05.000"), n.PID, n.Name)
	})

	session.Start(name)
	logger.Info("watching for process creations", "name", name)

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
