package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jnesss/procwatch/config"
	"github.com/jnesss/procwatch/database"
	"github.com/jnesss/procwatch/monitor"
	"github.com/jnesss/procwatch/platform"
	"github.com/jnesss/procwatch/process"
	"github.com/jnesss/procwatch/sigma"
	"github.com/jnesss/procwatch/types"
	"github.com/jnesss/procwatch/web"
)

// sources builds the session's event sources. With the sim backend every
// source shares sim so that /api/simulate reaches the live one.
type sources struct {
	backend string
	opts    platform.Options
	sim     *platform.Simulated
}

func newSources(cfg *config.Config, tracker *process.Tracker, logger *slog.Logger) *sources {
	s := &sources{
		backend: cfg.Monitor.Backend,
		opts: platform.Options{
			Tracker:      tracker,
			ScanInterval: cfg.Monitor.ScanInterval,
			WaitInterval: cfg.Monitor.PollInterval,
			Logger:       logger,
		},
	}
	if s.backend == platform.BackendSim {
		s.sim = platform.NewSimulated(s.opts)
	} else if err := platform.CheckPrivileges(s.backend); err != nil {
		logger.Warn("insufficient privileges, monitoring will likely fail", "backend", s.backend, "error", err)
	}
	return s
}

func (s *sources) factory() (platform.EventSource, error) {
	if s.sim != nil {
		return s.sim.Source(), nil
	}
	return platform.New(s.backend, s.opts)
}

func newSession(cfg *config.Config, src *sources, logger *slog.Logger) *monitor.Session {
	return monitor.NewSession(src.factory,
		monitor.WithLogger(logger),
		monitor.WithPollInterval(cfg.Monitor.PollInterval),
		monitor.WithStopWarning(cfg.Monitor.StopWarning),
	)
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the monitor to websocket and HTTP clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger, target)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Process name to start monitoring immediately")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, target string) error {
	tracker, err := process.NewTracker(cfg.Tracker.Size)
	if err != nil {
		return fmt.Errorf("failed to create process tracker: %w", err)
	}

	var hubOpts []web.HubOption
	hubOpts = append(hubOpts, web.WithTracker(tracker))

	var journal *database.DB
	if cfg.Journal.Enabled {
		journal, err = database.Open(cfg.Journal.MaxEntries)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
		hubOpts = append(hubOpts, web.WithJournal(journal))
	}

	var detector *sigma.Detector
	if cfg.Rules.Dir != "" {
		detector, err = sigma.NewDetector(cfg.Rules.Dir, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize sigma detector: %w", err)
		}
		defer detector.Close()
		hubOpts = append(hubOpts, web.WithDetector(detector))
	}

	src := newSources(cfg, tracker, logger)
	session := newSession(cfg, src, logger)
	hub := web.NewHub(session, logger, hubOpts...)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	if target != "" {
		if _, err := hub.Call(ctx, types.StartMonitoring(target)); err != nil {
			return err
		}
	}

	srv := web.NewServer(hub, journal, detector, cfg.Server.AllowedOrigins, logger)
	if src.sim != nil {
		srv.EnableSimulation(src.sim)
	}
	return srv.Start(ctx, cfg.Addr())
}
