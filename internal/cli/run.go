package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/procsentry/procsentry/internal/server"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the monitoring agent",
		Long: `Poll the process table, evaluate the detection rules and emit alerts
until interrupted. SIGHUP reloads the rule document.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.Monitor.DryRun = dryRun
			}

			logger, closer, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()
			slog.SetDefault(logger)

			s, err := server.New(cfg, server.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer s.Close()

			logger.Info("procsentry started", "rules", cfg.Rules.Path, "interval", cfg.Monitor.Interval, "http", s.HTTPAddr())
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return s.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log terminations instead of performing them")
	return cmd
}
