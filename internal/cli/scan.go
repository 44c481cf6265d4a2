package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/procsentry/procsentry/internal/detect"
	"github.com/procsentry/procsentry/internal/process"
	"github.com/procsentry/procsentry/internal/rules"
	"github.com/procsentry/procsentry/pkg/types"
)

// newSource and newTerminator are replaced in tests.
var (
	newSource     = func() process.Source { return process.NewPsSource() }
	newTerminator = func(grace time.Duration) detect.Terminator { return process.NewKiller(grace) }
)

func newScanCmd(opts *globalOptions) *cobra.Command {
	var (
		rulesPath   string
		enforce     bool
		jsonOut     bool
		failOnAlert bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a single detection pass and print the alerts",
		Long: `Run one polling tick against the live process table.

Terminations are only performed with --enforce.

Examples:
  # One-off check with the configured rules
  procsentry scan

  # Use a different rule document and fail when anything matches
  procsentry scan --rules ./rules.json --fail-on-alert`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if rulesPath == "" {
				rulesPath = cfg.Rules.Path
			}

			rs, err := rules.LoadFile(rulesPath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v; all checks disabled\n", err)
				rs = rules.Disabled()
			}

			logger, closer, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			sink := &collectSink{}
			grace := cfg.Monitor.EnforcementTimeoutDuration() / 2
			engine := detect.New(newSource(), rules.NewStaticStore(rs),
				detect.WithSink(sink),
				detect.WithTerminator(newTerminator(grace)),
				detect.WithLogger(logger),
				detect.WithWorkers(cfg.Monitor.Workers),
				detect.WithAttributeTimeout(cfg.Monitor.AttributeTimeoutDuration()),
				detect.WithEnforcementTimeout(cfg.Monitor.EnforcementTimeoutDuration()),
				detect.WithDryRun(!enforce),
			)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			stats, err := engine.Tick(ctx)
			if err != nil {
				return err
			}

			alerts := sink.all()
			if jsonOut {
				if err := printJSON(cmd, scanResult{Stats: stats, Alerts: alerts}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, a := range alerts {
					fmt.Fprintf(out, "%-12s pid=%-7d name=%s  %s\n", a.Category, a.PID, a.Name, a.Message)
				}
				fmt.Fprintf(out, "scanned %d processes: %d alerts, %d skipped, %d terminations (%s)\n",
					stats.Processes, stats.Alerts, stats.Skipped, stats.Enforced+stats.EnforceFailed, enforcementMode(enforce))
			}

			if failOnAlert && len(alerts) > 0 {
				return alertsFound()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rulesPath, "rules", "", "Rule document path (default: rules.path from config)")
	cmd.Flags().BoolVar(&enforce, "enforce", false, "Terminate blacklisted processes instead of reporting them")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print stats and alerts as JSON")
	cmd.Flags().BoolVar(&failOnAlert, "fail-on-alert", false, "Exit with status 1 when any alert is raised")
	return cmd
}

type scanResult struct {
	Stats  detect.TickStats `json:"stats"`
	Alerts []types.Alert    `json:"alerts"`
}

func enforcementMode(enforce bool) string {
	if enforce {
		return "enforced"
	}
	return "dry run"
}

type collectSink struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (s *collectSink) AppendAlert(_ context.Context, a types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *collectSink) all() []types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Alert{}, s.alerts...)
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
