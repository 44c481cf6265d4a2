package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/procsentry/procsentry/internal/report"
)

func newReportCmd(opts *globalOptions) *cobra.Command {
	var (
		filter alertFilter
		level  string
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize stored alerts",
		Long: `Generate a markdown report summarizing stored alerts.

Examples:
  # Summary of the last day
  procsentry report --since 24h

  # Detailed report for one process saved to file
  procsentry report --name xmrig --level detailed --output report.md`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reportLevel := report.Level(level)
			if reportLevel != report.LevelSummary && reportLevel != report.LevelDetailed {
				return fmt.Errorf("invalid level %q: must be 'summary' or 'detailed'", level)
			}
			if format != "markdown" && format != "json" {
				return fmt.Errorf("invalid format %q: must be 'markdown' or 'json'", format)
			}
			q, err := filter.query()
			if err != nil {
				return err
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openQueryStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			rpt, err := report.NewGenerator(st).Generate(cmd.Context(), q, reportLevel)
			if err != nil {
				return fmt.Errorf("generate report: %w", err)
			}

			if format == "json" {
				if output == "" {
					return printJSON(cmd, rpt)
				}
				return fmt.Errorf("--output is only supported with markdown")
			}

			md := report.FormatMarkdown(rpt)
			if output != "" {
				if err := os.WriteFile(output, []byte(md), 0o644); err != nil {
					return fmt.Errorf("write output file: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", output)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		},
	}

	filter.register(cmd)
	cmd.Flags().StringVar(&level, "level", "summary", "Report level: summary or detailed")
	cmd.Flags().StringVar(&format, "format", "markdown", "Output format: markdown or json")
	cmd.Flags().StringVar(&output, "output", "", "Output file path (default: stdout)")
	return cmd
}
