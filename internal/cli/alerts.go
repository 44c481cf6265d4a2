package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/procsentry/procsentry/internal/api"
	"github.com/procsentry/procsentry/internal/config"
	"github.com/procsentry/procsentry/internal/store"
	"github.com/procsentry/procsentry/internal/store/jsonl"
	"github.com/procsentry/procsentry/internal/store/sqlite"
	"github.com/procsentry/procsentry/pkg/types"
)

type alertFilter struct {
	categories string
	pid        int
	name       string
	since      string
	until      string
}

func (f *alertFilter) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.categories, "category", "", "Comma-separated categories (blacklist,path,cpu,memory,parent_child,network)")
	cmd.Flags().IntVar(&f.pid, "pid", 0, "Filter by pid")
	cmd.Flags().StringVar(&f.name, "name", "", "Case-insensitive substring of the process name")
	cmd.Flags().StringVar(&f.since, "since", "", "Start time (RFC3339) or duration (e.g. 1h)")
	cmd.Flags().StringVar(&f.until, "until", "", "End time (RFC3339) or duration (e.g. 5m)")
}

func (f *alertFilter) query() (types.AlertQuery, error) {
	q := types.AlertQuery{PID: f.pid, NameLike: f.name}
	if f.categories != "" {
		for _, s := range strings.Split(f.categories, ",") {
			c, ok := types.ParseCategory(strings.TrimSpace(s))
			if !ok {
				return q, fmt.Errorf("unknown category %q", s)
			}
			q.Categories = append(q.Categories, c)
		}
	}
	if f.since != "" {
		t, err := api.ParseTimeOrAgo(f.since)
		if err != nil {
			return q, fmt.Errorf("invalid --since: %w", err)
		}
		q.Since = &t
	}
	if f.until != "" {
		t, err := api.ParseTimeOrAgo(f.until)
		if err != nil {
			return q, fmt.Errorf("invalid --until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

// openQueryStore opens the configured queryable store without starting any
// forwarding side effects. SQLite is preferred over the JSONL log.
func openQueryStore(cfg *config.Config) (store.AlertStore, error) {
	if cfg.Alerts.SQLitePath != "" {
		return sqlite.Open(cfg.Alerts.SQLitePath)
	}
	if cfg.Alerts.Log.Path != "" {
		return jsonl.New(cfg.Alerts.Log.Path, cfg.Alerts.Log.Rotation.MaxSizeMB, cfg.Alerts.Log.Rotation.MaxBackups)
	}
	return nil, fmt.Errorf("no queryable alert store configured")
}

func newAlertsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Query stored alerts",
	}

	var (
		filter  alertFilter
		limit   int
		offset  int
		order   string
		jsonOut bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if order != "asc" && order != "desc" {
				return fmt.Errorf("invalid --order %q: must be asc or desc", order)
			}
			q, err := filter.query()
			if err != nil {
				return err
			}
			q.Limit, q.Offset, q.Asc = limit, offset, order == "asc"

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openQueryStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			alerts, err := st.QueryAlerts(cmd.Context(), q)
			if err != nil {
				return err
			}
			if jsonOut {
				if alerts == nil {
					alerts = []types.Alert{}
				}
				return printJSON(cmd, alerts)
			}
			out := cmd.OutOrStdout()
			for _, a := range alerts {
				fmt.Fprintf(out, "%s  %-12s pid=%-7d name=%s  %s\n",
					a.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), a.Category, a.PID, a.Name, a.Message)
			}
			if len(alerts) == 0 {
				fmt.Fprintln(out, "no alerts")
			}
			return nil
		},
	}
	filter.register(listCmd)
	listCmd.Flags().IntVar(&limit, "limit", 200, "Result limit")
	listCmd.Flags().IntVar(&offset, "offset", 0, "Result offset")
	listCmd.Flags().StringVar(&order, "order", "desc", "Sort order: asc|desc")
	listCmd.Flags().BoolVar(&jsonOut, "json", false, "Print alerts as JSON")

	cmd.AddCommand(listCmd)
	return cmd
}
