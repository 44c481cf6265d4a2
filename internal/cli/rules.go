package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/procsentry/procsentry/internal/rules"
)

func newRulesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect detection rule documents",
	}

	// resolve picks the document from the argument or the config.
	resolve := func(args []string) (string, error) {
		if len(args) == 1 {
			return args[0], nil
		}
		cfg, err := opts.loadConfig()
		if err != nil {
			return "", err
		}
		return cfg.Rules.Path, nil
	}

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Check that a rule document loads",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve(args)
			if err != nil {
				return err
			}
			rs, err := rules.LoadFile(path)
			if err != nil {
				return badRules(err)
			}
			enabled := rs.EnabledCategories()
			if len(enabled) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (no checks enabled)\n", path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (enabled: %v)\n", path, enabled)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [path]",
		Short: "Print the effective rules as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve(args)
			if err != nil {
				return err
			}
			rs, err := rules.LoadFile(path)
			if err != nil {
				return badRules(err)
			}
			return printJSON(cmd, rs.Summary())
		},
	}

	cmd.AddCommand(validateCmd, showCmd)
	return cmd
}
