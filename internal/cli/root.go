package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/procsentry/procsentry/internal/config"
)

func NewRoot(version string) *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "procsentry",
		Short:         "procsentry: process monitoring and enforcement agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.envFile)
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate("procsentry {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getenvDefault("PROCSENTRY_CONFIG", ""), "Config file path (default: built-in defaults)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", getenvDefault("PROCSENTRY_ENV_FILE", ".env"), "Dotenv file loaded before the config (missing file is ignored)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newScanCmd(opts))
	cmd.AddCommand(newRulesCmd(opts))
	cmd.AddCommand(newAlertsCmd(opts))
	cmd.AddCommand(newReportCmd(opts))

	return cmd
}

type globalOptions struct {
	configPath string
	envFile    string
}

// loadConfig reads the config file when one is given and applies
// PROCSENTRY_* environment overrides either way.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.Default()
	}
	return config.Load(o.configPath)
}

// loadEnvFile populates the environment from a dotenv file. Variables already
// set in the environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
