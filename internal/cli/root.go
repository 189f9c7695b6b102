package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/0x6d61/proctor/internal/config"
	"github.com/0x6d61/proctor/internal/logging"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "proctor",
	Short: "Proctored interview session orchestrator",
	Long: `proctor - Proctored interview session orchestrator

Runs timed, AI-graded interviews while periodically checking that the
candidate in front of the camera is the one who enrolled. Repeated identity
failures or client-side violations end the interview early.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().IntP("verbose", "v", -1, "Verbosity level (0-3, overrides config)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "proctor %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

// loadConfig reads the config file named by --config and applies the
// persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.Path = db
	}
	if v, _ := cmd.Flags().GetInt("verbose"); v >= 0 {
		cfg.Log.Verbose = v
	}
	if f, _ := cmd.Flags().GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger on stderr.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(os.Stderr, cfg.Log.Verbose, cfg.Log.Format)
}
