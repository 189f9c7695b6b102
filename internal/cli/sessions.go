package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/0x6d61/proctor/internal/config"
	"github.com/0x6d61/proctor/internal/engine"
	"github.com/0x6d61/proctor/internal/llm"
	"github.com/0x6d61/proctor/internal/report"
	"github.com/0x6d61/proctor/internal/session"
	"github.com/0x6d61/proctor/internal/transport"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored interview sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Print the summary of a stored interview session",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished sessions older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a configuration file with the default settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(sessionsCmd, reportCmd, pruneCmd, configCmd)
	configCmd.AddCommand(configInitCmd)

	sessionsCmd.Flags().String("user", "", "Only sessions of this user")
	sessionsCmd.Flags().String("status", "", "Only sessions in this status (in_progress, completed, terminated)")
	sessionsCmd.Flags().Int("limit", 50, "Maximum number of sessions")
	sessionsCmd.Flags().StringP("format", "f", "text", "Output format (text, json)")

	reportCmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
	reportCmd.Flags().StringP("output", "o", "", "Output file path")
	reportCmd.Flags().Bool("narrate", false, "Generate the narrative with the configured LLM")

	pruneCmd.Flags().Duration("older-than", 0, "Age threshold (default: retain_days from config)")

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

// openStore loads the configuration and opens the session store.
func openStore(cmd *cobra.Command) (*config.Config, *session.SQLiteStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := session.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session store %q: %w", cfg.Database.Path, err)
	}
	return cfg, store, nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")

	_, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(cmd.Context(), session.Filter{
		UserID: user,
		Status: engine.Status(status),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch strings.ToLower(format) {
	case "json":
		if list == nil {
			list = []*session.Summary{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	case "text":
	default:
		return fmt.Errorf("unsupported output format: %q", format)
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tTYPE\tSTATUS\tANSWERED\tAVG\tUPDATED")
	for _, s := range list {
		status := string(s.Status)
		if s.TerminationReason != "" {
			status += " (" + string(s.TerminationReason) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%.1f\t%s\n",
			s.ID, s.UserID, s.InterviewType, status, s.Answered, s.Total, s.AverageScore,
			s.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runReport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	outputPath, _ := cmd.Flags().GetString("output")
	narrate, _ := cmd.Flags().GetBool("narrate")

	reporter, err := report.New(format)
	if err != nil {
		return err
	}

	cfg, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.LoadByID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %q not found", args[0])
	}

	var completer llm.Completer
	if narrate {
		client, err := transport.NewClient(transport.ClientOptions{
			Timeout:   seconds(cfg.LLM.Timeout),
			UserAgent: "proctor/" + version,
		})
		if err != nil {
			return fmt.Errorf("failed to create HTTP client: %w", err)
		}
		if c := llm.NewClient(client, cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model); c.Configured() {
			completer = c
		}
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	sum := report.Build(sess)
	report.NewNarrator(completer, cfg.LLM.Model, logger).Narrate(cmd.Context(), sum)

	if tr, ok := reporter.(*report.TextReporter); ok {
		tr.Verbose = max(cfg.Log.Verbose, 1)
	}

	out := cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file %q: %w", outputPath, err)
		}
		defer f.Close()
		out = f
	}
	if err := reporter.Generate(cmd.Context(), sum, out); err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	cfg, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if olderThan <= 0 {
		olderThan = time.Duration(cfg.Interview.RetainDays) * 24 * time.Hour
	}
	if olderThan <= 0 {
		return fmt.Errorf("retention period must be positive (use --older-than)")
	}

	n, err := store.Cleanup(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[*] Pruned %d session(s) older than %s\n", n, olderThan)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Write(path, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[*] Wrote %s\n", path)
	return nil
}
