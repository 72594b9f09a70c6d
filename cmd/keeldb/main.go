// Package main provides the keeldb CLI entry point.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/keeldb/pkg/config"
	"github.com/orneryd/keeldb/pkg/engine"
	"github.com/orneryd/keeldb/pkg/logging"
	"github.com/orneryd/keeldb/pkg/recovery"
	"github.com/orneryd/keeldb/pkg/wal"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keeldb",
		Short: "keeldb - crash-safe versioned record storage",
		Long: `keeldb stores versioned records in fixed-size pages behind a
write-ahead log. Every page change is logged first, so a restart replays
committed work and rolls back anything left unfinished.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default: search standard locations)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keeldb v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Open the store, run crash recovery and exit",
		RunE:  runRecover,
	})

	verifyCmd := &cobra.Command{
		Use:   "verify [log-file]",
		Short: "Check write-ahead log integrity without modifying it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runVerify,
	}
	verifyCmd.Flags().Bool("json", false, "Print the report as JSON")
	rootCmd.AddCommand(verifyCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect [log-file]",
		Short: "List the records in the write-ahead log",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().Int("limit", 0, "Show at most this many records (0 = all)")
	rootCmd.AddCommand(inspectCmd)

	return rootCmd
}

// loadConfig resolves the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	return logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
}

// logPath returns the log file named in args, or the configured one.
func logPath(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return cfg.Storage.LogPath(), nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	e, result, err := engine.Open(cfg, logger)
	if err != nil {
		if recovery.IsFatal(err) {
			// The store must not be used until an operator looks at it.
			logger.WithError(err).Fatal("recovery failed")
		}
		return err
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "recovered %s in %s\n", cfg.Storage.DataDir, result.Duration)
	fmt.Fprintf(out, "  run:     %s\n", result.RunID)
	fmt.Fprintf(out, "  summary: %s\n", result.Summary())
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	path, err := logPath(cmd, args)
	if err != nil {
		return err
	}
	report, err := wal.CheckIntegrity(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		status := "healthy"
		if !report.Healthy {
			status = "CORRUPT"
		}
		fmt.Fprintf(out, "%s: %s\n", report.Path, status)
		fmt.Fprintf(out, "  size:      %d bytes (%d valid, %d bad tail)\n",
			report.FileSize, report.ValidBytes, report.BadTailBytes)
		fmt.Fprintf(out, "  records:   %d\n", report.Records)
		fmt.Fprintf(out, "  checksum:  stored %#08x, computed %#08x\n",
			report.StoredChecksum, report.ComputedChecksum)
		fmt.Fprintf(out, "  digest:    %s\n", report.Digest)
		for _, msg := range report.Errors {
			fmt.Fprintf(out, "  error:     %s\n", msg)
		}
	}

	if !report.Healthy {
		return fmt.Errorf("log %s failed verification", path)
	}
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	path, err := logPath(cmd, args)
	if err != nil {
		return err
	}
	payloads, err := wal.ReadPayloads(path)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	if limit > 0 && limit < len(payloads) {
		payloads = payloads[:limit]
	}

	tw := tablewriter.NewWriter(cmd.OutOrStdout())
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"#", "type", "xid", "page", "offset", "bytes", "detail"})
	for i, payload := range payloads {
		tw.Append(recordRow(i, payload))
	}
	tw.Render()
	return nil
}

// recordRow renders one log payload as a table row.
func recordRow(i int, payload []byte) []string {
	rec, err := wal.Decode(payload)
	if err != nil {
		return []string{strconv.Itoa(i), "?", "", "", "", strconv.Itoa(len(payload)), err.Error()}
	}

	row := []string{
		strconv.Itoa(i),
		rec.Type().String(),
		strconv.FormatUint(rec.XID(), 10),
		strconv.FormatUint(uint64(rec.PageNumber()), 10),
	}
	switch r := rec.(type) {
	case *wal.InsertRecord:
		row = append(row, strconv.Itoa(int(r.Offset)), strconv.Itoa(len(r.Raw)), preview(r.Raw))
	case *wal.UpdateRecord:
		row = append(row, strconv.Itoa(int(r.Offset)), strconv.Itoa(len(r.NewRaw)),
			preview(r.OldRaw)+" -> "+preview(r.NewRaw))
	}
	return row
}

func preview(b []byte) string {
	const n = 12
	if len(b) > n {
		return hex.EncodeToString(b[:n]) + "..."
	}
	return hex.EncodeToString(b)
}
