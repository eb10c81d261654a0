package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/weft-project/weft/errors"
	"github.com/weft-project/weft/identityfile"
	"github.com/weft-project/weft/logger"
)

// QueueCmd groups subcommands for inspecting the identity file queue
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the on-disk identity file queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// QueueStatsCmd shows queue and processed-file statistics
var QueueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and processing statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		queue, err := identityfile.OpenDiskQueue(cfg.Queue.Dir, logger.Logger)
		if err != nil {
			return errors.Wrapf(err, "failed to open queue at %s", cfg.Queue.Dir)
		}
		qs := queue.Stats()

		pterm.Info.Printf("Queue (%s):\n", cfg.Queue.Dir)
		pterm.Printf("  Queued:     %d\n", qs.Queued)
		pterm.Printf("  Processing: %d\n", qs.Processing)
		pterm.Printf("  Failed:     %d\n", qs.Failed)

		database, err := openDatabase(cfg, "")
		if err != nil {
			return err
		}
		defer database.Close()

		ps, err := identityfile.NewStore(database).Stats()
		if err != nil {
			return errors.Wrap(err, "failed to read processed-file stats")
		}

		pterm.Println()
		pterm.Info.Printf("Processed-file log (%s):\n", cfg.Database.Path)
		pterm.Printf("  Processed:    %d\n", ps.Processed)
		pterm.Printf("  Failed:       %d\n", ps.Failed)
		pterm.Printf("  Avg duration: %.1fms\n", ps.AvgDurationMs)

		return nil
	},
}

// QueueRecentCmd lists recently processed identity files
var QueueRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently processed identity files",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		database, err := openDatabase(cfg, "")
		if err != nil {
			return err
		}
		defer database.Close()

		records, err := identityfile.NewStore(database).ListRecent(limit)
		if err != nil {
			return errors.Wrap(err, "failed to list processed files")
		}

		if len(records) == 0 {
			pterm.Info.Println("No processed identity files yet")
			return nil
		}

		for _, rec := range records {
			line := pterm.Sprintf("%s  %-9s  %4dms  %s",
				rec.ProcessedAt.Format(time.RFC3339), rec.Status, rec.DurationMs, rec.SourceURI)
			if rec.Status == identityfile.StatusFailed {
				pterm.Error.Println(line)
				if rec.Error != "" {
					pterm.Printf("    %s\n", rec.Error)
				}
			} else {
				pterm.Println(line)
			}
		}
		return nil
	},
}

func init() {
	QueueCmd.AddCommand(QueueStatsCmd)
	QueueCmd.AddCommand(QueueRecentCmd)

	QueueStatsCmd.Flags().String("config", "", "Path to config file (default: search for weft.toml)")
	QueueRecentCmd.Flags().String("config", "", "Path to config file (default: search for weft.toml)")
	QueueRecentCmd.Flags().IntP("limit", "n", 20, "Maximum number of entries to show")
}
