package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weft-project/weft/config"
	"github.com/weft-project/weft/errors"
	"github.com/weft-project/weft/identityfile"
	"github.com/weft-project/weft/logger"
)

// stopTimeout bounds how long shutdown waits for an in-flight
// processing run to finish.
const stopTimeout = 30 * time.Second

// DaemonCmd runs the identity file processing daemon
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the identity file processing daemon",
	Long: `Run the identity file processing daemon in foreground mode.

The daemon will:
- Watch the import directory for dropped identity files (if configured)
- Queue incoming files on disk, deduplicating per source URI
- Process queued files in coalesced background batches
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dbPath, _ := cmd.Flags().GetString("db")

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		database, err := openDatabase(cfg, dbPath)
		if err != nil {
			return err
		}
		defer database.Close()

		queue, err := identityfile.OpenDiskQueue(cfg.Queue.Dir, logger.Logger)
		if err != nil {
			return errors.Wrapf(err, "failed to open queue at %s", cfg.Queue.Dir)
		}

		store := identityfile.NewStore(database)

		procCfg := identityfile.DefaultProcessorConfig()
		procCfg.Delay = cfg.Processor.Delay()
		procCfg.MaxFilesPerMinute = cfg.Processor.MaxFilesPerMinute

		processor := identityfile.NewProcessor(queue, importHandler, store, procCfg, logger.Logger)

		var watcher *identityfile.ImportWatcher
		if cfg.Queue.ImportDir != "" {
			watcher, err = identityfile.NewImportWatcher(cfg.Queue.ImportDir, queue, logger.Logger)
			if err != nil {
				return errors.Wrapf(err, "failed to watch import directory %s", cfg.Queue.ImportDir)
			}
			if err := watcher.Start(); err != nil {
				return errors.Wrap(err, "failed to start import watcher")
			}
			logger.Infow("Watching import directory", "dir", cfg.Queue.ImportDir)
		}

		// Pick up anything already queued from a previous run.
		if queue.Len() > 0 {
			processor.Trigger()
		}

		logger.Infow("Daemon started",
			"queue_dir", cfg.Queue.Dir,
			"db", cfg.Database.Path,
			"delay", procCfg.Delay,
		)
		fmt.Println("weft daemon running. Press Ctrl+C for graceful shutdown.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Infow("Shutting down")

		// Stop components in reverse order of startup.
		if watcher != nil {
			watcher.Stop()
		}
		if !processor.Stop(stopTimeout) {
			logger.Warnw("Processor did not stop in time", "timeout", stopTimeout)
			return errors.Wrapf(errors.ErrTimeout, "processor still draining after %s", stopTimeout)
		}

		logger.Infow("Shutdown complete")
		return nil
	},
}

// importHandler is where processed identity files enter the trust
// graph. Parsing the XML payload into trust edges lives behind this
// hook.
// TODO: replace with the trust-list XML importer once the graph layer lands.
func importHandler(ctx context.Context, f *identityfile.IdentityFile) error {
	logger.Debugw("Processed identity file",
		"source_uri", f.SourceURI,
		"xml_bytes", len(f.XML),
	)
	return nil
}

// loadConfig loads configuration from an explicit file, or from the
// default search path when none is given.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func init() {
	DaemonCmd.Flags().String("config", "", "Path to config file (default: search for weft.toml)")
	DaemonCmd.Flags().String("db", "", "Path to database file (overrides config)")
}
