package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weft-project/weft/cmd/weft/commands"
	"github.com/weft-project/weft/logger"
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "weft - Trust-graph client daemon",
	Long: `weft - Trust-graph client daemon.

weft downloads identity files from a peer network faster than it can
process them, queues them on disk, and processes them in coalesced
background batches.

Available commands:
  daemon  - Run the identity file processing daemon
  queue   - Inspect the on-disk identity file queue
  name    - Generate a random identity display name
  version - Show version information

Examples:
  weft daemon              # Run daemon in foreground
  weft queue stats         # Show queue and processing statistics
  weft name                # Print a random display name`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.NameCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
