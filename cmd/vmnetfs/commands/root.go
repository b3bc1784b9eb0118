// Package commands implements the vmnetfs CLI's subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

var configFile string

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "vmnetfs",
	Short: "Demand-paged chunk I/O engine for VM disk and memory images",
	Long: `vmnetfs serves one or more images as demand-paged chunk stores backed
by a remote HTTP origin: chunks are fetched lazily on first access, cached
in a pristine on-disk store, and copy-on-write into an overlay on first
write.

Configuration (image origins, chunk geometry, cache locations) is read
from a YAML file; see 'vmnetfs init' to generate a starting point.`,
	Version: version + " (" + commit + ")",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default: $XDG_CONFIG_HOME/vmnetfs/config.yaml)")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the CLI, returning any error encountered.
func Execute() error {
	return rootCmd.Execute()
}
