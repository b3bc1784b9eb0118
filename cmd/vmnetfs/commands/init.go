package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmusatyalab/vmnetfs/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Write a sample vmnetfs configuration file describing a single image.

By default the file is created at $XDG_CONFIG_HOME/vmnetfs/config.yaml;
use --config to choose a different path.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	var path string
	var err error

	if configFile != "" {
		path = configFile
		err = config.InitConfigToPath(path, initForce)
	} else {
		path, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("Edit it to point at your image's origin, then run: vmnetfs serve")
	return nil
}
