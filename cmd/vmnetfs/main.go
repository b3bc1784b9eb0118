// Command vmnetfs hosts the demand-paged chunk I/O engine for one or more
// images, exercising it over their HTTP origins without the FUSE mount or
// parent/child handshake that a production shim would add on top.
package main

import (
	"fmt"
	"os"

	"github.com/cmusatyalab/vmnetfs/cmd/vmnetfs/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
