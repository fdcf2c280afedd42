// Package cli implements the auto command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the release build via -ldflags.
var version = "0.1.0-dev"

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show auto version",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOut() {
				printJSON(map[string]string{"version": version})
				return
			}
			fmt.Println("auto version " + version)
		},
	}
}
