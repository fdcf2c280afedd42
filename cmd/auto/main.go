// Command auto is the autonomous software-delivery pipeline CLI.
package main

import (
	"os"

	"github.com/randalmurphal/auto/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
