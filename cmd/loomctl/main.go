// Command loomctl administers a running loom control plane.
package main

import (
	"fmt"
	"os"

	"github.com/loomhq/loom/pkg/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
