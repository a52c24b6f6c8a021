// Command ledgersync watches ledger accounts with durable cursors.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ledgersync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ledgersync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
