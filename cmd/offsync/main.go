// Command offsync is the CLI for the offline mutation queue and delta sync
// engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/offsync/internal/cli"
)

func main() {
	err := cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
