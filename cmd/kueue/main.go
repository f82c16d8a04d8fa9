// Command kueue is the application entry point: version injection,
// panic recovery, and CLI dispatch.
//
// Usage:
//
//	kueue server                 # start the scheduler + RPC gateway
//	kueue worker --id w1         # start a worker pulling from --config's rpc.master_addr
//	kueue submit -f jobs.json    # submit jobs from a JSON file
//	kueue status                 # show config and connectivity
package main

import (
	"fmt"
	"os"

	"github.com/kueuedb/kueue/internal/cli"
)

// Build-time version injection via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
