// promptchain runs durable LLM request pipelines on Redis streams.
//
// Usage:
//
//	promptchain worker                      run item processors, request resolvers and the HTTP API
//	promptchain run -f graph.yaml [--watch] compile, save and start a pipeline
//	promptchain watch PIPELINE_ID ITEM      follow an item's event stream
//	promptchain confirm PIPELINE_ID ITEM    release the successors of a gated item
//	promptchain delete PIPELINE_ID          destroy a pipeline and its runtime state
//
// Settings are read from the environment, see package config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set with ldflags at build time.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "promptchain",
		Short:         "Durable LLM request pipelines on Redis streams",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newWorkerCmd(),
		newRunCmd(),
		newWatchCmd(),
		newConfirmCmd(),
		newDeleteCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
