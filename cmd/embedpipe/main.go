// Command embedpipe runs the embedding pipeline service and submits jobs to it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "embedpipe",
		Short:         "Cached, rate limited, batched text embedding service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (EMBEDPIPE_* variables override it)")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(submitCmd(&configPath))
	root.AddCommand(statusCmd(&configPath))
	root.AddCommand(invalidateCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "embedpipe:", err)
		os.Exit(1)
	}
}
