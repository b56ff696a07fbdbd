// Command needle serves and maintains needle search indexes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/needle/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "needle",
	Short: "needle - backend-agnostic search",
	Long: `needle declares search indexes once and serves them from Solr,
Elasticsearch, an embedded bleve index or SQLite FTS5.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("needle version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config.yaml (default: $NEEDLE_CONFIG, ./config.yaml, /etc/needle/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
