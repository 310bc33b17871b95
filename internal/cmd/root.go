// Package cmd implements the bioengined command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// versionInfo holds build-time identification, injected by main via
// SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bioengined",
	Short: "Sequencing analysis job engine",
	Long: `bioengined runs alignment, variant calling, and variant annotation
jobs against an external toolchain and remote annotation services.

Jobs are submitted over the HTTP API and executed asynchronously by a
worker pool. Job records are persisted under the data directory so they
can be inspected from the command line while the engine runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./bioengine.yaml)")
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
