// glowgrab-tool bundles one-shot capture diagnostics that do not need
// the daemon: grab a single frame as PNG, or probe the DRM nodes the
// daemon would choose between.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/smazurov/glowgrab/internal/logging"
	"github.com/smazurov/glowgrab/internal/version"
)

func main() {
	var logLevel string

	root := &cobra.Command{
		Use:     "glowgrab-tool",
		Short:   "Capture diagnostics for glowgrab",
		Version: version.String(),
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logging.Setup(logging.Config{Level: logLevel, Format: "text"})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(createScreenshotCmd())
	root.AddCommand(createProbeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
