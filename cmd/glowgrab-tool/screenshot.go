package main

import (
	"fmt"
	"image/png"
	"os"

	"github.com/spf13/cobra"

	"github.com/smazurov/glowgrab/internal/capture"
	"github.com/smazurov/glowgrab/internal/drm"
)

// createScreenshotCmd creates the screenshot command.
func createScreenshotCmd() *cobra.Command {
	var (
		device    string
		connector string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Grab one frame and write it as PNG",
		Long: `Runs a single capture cycle against the same pipeline the daemon uses
and writes the frame as a PNG file. Handy for checking that the right
connector is being scraped before wiring up a lighting sink.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true

			img, err := capture.Screenshot(drm.SelectOptions{Device: device, Connector: connector})
			if err != nil {
				return fmt.Errorf("capture: %w", err)
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := png.Encode(f, img); err != nil {
				return fmt.Errorf("encode %s: %w", output, err)
			}

			b := img.Bounds()
			fmt.Printf("wrote %s (%dx%d)\n", output, b.Dx(), b.Dy())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "screenshot.png", "Output PNG path")
	cmd.Flags().StringVar(&device, "device", "", "DRM device path, e.g. /dev/dri/card1 (auto-select when empty)")
	cmd.Flags().StringVar(&connector, "connector", "", "Connector name, e.g. HDMI-A-1 (first connected when empty)")

	return cmd
}
