package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smazurov/glowgrab/internal/drm"
)

// nodeReport is everything the probe learned about one card node.
type nodeReport struct {
	Path        string    `json:"path"`
	Error       string    `json:"error,omitempty"`
	Driver      string    `json:"driver,omitempty"`
	Master      bool      `json:"master"`
	Pipe        *drm.Pipe `json:"pipe,omitempty"`
	PipeError   string    `json:"pipe_error,omitempty"`
	Framebuffer *fbReport `json:"framebuffer,omitempty"`
	FBError     string    `json:"framebuffer_error,omitempty"`
}

type fbReport struct {
	ID     uint32 `json:"id"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	Format string `json:"format"`
	Planes int    `json:"planes"`
	Pitch  uint32 `json:"pitch"`
}

// createProbeCmd creates the probe command.
func createProbeCmd() *cobra.Command {
	var (
		device    string
		connector string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report DRM nodes, pipes and active framebuffers",
		Long: `Walks the card nodes in the daemon's preference order and reports what
each offers: driver, master state, the capture pipe the daemon would
resolve, and the framebuffer currently bound to it. Nodes that fail to
open or qualify are reported with the error instead of being skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true

			paths := drm.CandidatePaths()
			if device != "" {
				paths = []string{device}
			}
			if len(paths) == 0 {
				return errors.New("no card nodes under /dev/dri")
			}

			reports := make([]nodeReport, 0, len(paths))
			for _, path := range paths {
				reports = append(reports, probeNode(path, connector))
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			for _, rep := range reports {
				printReport(rep)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "Probe only this node instead of all card nodes")
	cmd.Flags().StringVar(&connector, "connector", "", "Resolve this connector instead of the first connected one")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the report as JSON")

	return cmd
}

// probeNode opens one node and gathers as much as it can, recording
// errors per stage rather than aborting the walk.
func probeNode(path, connector string) nodeReport {
	rep := nodeReport{Path: path}

	dev, err := drm.Open(path)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	defer dev.Close()

	info := dev.Info()
	rep.Driver = info.Driver
	rep.Master = dev.IsMaster()

	if err := dev.ResolvePipe(connector); err != nil {
		rep.PipeError = err.Error()
		return rep
	}
	pipe := dev.Pipe()
	rep.Pipe = &pipe

	fb, err := dev.ActiveFB()
	if err != nil {
		rep.FBError = err.Error()
		return rep
	}
	// The probe only looks; give back the plane references it was handed.
	closed := make(map[uint32]bool, len(fb.Planes))
	for _, p := range fb.Planes {
		if !closed[p.Handle] {
			closed[p.Handle] = true
			dev.CloseHandle(p.Handle)
		}
	}

	rep.Framebuffer = &fbReport{
		ID:     fb.ID,
		Width:  fb.Width,
		Height: fb.Height,
		Format: drm.FormatName(fb.Format),
		Planes: len(fb.Planes),
		Pitch:  fb.Planes[0].Pitch,
	}
	return rep
}

func printReport(rep nodeReport) {
	if rep.Error != "" {
		fmt.Printf("%s: %s\n", rep.Path, rep.Error)
		return
	}
	fmt.Printf("%s: driver=%s master=%v\n", rep.Path, rep.Driver, rep.Master)

	if rep.PipeError != "" {
		fmt.Printf("  pipe: %s\n", rep.PipeError)
		return
	}
	p := rep.Pipe
	fmt.Printf("  pipe: %s crtc=%d %dx%d@%d\n",
		p.Connector, p.CRTC, p.Mode.Width, p.Mode.Height, p.Mode.Refresh)

	if rep.FBError != "" {
		fmt.Printf("  framebuffer: %s\n", rep.FBError)
		return
	}
	fb := rep.Framebuffer
	fmt.Printf("  framebuffer: id=%d %dx%d %s planes=%d pitch=%d\n",
		fb.ID, fb.Width, fb.Height, fb.Format, fb.Planes, fb.Pitch)
}
