package capture

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/smazurov/glowgrab/internal/drm"
	"github.com/smazurov/glowgrab/internal/tracker"
)

// screenshotAttempts bounds how long a one-shot capture waits for a
// framebuffer to appear on the pipe.
const screenshotAttempts = 10

// Screenshot opens the selected device, captures a single frame and
// returns it as an image. Used by the command line tool; the daemon
// path never calls this.
func Screenshot(opts drm.SelectOptions) (image.Image, error) {
	dev, err := drm.Select(opts)
	if err != nil {
		return nil, err
	}

	track := tracker.New(tracker.PolicyClose)
	e := New(Config{}, func() (Device, error) { return dev, nil }, track, nil, nil)
	e.adoptDevice(dev)
	defer e.dropDevice()
	defer track.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var g *grab
	var lastErr error
	for i := 0; i < screenshotAttempts; i++ {
		g, _, lastErr = e.cycle(ctx)
		if g != nil {
			break
		}
		if lastErr != nil && ctx.Err() != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if g == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("capture frame: %w", lastErr)
		}
		return nil, drm.ErrNoFramebuffer
	}
	defer g.done()

	img := image.NewNRGBA(image.Rect(0, 0, g.Width, g.Height))
	for i := 0; i < g.Width*g.Height; i++ {
		img.Pix[i*4+0] = g.RGB[i*3+0]
		img.Pix[i*4+1] = g.RGB[i*3+1]
		img.Pix[i*4+2] = g.RGB[i*3+2]
		img.Pix[i*4+3] = 0xFF
	}
	return img, nil
}
