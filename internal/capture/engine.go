// Package capture drives the per-tick grab cycle: read the active
// framebuffer, export and map its planes, convert to RGB and queue the
// frame for delivery. Every kernel resource the cycle touches flows
// through the resource tracker.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/glowgrab/internal/diag"
	"github.com/smazurov/glowgrab/internal/drm"
	"github.com/smazurov/glowgrab/internal/events"
	"github.com/smazurov/glowgrab/internal/glowerr"
	"github.com/smazurov/glowgrab/internal/logging"
	"github.com/smazurov/glowgrab/internal/metrics"
	"github.com/smazurov/glowgrab/internal/sink"
	"github.com/smazurov/glowgrab/internal/tracker"
)

// Device is the slice of the DRM layer the engine drives.
type Device interface {
	ActiveFB() (*drm.FB, error)
	ExportHandle(handle uint32) (int, error)
	CloseHandle(handle uint32) error
	Info() drm.Info
	Close() error
}

// reselectBudget bounds how many consecutive ticks may fail to reopen
// a vanished device before the engine gives up and lets the supervisor
// restart the daemon.
const reselectBudget = 100

// Config controls the capture loop.
type Config struct {
	FPS          int
	CycleTimeout time.Duration // per-cycle deadline
	LeakEvery    int           // cycles between leak checks
	Milestone    int           // cycles between milestone lines
}

func (c Config) withDefaults() Config {
	if c.FPS <= 0 {
		c.FPS = 20
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 500 * time.Millisecond
	}
	if c.LeakEvery <= 0 {
		c.LeakEvery = 100
	}
	if c.Milestone <= 0 {
		c.Milestone = 500
	}
	return c
}

// Status is the engine view served by the status API.
type Status struct {
	Cycles      uint64    `json:"cycles"`
	Converted   uint64    `json:"frames_converted"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Source      string    `json:"source,omitempty"`
	Device      *drm.Info `json:"device,omitempty"`
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomePartial
	outcomeFatal
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomePartial:
		return "partial"
	default:
		return "fatal"
	}
}

type shape struct {
	width, height int
	format        uint32
	planes        int
}

func shapeString(s shape) string {
	return fmt.Sprintf("%dx%d %s", s.width, s.height, drm.FormatName(s.format))
}

// grab is one converted frame plus its buffer recycle hook.
type grab struct {
	Width  int
	Height int
	RGB    []byte
	done   func()
}

// Engine owns the capture loop. Run is the only goroutine touching the
// device and the scratch buffers; Status is safe from anywhere.
type Engine struct {
	cfg       Config
	selectDev func() (Device, error)
	track     *tracker.Tracker
	queue     *sink.Queue
	bus       *events.Bus
	logger    *slog.Logger

	// Syscall seams, replaced in tests.
	mapFD   func(fd, length int) ([]byte, error)
	unmapFD func(b []byte) error
	closeFD func(fd int) error

	dev           Device
	reselectFails int
	shape         shape
	raw           [][]byte    // packed plane scratch, reused across cycles
	free          chan []byte // outbound RGB buffer free list

	warnedFormats map[uint32]bool

	cycles    atomic.Uint64
	converted atomic.Uint64
	rate      atomic.Int64 // tick interval in nanoseconds

	mu       sync.Mutex
	liveMaps map[uint64][]byte
	status   Status
}

// New wires an engine to its collaborators. The engine registers
// itself as the tracker's closer so leaked resources can be
// force-released through the live device.
func New(cfg Config, selectDev func() (Device, error), track *tracker.Tracker, queue *sink.Queue, bus *events.Bus) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		selectDev: selectDev,
		track:     track,
		queue:     queue,
		bus:       bus,
		logger:    logging.GetLogger("capture"),
		mapFD: func(fd, length int) ([]byte, error) {
			return unix.Mmap(fd, 0, length, unix.PROT_READ, unix.MAP_SHARED)
		},
		unmapFD:       unix.Munmap,
		closeFD:       unix.Close,
		free:          make(chan []byte, 16),
		warnedFormats: make(map[uint32]bool),
		liveMaps:      make(map[uint64][]byte),
	}
	e.rate.Store(int64(time.Second / time.Duration(e.cfg.FPS)))
	track.SetCloser(e.forceClose)
	return e
}

// SetRate changes the capture rate at runtime. The new interval takes
// effect on the next tick.
func (e *Engine) SetRate(fps int) {
	if fps < 1 || fps > 240 {
		return
	}
	e.rate.Store(int64(time.Second / time.Duration(fps)))
	e.logger.Info("Capture rate changed",
		slog.String(diag.AttrCategory, diag.CategoryState),
		slog.Int("fps", fps))
}

// Run drives capture until ctx ends. Failing to acquire a device at
// startup is fatal; a device lost later is re-selected on subsequent
// ticks within the reselect budget.
func (e *Engine) Run(ctx context.Context) error {
	dev, err := e.selectDev()
	if err != nil {
		return glowerr.System("capture", "no usable capture device", err)
	}
	e.adoptDevice(dev)
	defer e.dropDevice()

	interval := time.Duration(e.rate.Load())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Capture started",
		slog.String(diag.AttrCategory, diag.CategoryInit),
		slog.String("device", dev.Info().Path),
		slog.Int("fps", e.cfg.FPS))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if d := time.Duration(e.rate.Load()); d != interval {
				interval = d
				ticker.Reset(interval)
			}
			if err := e.tick(ctx, interval); err != nil {
				return err
			}
		}
	}
}

// tick runs one cycle plus the bookkeeping that hangs off cycle
// counts: leak checks, gauge refresh, milestone lines.
func (e *Engine) tick(ctx context.Context, interval time.Duration) error {
	if e.dev == nil {
		if err := e.reacquire(); err != nil {
			return err
		}
		if e.dev == nil {
			return nil
		}
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CycleTimeout)
	g, out, err := e.cycle(cctx)
	cancel()

	if g != nil {
		e.queue.Push(sink.NewFrame(g.Width, g.Height, g.RGB, g.done))
	}
	metrics.ObserveCaptureCycle(out.String(), time.Since(start))
	e.noteOutcome(out, err)

	n := e.cycles.Add(1)
	if n%uint64(e.cfg.LeakEvery) == 0 {
		e.checkLeaks(interval)
	}
	if n%uint64(e.cfg.Milestone) == 0 {
		e.logger.Info("Capture milestone",
			slog.String(diag.AttrCategory, diag.CategorySummary),
			slog.Uint64("cycles", n),
			slog.Uint64("frames_converted", e.converted.Load()),
			slog.Uint64("frames_dropped", e.queue.Dropped()))
	}
	return nil
}

// cycle captures, converts and returns one frame. Cleanup runs on
// every path so the tracker returns to its pre-cycle baseline even
// when a step fails.
func (e *Engine) cycle(ctx context.Context) (*grab, outcome, error) {
	fb, err := e.dev.ActiveFB()
	if err != nil {
		if drm.IsGone(err) {
			return nil, outcomePartial, glowerr.Resource("capture", "device vanished", err)
		}
		if errors.Is(err, drm.ErrNoFramebuffer) {
			e.logger.Debug("No framebuffer on pipe, skipping tick")
			return nil, outcomePartial, nil
		}
		return nil, outcomePartial, glowerr.Recoverable("capture", "query active framebuffer", err)
	}

	// The same GEM handle may back several plane slots; track and
	// close each distinct handle exactly once.
	unique := dedupeHandles(fb.Planes)
	resources := make([]tracker.Res, len(unique))
	for i, h := range unique {
		resources[i] = tracker.Res{Kind: tracker.KindGEMHandle, ID: uint64(h)}
	}
	e.track.TrackBatch(fmt.Sprintf("fb %d", fb.ID), resources)
	defer func() {
		for _, h := range unique {
			if err := e.dev.CloseHandle(h); err != nil {
				e.logger.Warn("GEM close failed", "handle", h, "error", err)
			}
			e.track.Untrack(tracker.KindGEMHandle, uint64(h))
		}
	}()

	nplanes, err := planeCount(fb.Format)
	if err != nil {
		e.warnFormatOnce(fb.Format)
		return nil, outcomePartial, glowerr.Recoverable("capture", "convert", err)
	}
	if len(fb.Planes) < nplanes {
		return nil, outcomePartial, glowerr.Recoverable("capture",
			fmt.Sprintf("%s expects %d planes, fb has %d", drm.FormatName(fb.Format), nplanes, len(fb.Planes)), nil)
	}

	e.ensureShape(int(fb.Width), int(fb.Height), fb.Format, nplanes)

	for i := 0; i < nplanes; i++ {
		if err := ctx.Err(); err != nil {
			return nil, outcomePartial, glowerr.Recoverable("capture", "cycle deadline", err)
		}
		if err := e.copyPlane(fb, i); err != nil {
			if drm.IsGone(err) {
				return nil, outcomePartial, glowerr.Resource("capture", "device vanished", err)
			}
			return nil, outcomePartial, glowerr.Recoverable("capture", fmt.Sprintf("plane %d", i), err)
		}
	}

	rgb := e.getRGB(3 * int(fb.Width) * int(fb.Height))
	if err := convertFrame(fb.Format, int(fb.Width), int(fb.Height), e.raw, rgb); err != nil {
		e.putRGB(rgb)
		if errors.Is(err, ErrUnsupportedFormat) {
			e.warnFormatOnce(fb.Format)
		}
		return nil, outcomePartial, glowerr.Recoverable("capture", "convert", err)
	}

	e.converted.Add(1)
	return &grab{
		Width:  int(fb.Width),
		Height: int(fb.Height),
		RGB:    rgb,
		done:   func() { e.putRGB(rgb) },
	}, outcomeSuccess, nil
}

// copyPlane exports one plane to a dmabuf, maps it read-only and does
// a pitch-aware copy into the packed scratch. The fd and the mapping
// are released before returning on every path.
func (e *Engine) copyPlane(fb *drm.FB, plane int) error {
	p := fb.Planes[plane]
	rowBytes, rows, err := planeGeometry(fb.Format, plane, int(fb.Width), int(fb.Height))
	if err != nil {
		return err
	}
	if int(p.Pitch) < rowBytes {
		return fmt.Errorf("plane %d pitch %d narrower than packed row %d", plane, p.Pitch, rowBytes)
	}

	fd, err := e.dev.ExportHandle(p.Handle)
	if err != nil {
		return fmt.Errorf("export handle %d: %w", p.Handle, err)
	}
	e.track.Track(tracker.KindPrimeFD, uint64(fd), fmt.Sprintf("fb %d plane %d", fb.ID, plane))
	defer func() {
		if err := e.closeFD(fd); err != nil {
			e.logger.Warn("Prime fd close failed", "fd", fd, "error", err)
		}
		e.track.Untrack(tracker.KindPrimeFD, uint64(fd))
	}()

	length := int(p.Offset) + int(p.Pitch)*rows
	m, err := e.mapFD(fd, length)
	if err != nil {
		return fmt.Errorf("mmap plane %d: %w", plane, err)
	}
	e.track.Track(tracker.KindMmap, uint64(fd), fmt.Sprintf("fb %d plane %d map", fb.ID, plane))
	e.mu.Lock()
	e.liveMaps[uint64(fd)] = m
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		_, live := e.liveMaps[uint64(fd)]
		delete(e.liveMaps, uint64(fd))
		e.mu.Unlock()
		if live {
			if err := e.unmapFD(m); err != nil {
				e.logger.Warn("munmap failed", "plane", plane, "error", err)
			}
		}
		e.track.Untrack(tracker.KindMmap, uint64(fd))
	}()

	if len(m) < length {
		return fmt.Errorf("plane %d mapping %d shorter than %d", plane, len(m), length)
	}

	dst := e.raw[plane]
	src := m[p.Offset:]
	si, di := 0, 0
	for r := 0; r < rows; r++ {
		copy(dst[di:di+rowBytes], src[si:si+rowBytes])
		si += int(p.Pitch)
		di += rowBytes
	}
	return nil
}

// noteOutcome records the cycle result and reacts to its error class:
// resource-class failures resync the tracker and drop the device for
// re-selection.
func (e *Engine) noteOutcome(out outcome, err error) {
	e.mu.Lock()
	e.status.LastOutcome = out.String()
	if err != nil {
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
	e.mu.Unlock()

	if err == nil {
		return
	}

	switch glowerr.ClassOf(err) {
	case glowerr.ClassResource:
		e.logger.Error("Capture device lost",
			slog.String(diag.AttrCategory, diag.CategoryState),
			slog.String("error", err.Error()))
		e.track.Resync("device lost")
		e.dropDevice()
	default:
		e.logger.Warn("Capture cycle failed", "error", err)
	}
}

// reacquire retries device selection after a loss. Failures inside the
// budget are quiet; exhausting it returns a fatal error.
func (e *Engine) reacquire() error {
	dev, err := e.selectDev()
	if err != nil {
		e.reselectFails++
		if e.reselectFails == 1 {
			e.logger.Warn("Capture device unavailable, retrying", "error", err)
		} else {
			e.logger.Debug("Capture device still unavailable",
				"error", err, "attempts", e.reselectFails)
		}
		if e.reselectFails >= reselectBudget {
			metrics.ObserveCaptureCycle(outcomeFatal.String(), 0)
			return glowerr.System("capture",
				fmt.Sprintf("device unavailable after %d attempts", e.reselectFails), err)
		}
		return nil
	}
	e.reselectFails = 0
	e.adoptDevice(dev)
	e.logger.Info("Capture device reacquired",
		slog.String(diag.AttrCategory, diag.CategoryState),
		slog.String("device", dev.Info().Path))
	return nil
}

func (e *Engine) adoptDevice(dev Device) {
	e.dev = dev
	info := dev.Info()
	e.mu.Lock()
	e.status.Device = &info
	e.mu.Unlock()
}

func (e *Engine) dropDevice() {
	if e.dev == nil {
		return
	}
	e.dev.Close()
	e.dev = nil
	e.mu.Lock()
	e.status.Device = nil
	e.mu.Unlock()
}

// checkLeaks runs the periodic leak check and refreshes the tracker
// gauges. The horizon is several ticks so in-flight cycle resources
// never count.
func (e *Engine) checkLeaks(interval time.Duration) {
	leaked := e.track.CheckLeaks(5 * interval)
	if leaked > 0 {
		metrics.AddLeaks(leaked)
		if e.bus != nil {
			e.bus.Publish(events.LeakEvent{
				Count:     leaked,
				Policy:    string(e.track.Policy()),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
	snap := e.track.Snapshot()
	for kind, count := range snap.PerKind {
		metrics.SetOpenResources(string(kind), count)
	}
}

// ensureShape reallocates the packed plane scratch when the source
// geometry changes between cycles.
func (e *Engine) ensureShape(width, height int, format uint32, nplanes int) {
	s := shape{width: width, height: height, format: format, planes: nplanes}
	if s == e.shape {
		return
	}
	if e.shape != (shape{}) {
		e.logger.Info("Source geometry changed",
			slog.String(diag.AttrCategory, diag.CategoryState),
			slog.String("from", shapeString(e.shape)),
			slog.String("to", shapeString(s)))
	}
	e.raw = make([][]byte, nplanes)
	for i := range e.raw {
		rowBytes, rows, _ := planeGeometry(format, i, width, height)
		e.raw[i] = make([]byte, rowBytes*rows)
	}
	e.shape = s

	e.mu.Lock()
	e.status.Source = shapeString(s)
	e.mu.Unlock()
}

func (e *Engine) warnFormatOnce(format uint32) {
	if e.warnedFormats[format] {
		return
	}
	e.warnedFormats[format] = true
	e.logger.Warn("Framebuffer format unsupported, frames skipped",
		"format", drm.FormatName(format))
}

// forceClose releases one resource on behalf of the tracker: leak
// policy close, emergency resync and shutdown all land here.
func (e *Engine) forceClose(kind tracker.Kind, id uint64) error {
	switch kind {
	case tracker.KindGEMHandle:
		if e.dev == nil {
			return nil
		}
		return e.dev.CloseHandle(uint32(id))
	case tracker.KindPrimeFD:
		return e.closeFD(int(id))
	case tracker.KindMmap:
		e.mu.Lock()
		m, ok := e.liveMaps[id]
		delete(e.liveMaps, id)
		e.mu.Unlock()
		if !ok {
			return nil
		}
		return e.unmapFD(m)
	default:
		return fmt.Errorf("unknown resource kind %q", kind)
	}
}

func (e *Engine) getRGB(n int) []byte {
	select {
	case b := <-e.free:
		if cap(b) >= n {
			return b[:n]
		}
	default:
	}
	return make([]byte, n)
}

func (e *Engine) putRGB(b []byte) {
	select {
	case e.free <- b:
	default:
	}
}

// Status returns a snapshot for the status API.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.status
	s.Cycles = e.cycles.Load()
	s.Converted = e.converted.Load()
	return s
}

func dedupeHandles(planes []drm.PlaneDesc) []uint32 {
	out := make([]uint32, 0, len(planes))
	for _, p := range planes {
		dup := false
		for _, h := range out {
			if h == p.Handle {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p.Handle)
		}
	}
	return out
}
