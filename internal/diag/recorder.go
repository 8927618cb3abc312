// Package diag maintains the on-device diagnostic file: a flat,
// append-only log that survives crashes and is what gets pulled off a
// box when something went wrong in the field.
//
// Records travel one of two paths. Error and warning class records,
// plus explicitly categorized lifecycle records (SESSION, INIT, STATE,
// SUMMARY, CRASH), are written to the file synchronously. Everything
// else sits in a small ring and only reaches the file as context when
// an error does: the dump shows what the daemon was doing in the
// moments before the failure.
package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/glowgrab/internal/logging"
)

// Line format: "[unix_ms] +elapsed_ms [CATEGORY] message".

// Categories written through the immediate path.
const (
	CategoryError   = "ERROR"
	CategoryWarn    = "WARN"
	CategorySession = "SESSION"
	CategoryInit    = "INIT"
	CategoryState   = "STATE"
	CategorySummary = "SUMMARY"
	CategoryCrash   = "CRASH"
)

const (
	ringSize      = 100
	dedupeWindow  = 10 * time.Second
	summaryPeriod = 60 * time.Second
)

// AttrCategory is the slog attribute key the recorder's handler uses
// to route a record onto the immediate path. Modules log state
// transitions with slog.String(diag.AttrCategory, diag.CategoryState)
// and the recorder persists them synchronously.
const AttrCategory = "category"

var immediateCategories = map[string]bool{
	CategoryError:   true,
	CategoryWarn:    true,
	CategorySession: true,
	CategoryInit:    true,
	CategoryState:   true,
	CategorySummary: true,
	CategoryCrash:   true,
}

// SummaryFunc produces the periodic aggregate line. Installed by the
// daemon once the capture, sink and tracker counters exist.
type SummaryFunc func() string

// Recorder owns the diagnostic file.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	start   time.Time
	ring    *logging.RingBuffer
	now     func() time.Time
	summary SummaryFunc

	// error dedupe state
	lastErrMsg string
	lastErrAt  time.Time
	dupCount   int
}

// New opens (appending) the diagnostic file and writes the session
// header.
func New(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open diagnostic log %s: %w", path, err)
	}

	r := &Recorder{
		file:  f,
		path:  path,
		start: time.Now(),
		ring:  logging.NewRingBuffer(ringSize),
		now:   time.Now,
	}
	r.Event(CategorySession, "session started pid=%d", os.Getpid())
	return r, nil
}

// Path returns the diagnostic file location.
func (r *Recorder) Path() string { return r.path }

// SetSummaryFunc installs the aggregate line producer used by Run and
// by the final summary at Close.
func (r *Recorder) SetSummaryFunc(f SummaryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = f
}

// Event writes one immediate record. Unknown categories are written
// as-is; the category set above is a convention, not a gate.
func (r *Recorder) Event(category, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if category == CategoryError {
		if r.dedupeLocked(msg) {
			return
		}
	}

	r.writeLineLocked(category, msg)

	if category == CategoryError || category == CategoryCrash {
		r.dumpRingLocked()
		r.file.Sync()
	}
}

// Buffered parks a record in the context ring.
func (r *Recorder) Buffered(category, msg string) {
	r.ring.Write(logging.LogEntry{
		Timestamp: r.now(),
		Level:     strings.ToLower(category),
		Message:   msg,
	})
}

// dedupeLocked collapses identical error messages inside the window.
// Returns true when the record was absorbed into the counter.
func (r *Recorder) dedupeLocked(msg string) bool {
	now := r.now()
	if msg == r.lastErrMsg && now.Sub(r.lastErrAt) < dedupeWindow {
		r.dupCount++
		r.lastErrAt = now
		return true
	}
	if r.dupCount > 0 {
		r.writeLineLocked(CategoryError, fmt.Sprintf("previous error repeated x%d", r.dupCount))
		r.dupCount = 0
	}
	r.lastErrMsg = msg
	r.lastErrAt = now
	return false
}

func (r *Recorder) writeLineLocked(category, msg string) {
	now := r.now()
	elapsed := now.Sub(r.start).Milliseconds()
	line := fmt.Sprintf("[%d] +%d [%s] %s\n", now.UnixMilli(), elapsed, category, msg)
	if _, err := r.file.WriteString(line); err != nil {
		fmt.Fprintf(os.Stderr, "diagnostic write failed: %v\n", err)
	}
}

// dumpRingLocked flushes the buffered context after an error record
// and clears the ring so the same context is not replayed next time.
func (r *Recorder) dumpRingLocked() {
	entries := r.ring.Drain()
	if len(entries) == 0 {
		return
	}
	r.writeLineLocked("CONTEXT", fmt.Sprintf("--- %d buffered events before error ---", len(entries)))
	for _, e := range entries {
		module := e.Module
		if module == "" {
			module = "diag"
		}
		r.writeLineLocked("CONTEXT", fmt.Sprintf("%s [%s] %s",
			strings.ToUpper(e.Level), module, e.Message))
	}
	r.writeLineLocked("CONTEXT", "--- end of buffered events ---")
}

// DumpTracker appends a resource ledger dump, used on abnormal exit.
func (r *Recorder) DumpTracker(dump func(w io.Writer) error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writeLineLocked(CategoryCrash, "open resource dump follows")
	if err := dump(r.file); err != nil {
		r.writeLineLocked(CategoryCrash, fmt.Sprintf("resource dump failed: %v", err))
	}
	r.file.Sync()
}

// Run emits the periodic aggregate summary until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(summaryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			fn := r.summary
			r.mu.Unlock()
			if fn != nil {
				r.Event(CategorySummary, "%s", fn())
			}
		}
	}
}

// Close writes the final summary and session trailer and closes the
// file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	fn := r.summary
	r.mu.Unlock()

	if fn != nil {
		r.Event(CategorySummary, "final: %s", fn())
	}
	r.Event(CategorySession, "session ended uptime=%s",
		r.now().Sub(r.start).Round(time.Second))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dupCount > 0 {
		r.writeLineLocked(CategoryError, fmt.Sprintf("previous error repeated x%d", r.dupCount))
		r.dupCount = 0
	}
	r.file.Sync()
	return r.file.Close()
}

// Handler returns the slog tap that feeds the recorder from the
// logging chain: warnings and errors (or records tagged with an
// immediate category) go to the file at once, the rest into the
// context ring.
func (r *Recorder) Handler() slog.Handler {
	return &tapHandler{recorder: r}
}

type tapHandler struct {
	recorder *Recorder
	attrs    []slog.Attr
}

// Enabled implements slog.Handler. Everything is interesting: low
// levels feed the ring, high levels the file.
func (h *tapHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

// Handle implements slog.Handler.
func (h *tapHandler) Handle(_ context.Context, rec slog.Record) error {
	module := ""
	category := ""
	var parts []string

	collect := func(a slog.Attr) {
		switch a.Key {
		case "module":
			module = a.Value.String()
		case AttrCategory:
			category = strings.ToUpper(a.Value.String())
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
		}
	}
	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	msg := rec.Message
	if module != "" {
		msg = "[" + module + "] " + msg
	}
	if len(parts) > 0 {
		msg = msg + " " + strings.Join(parts, " ")
	}

	if category == "" {
		switch {
		case rec.Level >= slog.LevelError:
			category = CategoryError
		case rec.Level >= slog.LevelWarn:
			category = CategoryWarn
		}
	}

	if category != "" && immediateCategories[category] {
		h.recorder.Event(category, "%s", msg)
		return nil
	}

	h.recorder.Buffered(levelName(rec.Level), msg)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *tapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &tapHandler{recorder: h.recorder, attrs: merged}
}

// WithGroup implements slog.Handler. Groups collapse into plain keys
// in the flat diagnostic format.
func (h *tapHandler) WithGroup(string) slog.Handler { return h }

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
