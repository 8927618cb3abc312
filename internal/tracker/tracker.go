// Package tracker keeps the ledger of kernel resources the capture
// path holds open: GEM handles, prime fds and mmap regions. Every
// acquisition is registered before first use and unregistered on
// release, so a cycle that fails half way can still be audited and
// cleaned up.
package tracker

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smazurov/glowgrab/internal/logging"
)

// Kind labels one class of tracked resource.
type Kind string

const (
	KindGEMHandle Kind = "gem_handle"
	KindPrimeFD   Kind = "prime_fd"
	KindMmap      Kind = "mmap"
)

// Policy decides what a tripped leak check does.
type Policy string

const (
	// PolicyWarn logs the leak and leaves the resource alone.
	PolicyWarn Policy = "warn"
	// PolicyClose additionally force-releases leaked resources
	// through the registered closer.
	PolicyClose Policy = "close"
)

// Closer releases one tracked resource. Installed by the capture
// engine so the tracker can force-close under PolicyClose and on
// shutdown.
type Closer func(kind Kind, id uint64) error

// Res identifies one tracked resource.
type Res struct {
	Kind Kind
	ID   uint64
}

type entry struct {
	Res
	label string
	at    time.Time
	seq   uint64
}

// Snapshot is a point-in-time view of the ledger.
type Snapshot struct {
	OpenCount         int           `json:"open_count"`
	OldestOpenAge     time.Duration `json:"oldest_open_age"`
	PerKind           map[Kind]int  `json:"per_kind,omitempty"`
	UntrackedReleases uint64        `json:"untracked_releases"`
	LeaksSeen         uint64        `json:"leaks_seen"`
	Resyncs           uint64        `json:"resyncs"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries map[Res]entry
	seq     uint64
	policy  Policy
	closer  Closer
	logger  *slog.Logger
	now     func() time.Time

	untrackedReleases uint64
	leaksSeen         uint64
	resyncs           uint64
}

// New creates a tracker with the given leak policy.
func New(policy Policy) *Tracker {
	if policy != PolicyClose {
		policy = PolicyWarn
	}
	return &Tracker{
		entries: make(map[Res]entry),
		policy:  policy,
		logger:  logging.GetLogger("tracker"),
		now:     time.Now,
	}
}

// SetCloser installs the release function used by PolicyClose,
// emergency resync and shutdown.
func (t *Tracker) SetCloser(c Closer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closer = c
}

// SetPolicy switches the leak policy at runtime.
func (t *Tracker) SetPolicy(policy Policy) {
	if policy != PolicyWarn && policy != PolicyClose {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if policy != t.policy {
		t.logger.Info("Leak policy changed", "policy", string(policy))
		t.policy = policy
	}
}

// Policy returns the active leak policy.
func (t *Tracker) Policy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy
}

// Track registers one resource. Tracking the same resource twice
// overwrites the label and refreshes the age, which a correct caller
// never does; it is logged at debug for post-mortems.
func (t *Tracker) Track(kind Kind, id uint64, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackLocked(kind, id, label)
}

// TrackBatch registers several resources under one lock acquisition.
// The capture cycle registers everything it acquired before touching
// any of it, so a crash between acquisition and use still leaves a
// complete ledger.
func (t *Tracker) TrackBatch(label string, resources []Res) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range resources {
		t.trackLocked(r.Kind, r.ID, label)
	}
}

func (t *Tracker) trackLocked(kind Kind, id uint64, label string) {
	key := Res{Kind: kind, ID: id}
	if _, dup := t.entries[key]; dup {
		t.logger.Debug("Resource tracked twice", "kind", string(kind), "id", id, "label", label)
	}
	t.seq++
	t.entries[key] = entry{
		Res:   key,
		label: label,
		at:    t.now(),
		seq:   t.seq,
	}
}

// Untrack unregisters a resource after its release. Releasing
// something the ledger does not know is the classic double-release
// bug; it is warned about and otherwise ignored.
func (t *Tracker) Untrack(kind Kind, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Res{Kind: kind, ID: id}
	if _, ok := t.entries[key]; !ok {
		t.untrackedReleases++
		t.logger.Warn("Untracked resource released", "kind", string(kind), "id", id)
		return
	}
	delete(t.entries, key)
}

// Snapshot returns current counters. Cheap enough for per-cycle use.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		OpenCount:         len(t.entries),
		UntrackedReleases: t.untrackedReleases,
		LeaksSeen:         t.leaksSeen,
		Resyncs:           t.resyncs,
	}
	if len(t.entries) > 0 {
		snap.PerKind = make(map[Kind]int)
		oldest := t.now()
		for _, e := range t.entries {
			snap.PerKind[e.Kind]++
			if e.at.Before(oldest) {
				oldest = e.at
			}
		}
		snap.OldestOpenAge = t.now().Sub(oldest)
	}
	return snap
}

// CheckLeaks audits the ledger: every entry older than horizon is a
// leak, since no healthy cycle holds a resource that long. Under
// PolicyClose leaked resources are force-released. Returns the number
// of leaks found.
func (t *Tracker) CheckLeaks(horizon time.Duration) int {
	t.mu.Lock()
	var leaked []entry
	cutoff := t.now().Add(-horizon)
	for _, e := range t.entries {
		if e.at.Before(cutoff) {
			leaked = append(leaked, e)
		}
	}
	policy := t.policy
	closer := t.closer
	t.leaksSeen += uint64(len(leaked))
	if policy == PolicyClose {
		for _, e := range leaked {
			delete(t.entries, e.Res)
		}
	}
	t.mu.Unlock()

	if len(leaked) == 0 {
		return 0
	}

	sort.Slice(leaked, func(i, j int) bool { return leaked[i].seq < leaked[j].seq })
	for _, e := range leaked {
		t.logger.Warn("Leaked resource detected",
			"kind", string(e.Kind),
			"id", e.ID,
			"label", e.label,
			"age", t.now().Sub(e.at).Round(time.Millisecond),
			"policy", string(policy))
		if policy == PolicyClose && closer != nil {
			if err := closer(e.Kind, e.ID); err != nil {
				t.logger.Warn("Leaked resource close failed",
					"kind", string(e.Kind), "id", e.ID, "error", err)
			}
		}
	}
	return len(leaked)
}

// Resync is the emergency path after a resource-class failure: the
// ledger can no longer be trusted, so everything tracked is closed
// best-effort and the counters rebaseline at zero.
func (t *Tracker) Resync(reason string) {
	t.mu.Lock()
	all := t.sortedEntriesLocked()
	t.entries = make(map[Res]entry)
	t.resyncs++
	closer := t.closer
	t.mu.Unlock()

	t.logger.Warn("Emergency resource resync", "reason", reason, "closed", len(all))
	t.closeAll(all, closer)
}

// Close releases everything still tracked, newest first so dependent
// resources (mmaps over fds over handles) unwind in reverse
// acquisition order. Errors are logged, never returned; shutdown must
// not stall on a broken handle.
func (t *Tracker) Close() error {
	t.mu.Lock()
	all := t.sortedEntriesLocked()
	t.entries = make(map[Res]entry)
	closer := t.closer
	t.mu.Unlock()

	if len(all) > 0 {
		t.logger.Warn("Resources still open at shutdown", "count", len(all))
	}
	t.closeAll(all, closer)
	return nil
}

func (t *Tracker) sortedEntriesLocked() []entry {
	all := make([]entry, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, e)
	}
	// Reverse acquisition order.
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	return all
}

func (t *Tracker) closeAll(all []entry, closer Closer) {
	if closer == nil {
		return
	}
	for _, e := range all {
		if err := closer(e.Kind, e.ID); err != nil {
			t.logger.Warn("Best-effort close failed",
				"kind", string(e.Kind), "id", e.ID, "label", e.label, "error", err)
		}
	}
}

// DumpEntry is one live ledger row for dumps and the status API.
type DumpEntry struct {
	Kind  string `json:"kind"`
	ID    uint64 `json:"id"`
	Label string `json:"label"`
	AgeMS int64  `json:"age_ms"`
}

// Entries returns the live ledger rows, oldest first.
func (t *Tracker) Entries() []DumpEntry {
	t.mu.Lock()
	all := t.sortedEntriesLocked()
	now := t.now()
	t.mu.Unlock()

	rows := make([]DumpEntry, 0, len(all))
	// sortedEntriesLocked is newest first; dumps read better oldest first.
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		rows = append(rows, DumpEntry{
			Kind:  string(e.Kind),
			ID:    e.ID,
			Label: e.label,
			AgeMS: now.Sub(e.at).Milliseconds(),
		})
	}
	return rows
}

// Dump writes the live ledger as JSON, oldest first. Appended to the
// diagnostic log on abnormal exit and served by the status API.
func (t *Tracker) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t.Entries()); err != nil {
		return fmt.Errorf("encode tracker dump: %w", err)
	}
	return nil
}
