// Package sysmon samples the machine around the capture daemon: load,
// memory, memory PSI, the media player process and the DRM debugfs
// counters. Routine samples go to the debug ring; anomalies are logged
// immediately and published on the event bus. Anomalies never stop the
// daemon.
package sysmon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/smazurov/glowgrab/internal/events"
	"github.com/smazurov/glowgrab/internal/logging"
	"github.com/smazurov/glowgrab/internal/metrics"
)

// Config controls the sampling loop.
type Config struct {
	Interval        time.Duration // sample period
	PlayerComm      string        // player process comm name
	MemoryThreshold float64       // used-percent anomaly threshold
	ProcRoot        string        // proc mount, overridable in tests
	DebugfsDRI      string        // DRM debugfs dir, overridable in tests
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.PlayerComm == "" {
		c.PlayerComm = "kodi.bin"
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = 90
	}
	if c.ProcRoot == "" {
		c.ProcRoot = "/proc"
	}
	if c.DebugfsDRI == "" {
		c.DebugfsDRI = "/sys/kernel/debug/dri/0"
	}
	return c
}

// PlayerSample is one observation of the player process set.
type PlayerSample struct {
	Running  bool
	PIDs     []int
	RSSBytes uint64
	FDCount  int
}

// Sample is one observation of the whole system.
type Sample struct {
	Load1          float64
	MemUsedPercent float64
	PSISomeAvg10   float64
	Player         PlayerSample
	DRMClients     int // -1 when debugfs is unreadable
	GEMNames       int
	At             time.Time
}

// Status is the monitor view served by the status API.
type Status struct {
	Load1          float64 `json:"load1"`
	MemUsedPercent float64 `json:"memory_used_percent"`
	PSISomeAvg10   float64 `json:"psi_memory_some_avg10"`
	PlayerRunning  bool    `json:"player_running"`
	PlayerPIDs     []int   `json:"player_pids,omitempty"`
	PlayerRSSBytes uint64  `json:"player_rss_bytes,omitempty"`
	PlayerFDs      int     `json:"player_fds,omitempty"`
	DRMClients     int     `json:"drm_clients"`
	GEMNames       int     `json:"gem_names"`
	LastAnomaly    string  `json:"last_anomaly,omitempty"`
	LastAnomalyAt  string  `json:"last_anomaly_at,omitempty"`
	SampledAt      string  `json:"sampled_at,omitempty"`
}

type anomaly struct {
	kind   string
	detail string
}

// Monitor runs the sampling loop. Run owns all comparison state;
// Status is safe from anywhere.
type Monitor struct {
	cfg    Config
	fs     procfs.FS
	bus    *events.Bus
	logger *slog.Logger

	debugfsWarned bool

	mu            sync.Mutex
	last          Sample
	havePrev      bool
	playerSeen    bool
	lastPlayerPID []int
	lastAnomaly   anomaly
	lastAnomalyAt time.Time
}

// New opens the proc mount and prepares a monitor.
func New(cfg Config, bus *events.Bus) (*Monitor, error) {
	cfg = cfg.withDefaults()
	fs, err := procfs.NewFS(cfg.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.ProcRoot, err)
	}
	return &Monitor{
		cfg:    cfg,
		fs:     fs,
		bus:    bus,
		logger: logging.GetLogger("sysmon"),
	}, nil
}

// Run samples until ctx ends. The first sample happens right away so
// the status surface is never empty.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.observe(m.sample())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.observe(m.sample())
		}
	}
}

// sample reads one observation. Individual probes failing degrade to
// zero values; the loop keeps going.
func (m *Monitor) sample() Sample {
	s := Sample{At: time.Now(), DRMClients: -1, GEMNames: -1}

	if la, err := m.fs.LoadAvg(); err == nil {
		s.Load1 = la.Load1
	}
	if mi, err := m.fs.Meminfo(); err == nil && mi.MemTotal != nil && mi.MemAvailable != nil && *mi.MemTotal > 0 {
		s.MemUsedPercent = 100 * (1 - float64(*mi.MemAvailable)/float64(*mi.MemTotal))
	}
	if psi, err := m.fs.PSIStatsForResource("memory"); err == nil && psi.Some != nil {
		s.PSISomeAvg10 = psi.Some.Avg10
	}
	s.Player = m.samplePlayer()
	s.DRMClients = m.countDebugfs("clients")
	s.GEMNames = m.countDebugfs("gem_names")
	return s
}

func (m *Monitor) samplePlayer() PlayerSample {
	var ps PlayerSample
	procs, err := m.fs.AllProcs()
	if err != nil {
		return ps
	}
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil || comm != m.cfg.PlayerComm {
			continue
		}
		ps.Running = true
		ps.PIDs = append(ps.PIDs, p.PID)
		if st, err := p.NewStatus(); err == nil {
			ps.RSSBytes += st.VmRSS
		}
		if n, err := p.FileDescriptorsLen(); err == nil {
			ps.FDCount += n
		}
	}
	sort.Ints(ps.PIDs)
	return ps
}

// countDebugfs counts non-empty lines of a DRM debugfs file, -1 when
// unreadable (no debugfs, not root). The miss is logged once.
func (m *Monitor) countDebugfs(name string) int {
	b, err := os.ReadFile(filepath.Join(m.cfg.DebugfsDRI, name))
	if err != nil {
		if !m.debugfsWarned {
			m.debugfsWarned = true
			m.logger.Debug("DRM debugfs unavailable", "path", m.cfg.DebugfsDRI, "error", err)
		}
		return -1
	}
	n := 0
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// observe records a sample, logs the routine line and raises whatever
// anomalies the comparison found.
func (m *Monitor) observe(s Sample) {
	metrics.SetMemoryUsedPercent(s.MemUsedPercent)
	m.logger.Debug("System sample",
		"load1", s.Load1,
		"mem_used_percent", fmt.Sprintf("%.1f", s.MemUsedPercent),
		"psi_some_avg10", s.PSISomeAvg10,
		"player_running", s.Player.Running,
		"drm_clients", s.DRMClients)

	for _, a := range m.classify(s) {
		metrics.IncAnomaly(a.kind)
		m.logger.Warn("System anomaly", "kind", a.kind, "detail", a.detail)
		if m.bus != nil {
			m.bus.Publish(events.AnomalyEvent{
				Kind:      a.kind,
				Detail:    a.detail,
				Timestamp: s.At.UTC().Format(time.RFC3339),
			})
		}
	}
}

// classify compares a sample against the previous one and updates the
// comparison state. The player pid set survives a "gone" sample so a
// crash-and-restart is still detected as a restart.
func (m *Monitor) classify(s Sample) []anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []anomaly

	if m.havePrev {
		if m.last.DRMClients >= 0 && s.DRMClients >= 0 && s.DRMClients != m.last.DRMClients {
			out = append(out, anomaly{"drm_clients_changed",
				fmt.Sprintf("%d -> %d", m.last.DRMClients, s.DRMClients)})
		}
		if m.last.MemUsedPercent < m.cfg.MemoryThreshold && s.MemUsedPercent >= m.cfg.MemoryThreshold {
			out = append(out, anomaly{"memory_pressure",
				fmt.Sprintf("%.1f%% used crosses %.0f%%", s.MemUsedPercent, m.cfg.MemoryThreshold)})
		}
	}

	switch {
	case m.playerSeen && !s.Player.Running:
		out = append(out, anomaly{"player_gone", m.cfg.PlayerComm + " exited"})
		m.playerSeen = false
	case !m.playerSeen && s.Player.Running:
		if len(m.lastPlayerPID) > 0 && !equalPIDs(m.lastPlayerPID, s.Player.PIDs) {
			out = append(out, anomaly{"player_restarted",
				pidTransition(m.cfg.PlayerComm, m.lastPlayerPID, s.Player.PIDs)})
		}
		m.playerSeen = true
		m.lastPlayerPID = s.Player.PIDs
	case m.playerSeen && s.Player.Running && !equalPIDs(m.lastPlayerPID, s.Player.PIDs):
		out = append(out, anomaly{"player_restarted",
			pidTransition(m.cfg.PlayerComm, m.lastPlayerPID, s.Player.PIDs)})
		m.lastPlayerPID = s.Player.PIDs
	}

	m.last = s
	m.havePrev = true
	if len(out) > 0 {
		m.lastAnomaly = out[len(out)-1]
		m.lastAnomalyAt = s.At
	}
	return out
}

// Status returns the latest sample for the status API.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Load1:          m.last.Load1,
		MemUsedPercent: m.last.MemUsedPercent,
		PSISomeAvg10:   m.last.PSISomeAvg10,
		PlayerRunning:  m.last.Player.Running,
		PlayerPIDs:     m.last.Player.PIDs,
		PlayerRSSBytes: m.last.Player.RSSBytes,
		PlayerFDs:      m.last.Player.FDCount,
		DRMClients:     m.last.DRMClients,
		GEMNames:       m.last.GEMNames,
	}
	if !m.last.At.IsZero() {
		st.SampledAt = m.last.At.UTC().Format(time.RFC3339)
	}
	if m.lastAnomaly.kind != "" {
		st.LastAnomaly = m.lastAnomaly.kind + ": " + m.lastAnomaly.detail
		st.LastAnomalyAt = m.lastAnomalyAt.UTC().Format(time.RFC3339)
	}
	return st
}

func equalPIDs(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func pidTransition(comm string, from, to []int) string {
	return fmt.Sprintf("%s pid %s -> %s", comm, joinPIDs(from), joinPIDs(to))
}

func joinPIDs(pids []int) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ",")
}
