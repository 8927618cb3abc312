package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/glowgrab/internal/events"
	"github.com/smazurov/glowgrab/internal/logging"
)

// Runtime is the subset of settings that may change while the daemon
// runs: capture rate, leak policy and log levels. Everything else
// requires a restart. Zero values mean "not set in the file" and never
// count as a change.
type Runtime struct {
	FPS          int
	LeakPolicy   string
	LogLevel     string
	ModuleLevels map[string]string
}

// LoadRuntime reads the runtime-tunable settings from the TOML file.
// The signature matches the Watcher loader.
func LoadRuntime(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, err
	}

	var raw struct {
		FPS        int            `toml:"fps"`
		LeakPolicy string         `toml:"leak-policy"`
		Logging    map[string]any `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Runtime{}, fmt.Errorf("parse %s: %w", path, err)
	}

	r := Runtime{
		FPS:          raw.FPS,
		LeakPolicy:   raw.LeakPolicy,
		ModuleLevels: make(map[string]string),
	}
	for key, value := range raw.Logging {
		if key == "modules" {
			moduleLevels(value, r.ModuleLevels)
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "level":
			r.LogLevel = s
		case "format":
			// format switches need a restart
		default:
			r.ModuleLevels[key] = s
		}
	}
	return r, nil
}

// Changed lists the settings where r differs from prev, in a stable
// order. Unset fields in r are skipped, so a key deleted from the file
// keeps its last applied value.
func (r Runtime) Changed(prev Runtime) []string {
	var out []string
	if r.FPS != 0 && r.FPS != prev.FPS {
		out = append(out, "fps")
	}
	if r.LeakPolicy != "" && r.LeakPolicy != prev.LeakPolicy {
		out = append(out, "leak-policy")
	}
	if r.LogLevel != "" && r.LogLevel != prev.LogLevel {
		out = append(out, "logging.level")
	}
	modules := make([]string, 0, len(r.ModuleLevels))
	for name := range r.ModuleLevels {
		modules = append(modules, name)
	}
	sort.Strings(modules)
	for _, name := range modules {
		if r.ModuleLevels[name] != prev.ModuleLevels[name] {
			out = append(out, "logging."+name)
		}
	}
	return out
}

// Reloader applies runtime snapshots as the watcher delivers them and
// announces each applied reload on the event bus. The capture rate and
// leak policy are applied through callbacks so this package stays out
// of the capture wiring; log levels go straight to the logging
// registry.
type Reloader struct {
	bus          *events.Bus
	logger       *slog.Logger
	onFPS        func(int)
	onLeakPolicy func(string)

	mu      sync.Mutex
	current Runtime
}

// NewReloader seeds the reloader with the settings the daemon started
// with, so the first file change is diffed against reality rather than
// against zeros.
func NewReloader(initial Runtime, bus *events.Bus, onFPS func(int), onLeakPolicy func(string)) *Reloader {
	levels := make(map[string]string, len(initial.ModuleLevels))
	for name, level := range initial.ModuleLevels {
		levels[name] = level
	}
	initial.ModuleLevels = levels
	return &Reloader{
		bus:          bus,
		logger:       logging.GetLogger("config"),
		onFPS:        onFPS,
		onLeakPolicy: onLeakPolicy,
		current:      initial,
	}
}

// Handle is the watcher callback: diff, apply, record, announce.
func (r *Reloader) Handle(next Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := next.Changed(r.current)
	if len(changed) == 0 {
		r.logger.Debug("Config file rewritten without runtime changes")
		return
	}

	for _, name := range changed {
		switch {
		case name == "fps":
			if r.onFPS != nil {
				r.onFPS(next.FPS)
			}
		case name == "leak-policy":
			if r.onLeakPolicy != nil {
				r.onLeakPolicy(next.LeakPolicy)
			}
		case name == "logging.level":
			logging.SetGlobalLevel(next.LogLevel)
		case strings.HasPrefix(name, "logging."):
			module := strings.TrimPrefix(name, "logging.")
			logging.SetModuleLevel(module, next.ModuleLevels[module])
		}
	}

	if next.FPS != 0 {
		r.current.FPS = next.FPS
	}
	if next.LeakPolicy != "" {
		r.current.LeakPolicy = next.LeakPolicy
	}
	if next.LogLevel != "" {
		r.current.LogLevel = next.LogLevel
	}
	for name, level := range next.ModuleLevels {
		r.current.ModuleLevels[name] = level
	}

	r.logger.Info("Runtime settings reloaded", "changed", changed)
	if r.bus != nil {
		r.bus.Publish(events.ConfigReloadedEvent{
			Changed:   changed,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// Current returns the last applied snapshot.
func (r *Reloader) Current() Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.current
	levels := make(map[string]string, len(out.ModuleLevels))
	for name, level := range out.ModuleLevels {
		levels[name] = level
	}
	out.ModuleLevels = levels
	return out
}
