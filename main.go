package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/glowgrab/internal/api"
	"github.com/smazurov/glowgrab/internal/capture"
	"github.com/smazurov/glowgrab/internal/config"
	"github.com/smazurov/glowgrab/internal/diag"
	"github.com/smazurov/glowgrab/internal/drm"
	"github.com/smazurov/glowgrab/internal/events"
	"github.com/smazurov/glowgrab/internal/led"
	"github.com/smazurov/glowgrab/internal/logging"
	"github.com/smazurov/glowgrab/internal/metrics/exporters"
	"github.com/smazurov/glowgrab/internal/sink"
	"github.com/smazurov/glowgrab/internal/sysmon"
	"github.com/smazurov/glowgrab/internal/tracker"
	"github.com/smazurov/glowgrab/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:""`

	// Sink settings
	Address             string `help:"Lighting sink TCP address" default:"127.0.0.1:19400" toml:"address" env:"ADDRESS"`
	Priority            int    `help:"Channel priority sent in the register handshake" default:"150" toml:"priority" env:"PRIORITY"`
	MaxRetries          int    `help:"Consecutive send failures before fallback" default:"10" toml:"max-retries" env:"MAX_RETRIES"`
	ConnectionTimeoutMs int    `help:"Dial and per-send deadline in milliseconds" default:"3000" toml:"connection-timeout-ms" env:"CONNECTION_TIMEOUT_MS"`

	// Capture settings
	FPS       int    `help:"Capture rate in frames per second" default:"20" toml:"fps" env:"FPS"`
	Device    string `help:"DRM device path override, e.g. /dev/dri/card1" default:"" toml:"device" env:"DEVICE"`
	Connector string `help:"Connector name override, e.g. HDMI-A-1" default:"" toml:"connector" env:"CONNECTOR"`

	// Diagnostics settings
	MonitorIntervalMs int    `help:"System monitor cadence in milliseconds, 0 disables" default:"1000" toml:"monitor-interval-ms" env:"MONITOR_INTERVAL_MS"`
	LeakPolicy        string `help:"Leak check policy (warn, close)" default:"warn" toml:"leak-policy" env:"LEAK_POLICY"`
	DiagLog           string `help:"Diagnostic log path" default:"/tmp/glowgrab-diagnostic.log" toml:"diag-log" env:"DIAG_LOG"`
	HTTP              string `help:"API and metrics listen address, empty disables" default:":8087" toml:"http" env:"HTTP"`

	// Logging settings
	LogLevel     string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOG_LEVEL"`
	LogFormat    string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOG_FORMAT"`
	ModuleLevels string `help:"Per-module level overrides, e.g. capture=debug,sink=warn" default:"" toml:"logging.modules" env:"MODULE_LEVELS"`
}

// parseModuleLevels splits "capture=debug,sink=warn" into a module map.
func parseModuleLevels(s string) map[string]string {
	levels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		module, level, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || module == "" || level == "" {
			continue
		}
		levels[module] = level
	}
	return levels
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.Load(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system. The TOML [logging] table may name
		// modules the flags don't know about; flags and env win for the
		// keys they cover because Load already resolved them.
		logCfg := config.LoadLogging(opts.Config)
		logCfg.Level = opts.LogLevel
		logCfg.Format = opts.LogFormat
		for module, level := range parseModuleLevels(opts.ModuleLevels) {
			logCfg.Modules[module] = level
		}
		logging.Setup(logCfg)

		logger := logging.GetLogger("main")

		// Diagnostic recorder taps the logging chain; the daemon still
		// runs if the file cannot be opened, just without the flight
		// recorder.
		rec, recErr := diag.New(opts.DiagLog)
		if recErr != nil {
			logger.Warn("Diagnostic recorder unavailable", "error", recErr)
			rec = nil
		} else {
			logging.RegisterHandler(rec.Handler())
		}

		info := version.Get()
		logger.Info("Starting glowgrab",
			slog.String(diag.AttrCategory, diag.CategoryInit),
			slog.String("version", info.Version),
			slog.String("commit", info.GitCommit),
			slog.String("built", info.BuildDate))

		// Create event bus for in-process event handling
		bus := events.New()

		track := tracker.New(tracker.Policy(opts.LeakPolicy))

		sinkMgr := sink.NewManager(sink.Config{
			Address:    opts.Address,
			Priority:   opts.Priority,
			Timeout:    time.Duration(opts.ConnectionTimeoutMs) * time.Millisecond,
			MaxRetries: opts.MaxRetries,
		}, bus)

		selectDev := func() (capture.Device, error) {
			dev, err := drm.Select(drm.SelectOptions{
				Device:    opts.Device,
				Connector: opts.Connector,
			})
			if err != nil {
				return nil, err
			}
			return dev, nil
		}

		engine := capture.New(capture.Config{FPS: opts.FPS}, selectDev, track, sinkMgr.Queue(), bus)

		var monitor *sysmon.Monitor
		if opts.MonitorIntervalMs > 0 {
			m, monErr := sysmon.New(sysmon.Config{
				Interval: time.Duration(opts.MonitorIntervalMs) * time.Millisecond,
			}, bus)
			if monErr != nil {
				logger.Warn("System monitor unavailable", "error", monErr)
			} else {
				monitor = m
			}
		}

		ledManager := led.NewManager(led.New(), bus)

		var server *api.Server
		if opts.HTTP != "" {
			apiOpts := &api.Options{
				Capture: engine,
				Sink:    sinkMgr,
				Tracker: track,
				Bus:     bus,
				Metrics: exporters.HTTPHandler(),
			}
			if monitor != nil {
				apiOpts.Monitor = monitor
			}
			server = api.NewServer(apiOpts)
		}

		if rec != nil {
			rec.SetSummaryFunc(func() string {
				cs := engine.Status()
				ss := sinkMgr.Stats()
				ts := track.Snapshot()
				return fmt.Sprintf("cycles=%d converted=%d sent=%d dropped=%d state=%s open=%d",
					cs.Cycles, cs.Converted, ss.FramesSent, ss.FramesDropped, ss.State, ts.OpenCount)
			})
		}

		// Hot reload of the runtime-tunable settings. The baseline is
		// what we just applied, so an untouched file produces no diff.
		var watcher *config.Watcher[config.Runtime]
		if opts.Config != "" {
			reloader := config.NewReloader(config.Runtime{
				FPS:          opts.FPS,
				LeakPolicy:   opts.LeakPolicy,
				LogLevel:     opts.LogLevel,
				ModuleLevels: logCfg.Modules,
			}, bus, engine.SetRate, func(policy string) {
				track.SetPolicy(tracker.Policy(policy))
			})
			watcher = config.NewWatcher(opts.Config, config.LoadRuntime)
			watcher.OnReload(reloader.Handle)
		}

		// Capture, monitor and summary loops run on the signal context;
		// the sink gets its own so shutdown can stop capture first and
		// still flush the queue.
		runCtx, stopRun := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		sinkCtx, stopSink := context.WithCancel(context.Background())
		var runWG, sinkWG sync.WaitGroup

		hooks.OnStart(func() {
			sinkWG.Add(1)
			go func() {
				defer sinkWG.Done()
				if err := sinkMgr.Run(sinkCtx); err != nil {
					logger.Error("Sink loop failed", "error", err)
				}
			}()

			runWG.Add(1)
			go func() {
				defer runWG.Done()
				if err := engine.Run(runCtx); err != nil {
					logger.Error("Capture failed", "error", err)
					if rec != nil {
						rec.Event(diag.CategoryCrash, "capture failed: %v", err)
						rec.DumpTracker(track.Dump)
						_ = rec.Close()
					}
					os.Exit(1)
				}
			}()

			if monitor != nil {
				runWG.Add(1)
				go func() {
					defer runWG.Done()
					if err := monitor.Run(runCtx); err != nil {
						logger.Warn("System monitor stopped", "error", err)
					}
				}()
			}

			if rec != nil {
				runWG.Add(1)
				go func() {
					defer runWG.Done()
					rec.Run(runCtx)
				}()
			}

			ledManager.Start()

			if watcher != nil {
				if err := watcher.Start(); err != nil {
					logger.Warn("Config hot reload unavailable", "error", err)
				}
			}

			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				logger.Debug("sd_notify not delivered", "error", err)
			}

			if server != nil {
				if startErr := server.Start(opts.HTTP); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
					logger.Error("Failed to start HTTP server", "error", startErr)
					os.Exit(1)
				}
				return
			}
			<-runCtx.Done()
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down",
				slog.String(diag.AttrCategory, diag.CategoryState))
			if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
				logger.Debug("sd_notify not delivered", "error", err)
			}

			// Capture stops producing before the tracker releases
			// anything it still holds.
			stopRun()
			runWG.Wait()

			if err := track.Close(); err != nil {
				logger.Warn("Tracker close incomplete", "error", err)
			}

			stopSink()
			sinkWG.Wait()

			if watcher != nil {
				if err := watcher.Stop(); err != nil {
					logger.Warn("Config watcher stop failed", "error", err)
				}
			}
			ledManager.Stop()

			if rec != nil {
				if err := rec.Close(); err != nil {
					logger.Warn("Diagnostic recorder close failed", "error", err)
				}
			}

			if server != nil {
				if stopErr := server.Stop(); stopErr != nil {
					logger.Error("Error stopping HTTP server", "error", stopErr)
				}
			}
		})
	})

	cli.Root().Use = "glowgrab"
	cli.Root().Version = version.String()

	// Run the CLI
	cli.Run()
}
