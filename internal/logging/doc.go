// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stdout when a terminal, pipe, or file is connected
//   - Mirrors recent entries into a ring buffer for the status API and
//     for diagnostic context dumps
//   - Fans out to any registered extra sink (the diagnostic recorder
//     installs itself this way)
//
// # Usage
//
// Configure the logging system once at startup:
//
//	logging.Setup(logging.Config{
//		Level:  "info",      // Global log level: debug, info, warn, error
//		Format: "text",      // Output format: text or json
//		Modules: map[string]string{
//			"capture": "debug",  // Per-module overrides
//			"sink":    "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("capture")
//	logger.Info("Cycle complete", "frames", n)
//	logger.Warn("Frame dropped", "error", err)
//
// Add contextual attributes:
//
//	logger := logging.GetLogger("sink").With("address", addr)
//	logger.Info("Connected")  // Includes address in all logs
//
// # Runtime level changes
//
// Config hot reload retunes levels without restarting:
//
//	logging.SetGlobalLevel("debug")
//	logging.SetModuleLevel("sysmon", "warn")
//
// # Viewing Logs
//
// When running as a systemd service or on a system with journald:
//
//	journalctl -t glowgrab              # All glowgrab logs
//	journalctl -t glowgrab -f           # Follow live
//	journalctl -t glowgrab -p err       # Errors only
//
// Filter by structured fields:
//
//	journalctl -t glowgrab MODULE=capture
//
// # Configuration
//
// Log levels can be set globally or per-module. Module-specific levels
// override the global level for that module only.
//
// Example TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	capture = "debug"
//	sink = "warn"
package logging
