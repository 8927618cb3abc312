package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func resetForTest() {
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	isInitialized = false
	globalConfig = Config{}
	extraHandlers = nil
	mutex.Unlock()
}

func TestModuleLevelOverride(t *testing.T) {
	resetForTest()

	Setup(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"capture": "debug",
			"sink":    "warn",
		},
	})

	tests := []struct {
		module      string
		wantDebug   bool
		wantInfo    bool
		wantWarn    bool
		description string
	}{
		{"capture", true, true, true, "capture module should log debug (override to debug)"},
		{"sink", false, false, true, "sink module should only log warn (override to warn)"},
		{"other", false, true, true, "other module should log info (global default)"},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			logger := GetLogger(tt.module)
			handler := logger.Handler()

			gotDebug := handler.Enabled(context.Background(), slog.LevelDebug)
			gotInfo := handler.Enabled(context.Background(), slog.LevelInfo)
			gotWarn := handler.Enabled(context.Background(), slog.LevelWarn)

			if gotDebug != tt.wantDebug {
				t.Errorf("module %q: Debug enabled = %v, want %v", tt.module, gotDebug, tt.wantDebug)
			}
			if gotInfo != tt.wantInfo {
				t.Errorf("module %q: Info enabled = %v, want %v", tt.module, gotInfo, tt.wantInfo)
			}
			if gotWarn != tt.wantWarn {
				t.Errorf("module %q: Warn enabled = %v, want %v", tt.module, gotWarn, tt.wantWarn)
			}
		})
	}
}

func TestGetLoggerBeforeSetup(t *testing.T) {
	resetForTest()

	// Before Setup the module defaults to info level.
	loggerBefore := GetLogger("drm")
	handlerBefore := loggerBefore.Handler()

	if handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Logger created before Setup should NOT have debug enabled")
	}

	Setup(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"drm": "debug",
		},
	})

	loggerAfter := GetLogger("drm")

	// The logger is cached; Setup retunes its LevelVar in place.
	if loggerBefore != loggerAfter {
		t.Error("Logger should be cached - same pointer before and after Setup")
	}

	if !handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Cached logger should have debug enabled after Setup updates LevelVar")
	}
}

func TestSetModuleLevelRuntime(t *testing.T) {
	resetForTest()

	Setup(Config{Level: "info", Format: "text"})

	logger := GetLogger("sysmon")
	handler := logger.Handler()

	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("sysmon should start at info")
	}

	SetModuleLevel("sysmon", "debug")

	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("SetModuleLevel should retune the cached handler to debug")
	}

	// Unknown level strings are ignored.
	SetModuleLevel("sysmon", "shout")
	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("invalid level string should leave the previous level in place")
	}
}

func TestSetGlobalLevelLeavesOverrides(t *testing.T) {
	resetForTest()

	Setup(Config{
		Level:   "info",
		Format:  "text",
		Modules: map[string]string{"sink": "warn"},
	})

	plain := GetLogger("tracker").Handler()
	overridden := GetLogger("sink").Handler()

	SetGlobalLevel("debug")

	if !plain.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("global level change should reach modules without overrides")
	}
	if overridden.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("module override should survive a global level change")
	}
}

func TestMultiHandlerDebugOutput(t *testing.T) {
	var buf bytes.Buffer

	debugHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	multi := NewMultiHandler(debugHandler, infoHandler)
	logger := slog.New(multi).With("module", "test")

	logger.Debug("debug only message")

	output := buf.String()
	if !strings.Contains(output, "debug only message") {
		t.Errorf("Debug message not written via MultiHandler. Output: %s", output)
	}

	// Only the debug-level handler should have written it.
	count := strings.Count(output, "debug only message")
	if count != 1 {
		t.Errorf("Expected 1 debug message, got %d. Output: %s", count, output)
	}
}

func TestRegisterHandlerReachesExistingLoggers(t *testing.T) {
	resetForTest()

	Setup(Config{Level: "info", Format: "text"})
	GetLogger("capture") // force creation before the sink exists

	var buf bytes.Buffer
	sink := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	RegisterHandler(sink)

	GetLogger("capture").Info("wired message")

	if !strings.Contains(buf.String(), "wired message") {
		t.Errorf("registered sink did not receive the record. Output: %s", buf.String())
	}
}

func TestRingBufferWrapAndDrain(t *testing.T) {
	rb := NewRingBuffer(3)

	for _, msg := range []string{"a", "b", "c", "d"} {
		rb.Write(LogEntry{Message: msg})
	}

	all := rb.ReadAll()
	if len(all) != 3 {
		t.Fatalf("ReadAll returned %d entries, want 3", len(all))
	}
	if all[0].Message != "b" || all[2].Message != "d" {
		t.Errorf("wrap order wrong: got %q..%q, want b..d", all[0].Message, all[2].Message)
	}

	drained := rb.Drain()
	if len(drained) != 3 {
		t.Errorf("Drain returned %d entries, want 3", len(drained))
	}
	if rb.Count() != 0 {
		t.Errorf("Count after Drain = %d, want 0", rb.Count())
	}
	if got := rb.ReadAll(); got != nil {
		t.Errorf("ReadAll after Drain = %v, want nil", got)
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		isNil bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if tt.isNil {
				if got != nil {
					t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
				}
			} else {
				if got == nil {
					t.Errorf("parseLevel(%q) = nil, want %v", tt.input, tt.want)
				} else if *got != tt.want {
					t.Errorf("parseLevel(%q) = %v, want %v", tt.input, *got, tt.want)
				}
			}
		})
	}
}
