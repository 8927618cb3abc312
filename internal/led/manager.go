package led

import (
	"log/slog"

	"github.com/smazurov/glowgrab/internal/events"
	"github.com/smazurov/glowgrab/internal/logging"
)

// Manager mirrors the sink connection state onto the board status LED:
// heartbeat while connected, timer blink while connecting or backing
// off, dark when disconnected.
type Manager struct {
	controller  Controller
	bus         *events.Bus
	logger      *slog.Logger
	unsubscribe func()
}

// NewManager wires a controller to the event bus.
func NewManager(controller Controller, bus *events.Bus) *Manager {
	return &Manager{
		controller: controller,
		bus:        bus,
		logger:     logging.GetLogger("led"),
	}
}

// Start subscribes to connection transitions. The LED starts dark and
// follows the sink from its first transition.
func (m *Manager) Start() {
	m.set(false, "")
	m.unsubscribe = m.bus.Subscribe(func(e events.ConnectionStateEvent) {
		m.apply(e.To)
	})
	m.logger.Info("LED manager started", "leds", m.controller.Available())
}

// Stop unsubscribes and leaves the LED dark.
func (m *Manager) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.set(false, "")
	m.logger.Info("LED manager stopped")
}

// apply maps one connection state onto the status LED.
func (m *Manager) apply(state string) {
	switch state {
	case "connected":
		m.set(true, "heartbeat")
	case "connecting", "backoff", "fallback":
		m.set(true, "timer")
	case "disconnected":
		m.set(false, "")
	}
}

func (m *Manager) set(on bool, trigger string) {
	if err := m.controller.Set(StatusLED, on, trigger); err != nil {
		m.logger.Warn("Status LED update failed", "trigger", trigger, "error", err)
	}
}
