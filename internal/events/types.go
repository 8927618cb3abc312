package events

// Event type constants for kelindar/event.
const (
	TypeConnectionState uint32 = iota + 1
	TypeAnomaly
	TypeLeak
	TypeConfigReloaded
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ConnectionStateEvent is published on every sink connection state
// transition. Consumed by the LED manager and the status API.
type ConnectionStateEvent struct {
	From                string `json:"from" example:"connecting" doc:"Previous connection state"`
	To                  string `json:"to" example:"connected" doc:"New connection state"`
	ConsecutiveFailures int    `json:"consecutive_failures" example:"0" doc:"Failed sends since the last successful one"`
	Timestamp           string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Transition timestamp"`
}

// Type returns the event type identifier for ConnectionStateEvent.
func (e ConnectionStateEvent) Type() uint32 { return TypeConnectionState }

// AnomalyEvent is published when the system monitor sees something
// outside its routine envelope: DRM client churn, memory pressure, the
// media player vanishing or coming back under a new pid.
type AnomalyEvent struct {
	Kind      string `json:"kind" example:"player_restarted" doc:"Anomaly class"`
	Detail    string `json:"detail" example:"kodi.bin pid 2031 -> 2790" doc:"Human-readable detail"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Observation timestamp"`
}

// Type returns the event type identifier for AnomalyEvent.
func (e AnomalyEvent) Type() uint32 { return TypeAnomaly }

// LeakEvent is published when a leak check trips.
type LeakEvent struct {
	Count     int    `json:"count" example:"2" doc:"Leaked resources found"`
	Policy    string `json:"policy" example:"warn" doc:"Leak policy in effect"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Check timestamp"`
}

// Type returns the event type identifier for LeakEvent.
func (e LeakEvent) Type() uint32 { return TypeLeak }

// ConfigReloadedEvent is published after a config file change was
// applied to the running daemon.
type ConfigReloadedEvent struct {
	Changed   []string `json:"changed" example:"[\"leak-policy\"]" doc:"Settings that changed"`
	Timestamp string   `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Reload timestamp"`
}

// Type returns the event type identifier for ConfigReloadedEvent.
func (e ConfigReloadedEvent) Type() uint32 { return TypeConfigReloaded }
