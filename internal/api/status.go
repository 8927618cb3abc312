package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/glowgrab/internal/capture"
	"github.com/smazurov/glowgrab/internal/events"
	"github.com/smazurov/glowgrab/internal/sink"
	"github.com/smazurov/glowgrab/internal/sysmon"
	"github.com/smazurov/glowgrab/internal/tracker"
)

// RecentEvents holds the most recent bus event of each kind, so the
// status endpoint can show what last happened even when the component
// counters have long since moved on.
type RecentEvents struct {
	Transition *events.ConnectionStateEvent `json:"transition,omitempty" doc:"Last sink connection state change"`
	Anomaly    *events.AnomalyEvent         `json:"anomaly,omitempty" doc:"Last system anomaly"`
	Leak       *events.LeakEvent            `json:"leak,omitempty" doc:"Last tripped leak check"`
	Reload     *events.ConfigReloadedEvent  `json:"reload,omitempty" doc:"Last applied config reload"`
}

// statusCache tracks the latest event of each kind off the bus. The
// producers fire and forget; the cache is the only subscriber that
// remembers.
type statusCache struct {
	mu         sync.Mutex
	transition *events.ConnectionStateEvent
	anomaly    *events.AnomalyEvent
	leak       *events.LeakEvent
	reload     *events.ConfigReloadedEvent
	unsubs     []func()
}

func newStatusCache(bus *events.Bus) *statusCache {
	c := &statusCache{}
	if bus == nil {
		return c
	}
	c.unsubs = append(c.unsubs,
		bus.Subscribe(func(e events.ConnectionStateEvent) {
			c.mu.Lock()
			c.transition = &e
			c.mu.Unlock()
		}),
		bus.Subscribe(func(e events.AnomalyEvent) {
			c.mu.Lock()
			c.anomaly = &e
			c.mu.Unlock()
		}),
		bus.Subscribe(func(e events.LeakEvent) {
			c.mu.Lock()
			c.leak = &e
			c.mu.Unlock()
		}),
		bus.Subscribe(func(e events.ConfigReloadedEvent) {
			c.mu.Lock()
			c.reload = &e
			c.mu.Unlock()
		}),
	)
	return c
}

func (c *statusCache) recent() RecentEvents {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RecentEvents{
		Transition: c.transition,
		Anomaly:    c.anomaly,
		Leak:       c.leak,
		Reload:     c.reload,
	}
}

func (c *statusCache) close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// StatusBody is the full daemon status document.
type StatusBody struct {
	Capture *capture.Status   `json:"capture,omitempty" doc:"Capture engine state and counters"`
	Sink    *sink.Stats       `json:"sink,omitempty" doc:"Sink connection state and counters"`
	Tracker *tracker.Snapshot `json:"tracker,omitempty" doc:"Resource ledger counters"`
	System  *sysmon.Status    `json:"system,omitempty" doc:"System monitor sample"`
	Recent  RecentEvents      `json:"recent" doc:"Most recent bus events by kind"`
}

// StatusResponse wraps StatusBody for Huma.
type StatusResponse struct {
	Body StatusBody
}

func (s *Server) registerStatusRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/api/status",
		Summary:     "Status",
		Description: "Full daemon status: capture device and mode, sink connection, resource ledger, system monitor and recent events",
		Tags:        []string{"status"},
	}, func(_ context.Context, _ *struct{}) (*StatusResponse, error) {
		body := StatusBody{Recent: s.recent.recent()}
		if s.opts.Capture != nil {
			st := s.opts.Capture.Status()
			body.Capture = &st
		}
		if s.opts.Sink != nil {
			st := s.opts.Sink.Stats()
			body.Sink = &st
		}
		if s.opts.Tracker != nil {
			st := s.opts.Tracker.Snapshot()
			body.Tracker = &st
		}
		if s.opts.Monitor != nil {
			st := s.opts.Monitor.Status()
			body.System = &st
		}
		return &StatusResponse{Body: body}, nil
	})
}
