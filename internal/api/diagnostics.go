package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/glowgrab/internal/logging"
	"github.com/smazurov/glowgrab/internal/tracker"
)

// TrackerBody is the live resource ledger with its counters.
type TrackerBody struct {
	Snapshot tracker.Snapshot    `json:"snapshot" doc:"Ledger counters"`
	Open     []tracker.DumpEntry `json:"open" doc:"Currently open resources, oldest first"`
}

// TrackerResponse wraps TrackerBody for Huma.
type TrackerResponse struct {
	Body TrackerBody
}

// LogsBody is the in-memory log ring, oldest first.
type LogsBody struct {
	Entries []logging.LogEntry `json:"entries" doc:"Buffered log entries, oldest first"`
	Count   int                `json:"count" doc:"Number of entries returned"`
}

// LogsResponse wraps LogsBody for Huma.
type LogsResponse struct {
	Body LogsBody
}

func (s *Server) registerDiagnosticsRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-tracker",
		Method:      http.MethodGet,
		Path:        "/api/tracker",
		Summary:     "Tracker",
		Description: "Dump the live kernel resource ledger: every GEM handle, dma-buf fd and mapping currently open, with its age",
		Tags:        []string{"diagnostics"},
	}, func(_ context.Context, _ *struct{}) (*TrackerResponse, error) {
		body := TrackerBody{Open: []tracker.DumpEntry{}}
		if s.opts.Tracker != nil {
			body.Snapshot = s.opts.Tracker.Snapshot()
			body.Open = s.opts.Tracker.Entries()
		}
		return &TrackerResponse{Body: body}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Logs",
		Description: "Return the in-memory log ring",
		Tags:        []string{"diagnostics"},
	}, func(_ context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" doc:"Return only the newest N entries; 0 returns everything"`
	}) (*LogsResponse, error) {
		var entries []logging.LogEntry
		if buf := logging.GetBuffer(); buf != nil {
			entries = buf.ReadAll()
		}
		if input.Limit > 0 && input.Limit < len(entries) {
			entries = entries[len(entries)-input.Limit:]
		}
		if entries == nil {
			entries = []logging.LogEntry{}
		}
		return &LogsResponse{
			Body: LogsBody{Entries: entries, Count: len(entries)},
		}, nil
	})
}
