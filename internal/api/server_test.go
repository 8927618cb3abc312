package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/glowgrab/internal/capture"
	"github.com/smazurov/glowgrab/internal/drm"
	"github.com/smazurov/glowgrab/internal/events"
	"github.com/smazurov/glowgrab/internal/logging"
	"github.com/smazurov/glowgrab/internal/sink"
	"github.com/smazurov/glowgrab/internal/sysmon"
	"github.com/smazurov/glowgrab/internal/tracker"
	"github.com/smazurov/glowgrab/internal/version"
)

func TestMain(m *testing.M) {
	logging.Setup(logging.Config{Level: "info", Format: "text"})
	// Request logs would race the ring buffer assertions below.
	logging.SetModuleLevel("http", "error")
	logging.SetModuleLevel("api", "error")
	os.Exit(m.Run())
}

type mockCapture struct {
	status capture.Status
}

func (m *mockCapture) Status() capture.Status { return m.status }

type mockSink struct {
	stats sink.Stats
}

func (m *mockSink) Stats() sink.Stats { return m.stats }

type mockMonitor struct {
	status sysmon.Status
}

func (m *mockMonitor) Status() sysmon.Status { return m.status }

func newTestServer(t *testing.T, opts *Options) *httptest.Server {
	t.Helper()
	server := NewServer(opts)
	ts := httptest.NewServer(server.GetMux())
	t.Cleanup(func() {
		ts.Close()
		if err := server.Stop(); err != nil {
			t.Errorf("Stop() = %v", err)
		}
	})
	return ts
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status = %d, want %d", url, resp.StatusCode, http.StatusOK)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, &Options{})

	var body HealthBody
	getJSON(t, ts.URL+"/api/health", &body)

	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Version.Version != version.String() {
		t.Errorf("version = %q, want %q", body.Version.Version, version.String())
	}
	if body.Version.Platform == "" {
		t.Error("expected non-empty platform")
	}
}

func TestStatusEndpoint(t *testing.T) {
	track := tracker.New(tracker.PolicyWarn)
	track.Track(tracker.KindGEMHandle, 7, "fb 99")
	track.Track(tracker.KindPrimeFD, 12, "fb 99")

	opts := &Options{
		Capture: &mockCapture{status: capture.Status{
			Cycles:      120,
			Converted:   118,
			LastOutcome: "success",
			Source:      "/dev/dri/card1",
			Device: &drm.Info{
				Path:   "/dev/dri/card1",
				Driver: "vc4",
				Pipe: drm.Pipe{
					Connector: "HDMI-A-1",
					Mode:      drm.Mode{Width: 1920, Height: 1080, Refresh: 60},
				},
			},
		}},
		Sink: &mockSink{stats: sink.Stats{
			State:      "connected",
			Address:    "127.0.0.1:19400",
			FramesSent: 42,
			Connects:   1,
		}},
		Tracker: track,
		Monitor: &mockMonitor{status: sysmon.Status{
			Load1:          0.52,
			MemUsedPercent: 61.3,
			PlayerRunning:  true,
			DRMClients:     3,
		}},
	}
	ts := newTestServer(t, opts)

	var body StatusBody
	getJSON(t, ts.URL+"/api/status", &body)

	if body.Capture == nil || body.Capture.Source != "/dev/dri/card1" {
		t.Errorf("capture section = %+v, want source /dev/dri/card1", body.Capture)
	}
	if body.Capture.Device == nil || body.Capture.Device.Pipe.Mode.Width != 1920 {
		t.Errorf("device section = %+v, want 1920 wide mode", body.Capture.Device)
	}
	if body.Sink == nil || body.Sink.State != "connected" || body.Sink.FramesSent != 42 {
		t.Errorf("sink section = %+v, want connected with 42 sent", body.Sink)
	}
	if body.Tracker == nil || body.Tracker.OpenCount != 2 {
		t.Errorf("tracker section = %+v, want 2 open", body.Tracker)
	}
	if body.System == nil || body.System.DRMClients != 3 {
		t.Errorf("system section = %+v, want 3 drm clients", body.System)
	}
}

func TestStatusEndpointWithoutSources(t *testing.T) {
	ts := newTestServer(t, &Options{})

	var body StatusBody
	getJSON(t, ts.URL+"/api/status", &body)

	if body.Capture != nil || body.Sink != nil || body.Tracker != nil || body.System != nil {
		t.Errorf("expected empty sections, got %+v", body)
	}
}

func TestStatusRecentEvents(t *testing.T) {
	bus := events.New()
	ts := newTestServer(t, &Options{Bus: bus})

	bus.Publish(events.ConnectionStateEvent{
		From:      "connecting",
		To:        "connected",
		Timestamp: "2026-01-27T10:30:00Z",
	})
	bus.Publish(events.AnomalyEvent{
		Kind:   "player_restarted",
		Detail: "kodi.bin pid 2031 -> 2790",
	})

	// Bus delivery is asynchronous; poll until the cache catches up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var body StatusBody
		getJSON(t, ts.URL+"/api/status", &body)

		if body.Recent.Transition != nil && body.Recent.Anomaly != nil {
			if body.Recent.Transition.To != "connected" {
				t.Errorf("transition.to = %q, want %q", body.Recent.Transition.To, "connected")
			}
			if body.Recent.Anomaly.Kind != "player_restarted" {
				t.Errorf("anomaly.kind = %q, want %q", body.Recent.Anomaly.Kind, "player_restarted")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("recent events never appeared: %+v", body.Recent)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTrackerEndpoint(t *testing.T) {
	track := tracker.New(tracker.PolicyWarn)
	track.Track(tracker.KindGEMHandle, 7, "fb 99")
	track.Track(tracker.KindPrimeFD, 12, "fb 99")
	ts := newTestServer(t, &Options{Tracker: track})

	var body TrackerBody
	getJSON(t, ts.URL+"/api/tracker", &body)

	if body.Snapshot.OpenCount != 2 {
		t.Errorf("open_count = %d, want 2", body.Snapshot.OpenCount)
	}
	if len(body.Open) != 2 {
		t.Fatalf("open rows = %d, want 2", len(body.Open))
	}
	// Oldest first: the GEM handle was tracked before the prime fd.
	if body.Open[0].Kind != "gem_handle" || body.Open[0].ID != 7 {
		t.Errorf("open[0] = %+v, want gem_handle 7", body.Open[0])
	}
	if body.Open[1].Kind != "prime_fd" || body.Open[1].ID != 12 {
		t.Errorf("open[1] = %+v, want prime_fd 12", body.Open[1])
	}
}

func TestLogsEndpoint(t *testing.T) {
	logger := logging.GetLogger("apitest")
	logger.Info("first probe")
	logger.Info("second probe")
	logger.Info("third probe")

	ts := newTestServer(t, &Options{})

	var body LogsBody
	getJSON(t, ts.URL+"/api/logs", &body)

	if body.Count < 3 {
		t.Fatalf("count = %d, want at least 3", body.Count)
	}
	if body.Count != len(body.Entries) {
		t.Errorf("count = %d but %d entries", body.Count, len(body.Entries))
	}

	var limited LogsBody
	getJSON(t, ts.URL+"/api/logs?limit=2", &limited)

	if len(limited.Entries) != 2 {
		t.Fatalf("limited entries = %d, want 2", len(limited.Entries))
	}
	if limited.Entries[0].Message != "second probe" || limited.Entries[1].Message != "third probe" {
		t.Errorf("limited entries = %q, %q; want the two newest probes",
			limited.Entries[0].Message, limited.Entries[1].Message)
	}
	if limited.Entries[1].Module != "apitest" {
		t.Errorf("module = %q, want %q", limited.Entries[1].Module, "apitest")
	}
}

func TestMetricsEndpointMounting(t *testing.T) {
	stub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "# stub exposition")
	})
	ts := newTestServer(t, &Options{Metrics: stub})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Without a handler the route must not exist.
	tsOff := newTestServer(t, &Options{})
	respOff, err := http.Get(tsOff.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer respOff.Body.Close()
	if respOff.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", respOff.StatusCode, http.StatusNotFound)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &Options{})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /api/status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("Allow-Origin = %q, want %q", origin, "*")
	}
	if methods := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "GET") {
		t.Errorf("Allow-Methods = %q, want GET included", methods)
	}
}

func TestCORSHeadersOnGet(t *testing.T) {
	ts := newTestServer(t, &Options{})

	resp := getJSON(t, ts.URL+"/api/health", nil)
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("Allow-Origin = %q, want %q", origin, "*")
	}
}
