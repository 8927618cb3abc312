package led

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/glowgrab/internal/events"
)

type setCall struct {
	led     string
	on      bool
	trigger string
}

type mockController struct {
	mu    sync.Mutex
	calls []setCall
}

func (m *mockController) Set(led string, on bool, trigger string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, setCall{led, on, trigger})
	return nil
}

func (m *mockController) snapshot() []setCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]setCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockController) Available() []string { return []string{StatusLED} }
func (m *mockController) Triggers() []string  { return []string{"none", "timer", "heartbeat"} }

func waitForCalls(t *testing.T, ctrl *mockController, n int) []setCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := ctrl.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d LED calls, have %v", n, ctrl.snapshot())
	return nil
}

func transition(from, to string) events.ConnectionStateEvent {
	return events.ConnectionStateEvent{
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func TestManagerFollowsConnectionState(t *testing.T) {
	ctrl := &mockController{}
	bus := events.New()

	mgr := NewManager(ctrl, bus)
	mgr.Start()
	defer mgr.Stop()

	bus.Publish(transition("disconnected", "connecting"))
	bus.Publish(transition("connecting", "connected"))
	bus.Publish(transition("connected", "backoff"))
	bus.Publish(transition("backoff", "fallback"))
	bus.Publish(transition("fallback", "disconnected"))

	calls := waitForCalls(t, ctrl, 6)
	want := []setCall{
		{StatusLED, false, ""},         // initial dark
		{StatusLED, true, "timer"},     // connecting
		{StatusLED, true, "heartbeat"}, // connected
		{StatusLED, true, "timer"},     // backoff
		{StatusLED, true, "timer"},     // fallback
		{StatusLED, false, ""},         // disconnected
	}
	if !reflect.DeepEqual(calls[:6], want) {
		t.Errorf("LED calls = %v, want %v", calls[:6], want)
	}
}

func TestManagerStopLeavesLEDDark(t *testing.T) {
	ctrl := &mockController{}
	bus := events.New()

	mgr := NewManager(ctrl, bus)
	mgr.Start()

	bus.Publish(transition("disconnected", "connected"))
	waitForCalls(t, ctrl, 2)

	mgr.Stop()
	calls := ctrl.snapshot()
	last := calls[len(calls)-1]
	if last.on || last.trigger != "" {
		t.Errorf("last call after Stop = %+v, want dark", last)
	}

	// Transitions after Stop must not reach the controller.
	before := len(calls)
	bus.Publish(transition("connected", "backoff"))
	time.Sleep(100 * time.Millisecond)
	if got := len(ctrl.snapshot()); got != before {
		t.Errorf("controller called %d times after Stop, want %d", got, before)
	}
}
