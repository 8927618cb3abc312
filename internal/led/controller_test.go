package led

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func fakeSysfs(t *testing.T, name string) *sysfs {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
		t.Fatal(err)
	}
	s := newSysfs(map[string]string{StatusLED: name})
	s.root = root
	return s
}

func readAttr(t *testing.T, s *sysfs, name, attr string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(s.root, name, attr))
	if err != nil {
		t.Fatalf("read %s: %v", attr, err)
	}
	return string(data)
}

func TestSysfsManualControl(t *testing.T) {
	s := fakeSysfs(t, "ACT")

	if err := s.Set(StatusLED, true, ""); err != nil {
		t.Fatal(err)
	}
	if got := readAttr(t, s, "ACT", "trigger"); got != "none" {
		t.Errorf("trigger = %q, want none", got)
	}
	if got := readAttr(t, s, "ACT", "brightness"); got != "1" {
		t.Errorf("brightness = %q, want 1", got)
	}

	if err := s.Set(StatusLED, false, ""); err != nil {
		t.Fatal(err)
	}
	if got := readAttr(t, s, "ACT", "brightness"); got != "0" {
		t.Errorf("brightness = %q, want 0", got)
	}
}

func TestSysfsTimerTrigger(t *testing.T) {
	s := fakeSysfs(t, "ACT")

	if err := s.Set(StatusLED, true, "timer"); err != nil {
		t.Fatal(err)
	}
	if got := readAttr(t, s, "ACT", "trigger"); got != "timer" {
		t.Errorf("trigger = %q, want timer", got)
	}
	if got := readAttr(t, s, "ACT", "delay_on"); got != blinkOnMs {
		t.Errorf("delay_on = %q, want %q", got, blinkOnMs)
	}
	if got := readAttr(t, s, "ACT", "delay_off"); got != blinkOffMs {
		t.Errorf("delay_off = %q, want %q", got, blinkOffMs)
	}
}

func TestSysfsHeartbeatLeavesBrightnessToKernel(t *testing.T) {
	s := fakeSysfs(t, "ACT")

	if err := s.Set(StatusLED, true, "heartbeat"); err != nil {
		t.Fatal(err)
	}
	if got := readAttr(t, s, "ACT", "trigger"); got != "heartbeat" {
		t.Errorf("trigger = %q, want heartbeat", got)
	}
	// The trigger owns the LED; brightness must not be touched.
	if _, err := os.Stat(filepath.Join(s.root, "ACT", "brightness")); err == nil {
		t.Error("brightness written while a trigger is active")
	}
}

func TestSysfsSetErrors(t *testing.T) {
	s := fakeSysfs(t, "ACT")

	if err := s.Set("power", true, ""); err == nil {
		t.Error("unmapped LED should error")
	}

	missing := newSysfs(map[string]string{StatusLED: "gone_led"})
	missing.root = s.root
	if err := missing.Set(StatusLED, true, ""); err == nil {
		t.Error("missing LED directory should error")
	}
}

func TestSysfsAvailable(t *testing.T) {
	s := newSysfs(map[string]string{"status": "ACT", "aux": "PWR"})
	if got, want := s.Available(), []string{"aux", "status"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Available() = %v, want %v", got, want)
	}
}

func TestNoopController(t *testing.T) {
	ctrl := newNoop()

	if err := ctrl.Set(StatusLED, true, "heartbeat"); err != nil {
		t.Errorf("Set() returned error: %v", err)
	}
	if leds := ctrl.Available(); len(leds) != 0 {
		t.Errorf("Available() = %v, want empty", leds)
	}
	if triggers := ctrl.Triggers(); len(triggers) != 0 {
		t.Errorf("Triggers() = %v, want empty", triggers)
	}
}
