package led

import (
	"testing"
)

func TestBoardController(t *testing.T) {
	tests := []struct {
		model    string
		wantName string
	}{
		{"Raspberry Pi 4 Model B Rev 1.4", "ACT"},
		{"Raspberry Pi 3 Model B Plus Rev 1.3", "ACT"},
		{"Orange Pi 5", "green_led"},
		{"FriendlyElec NanoPC-T6", "sys_led"},
		{"Generic x86_64 Desktop", ""},
		{"unknown", ""},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			ctrl, name := boardController(tt.model)
			if name != tt.wantName {
				t.Errorf("boardController(%q) name = %q, want %q", tt.model, name, tt.wantName)
			}
			if ctrl == nil {
				t.Fatal("controller must never be nil")
			}
			if tt.wantName == "" {
				if _, ok := ctrl.(*noop); !ok {
					t.Errorf("unknown board should get the noop controller, got %T", ctrl)
				}
			} else {
				s, ok := ctrl.(*sysfs)
				if !ok {
					t.Fatalf("got %T, want *sysfs", ctrl)
				}
				if s.leds[StatusLED] != tt.wantName {
					t.Errorf("status LED mapped to %q, want %q", s.leds[StatusLED], tt.wantName)
				}
			}
		})
	}
}

func TestNewNeverReturnsNil(t *testing.T) {
	ctrl := New()
	if ctrl == nil {
		t.Fatal("New() returned nil")
	}
	if ctrl.Available() == nil {
		t.Error("Available() returned nil")
	}
}

func TestDetectBoard(t *testing.T) {
	model := detectBoard()
	if model == "" {
		t.Error("detectBoard() returned empty string")
	}
	if model == "unknown" {
		t.Log("board model unknown (expected off-target)")
	}
}
