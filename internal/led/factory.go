package led

import (
	"os"
	"strings"

	"github.com/smazurov/glowgrab/internal/logging"
)

const deviceTreeModelPath = "/proc/device-tree/model"

// StatusLED is the logical LED the daemon drives.
const StatusLED = "status"

// New detects the board and returns the matching controller. Unknown
// boards get the no-op controller so callers never branch.
func New() Controller {
	model := detectBoard()
	ctrl, name := boardController(model)

	logger := logging.GetLogger("led")
	if name == "" {
		logger.Info("No status LED for this board", "board_model", model)
	} else {
		logger.Info("Status LED enabled", "board_model", model, "led", name)
	}
	return ctrl
}

// boardController maps a device-tree model string onto the board's
// status LED. The second return is the sysfs LED name, empty for noop.
func boardController(model string) (Controller, string) {
	switch {
	case strings.Contains(model, "Raspberry Pi"):
		return newSysfs(map[string]string{StatusLED: "ACT"}), "ACT"
	case strings.Contains(model, "Orange Pi"):
		return newSysfs(map[string]string{StatusLED: "green_led"}), "green_led"
	case strings.Contains(model, "NanoPC-T6"):
		return newSysfs(map[string]string{StatusLED: "sys_led"}), "sys_led"
	default:
		return newNoop(), ""
	}
}

// detectBoard reads the device tree model. The value is NUL terminated.
func detectBoard() string {
	data, err := os.ReadFile(deviceTreeModelPath)
	if err != nil {
		return "unknown"
	}
	return strings.TrimRight(string(data), "\x00")
}
