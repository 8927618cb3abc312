package led

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const sysfsLEDRoot = "/sys/class/leds"

// timer trigger cadence while reconnecting
const (
	blinkOnMs  = "250"
	blinkOffMs = "250"
)

// sysfs implements Controller through /sys/class/leds.
type sysfs struct {
	root string            // overridable in tests
	leds map[string]string // logical name -> sysfs LED name
}

func newSysfs(leds map[string]string) *sysfs {
	return &sysfs{root: sysfsLEDRoot, leds: leds}
}

func (s *sysfs) Set(led string, on bool, trigger string) error {
	name, ok := s.leds[led]
	if !ok {
		return fmt.Errorf("led %q not mapped on this board", led)
	}
	dir := filepath.Join(s.root, name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("led %s: %w", name, err)
	}

	switch trigger {
	case "":
		if err := writeAttr(dir, "trigger", "none"); err != nil {
			return err
		}
		value := "0"
		if on {
			value = "1"
		}
		return writeAttr(dir, "brightness", value)
	case "timer":
		if err := writeAttr(dir, "trigger", "timer"); err != nil {
			return err
		}
		// The delay attributes exist once the trigger is active.
		if err := writeAttr(dir, "delay_on", blinkOnMs); err != nil {
			return err
		}
		return writeAttr(dir, "delay_off", blinkOffMs)
	default:
		return writeAttr(dir, "trigger", trigger)
	}
}

func writeAttr(dir, attr, value string) error {
	path := filepath.Join(dir, attr)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *sysfs) Available() []string {
	names := make([]string, 0, len(s.leds))
	for name := range s.leds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *sysfs) Triggers() []string {
	return []string{"none", "timer", "heartbeat"}
}
