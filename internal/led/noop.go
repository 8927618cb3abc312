package led

import (
	"log/slog"

	"github.com/smazurov/glowgrab/internal/logging"
)

// noop implements Controller for boards without a usable status LED.
type noop struct {
	logger *slog.Logger
}

func newNoop() *noop {
	return &noop{logger: logging.GetLogger("led")}
}

func (n *noop) Set(led string, on bool, trigger string) error {
	n.logger.Debug("LED control unavailable",
		"led", led,
		"on", on,
		"trigger", trigger)
	return nil
}

func (n *noop) Available() []string {
	return []string{}
}

func (n *noop) Triggers() []string {
	return []string{}
}
