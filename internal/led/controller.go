// Package led drives a board status LED so the sink connection state
// is visible on the device itself: heartbeat while frames flow, timer
// blink while reconnecting, dark when down. Boards without a usable
// LED get a no-op controller.
package led

// Controller abstracts LED control across SBC boards.
type Controller interface {
	// Set applies a kernel trigger to one logical LED. An empty
	// trigger means manual control: the LED is switched per on.
	Set(led string, on bool, trigger string) error

	// Available lists the logical LEDs this controller can drive.
	Available() []string

	// Triggers lists the trigger names Set accepts.
	Triggers() []string
}
