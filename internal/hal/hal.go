// Package hal is the thin hardware layer under the controller: digital
// output pins, the heater relay and the status LED. The controller core
// only ever sees the [Relay] and [LED] types; which pin implementation
// sits underneath is decided in main.go.
package hal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Pin is a single digital output.
type Pin interface {
	// Set drives the pin high (true) or low (false).
	Set(high bool) error
}

// Relay drives the heater contactor through a pin whose active level is
// chosen at build/config time. Many relay boards pull the coil in when
// the input is low, hence ActiveLow.
type Relay struct {
	pin       Pin
	activeLow bool
	on        bool
	logger    *slog.Logger
}

// NewRelay wraps pin as a relay. The relay starts de-energised.
func NewRelay(pin Pin, activeLow bool, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{pin: pin, activeLow: activeLow, logger: logger}
	r.write(false)
	return r
}

// Set energises (true) or releases (false) the relay. Repeated calls
// with the same value still rewrite the pin so a glitched output is
// corrected on the next apply.
func (r *Relay) Set(on bool) {
	if on != r.on {
		r.logger.Info("relay switched", "on", on)
	}
	r.write(on)
}

// On reports the last commanded relay state.
func (r *Relay) On() bool { return r.on }

func (r *Relay) write(on bool) {
	r.on = on
	level := on != r.activeLow
	if err := r.pin.Set(level); err != nil {
		r.logger.Warn("relay pin write failed", "level", level, "error", err)
	}
}

// LED is the status indicator. It remembers its last state so blink
// cadences can toggle it without tracking anything themselves.
type LED struct {
	pin Pin
	lit bool
}

// NewLED wraps pin as a status LED, initially off.
func NewLED(pin Pin) *LED {
	l := &LED{pin: pin}
	l.Set(false)
	return l
}

// Set lights or darkens the LED.
func (l *LED) Set(lit bool) {
	l.lit = lit
	_ = l.pin.Set(lit)
}

// Toggle inverts the LED.
func (l *LED) Toggle() {
	l.Set(!l.lit)
}

// Lit reports whether the LED is currently on.
func (l *LED) Lit() bool { return l.lit }

// LogPin is a simulated pin for host runs. It records the level and
// logs transitions at debug level.
type LogPin struct {
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	level bool
}

// NewLogPin creates a simulated pin named for log output.
func NewLogPin(name string, logger *slog.Logger) *LogPin {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPin{name: name, logger: logger}
}

// Set records the level.
func (p *LogPin) Set(high bool) error {
	p.mu.Lock()
	changed := p.level != high
	p.level = high
	p.mu.Unlock()
	if changed {
		p.logger.Debug("pin level", "pin", p.name, "high", high)
	}
	return nil
}

// Level returns the last level written.
func (p *LogPin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// SysfsPin drives a GPIO line through the legacy Linux sysfs interface
// (/sys/class/gpio/gpioN/value). The line must already be exported and
// configured as an output.
type SysfsPin struct {
	path string
}

// NewSysfsPin returns a pin for GPIO number n under root, which is
// normally "/sys/class/gpio".
func NewSysfsPin(root string, n int) (*SysfsPin, error) {
	dir := filepath.Join(root, "gpio"+strconv.Itoa(n))
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("gpio %d not exported: %w", n, err)
	}
	return &SysfsPin{path: filepath.Join(dir, "value")}, nil
}

// Set writes "1" or "0" to the value file.
func (p *SysfsPin) Set(high bool) error {
	v := []byte("0")
	if high {
		v = []byte("1")
	}
	if err := os.WriteFile(p.path, v, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p.path, err)
	}
	return nil
}
