// Package controller runs the cooperative loop that ties the sensor,
// the network supervisor, the shadow session and the heater together.
//
// One [Controller.Tick] does a bounded amount of non-blocking work. All
// waiting is a deadline compared against the monotonic time passed in,
// and a single shared gate holds the next time the supervisor and
// sensor may run. A later schedule replaces an earlier one.
package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/poolheat/internal/sensor"
)

// Supervisor is the part of the network supervisor the loop drives.
type Supervisor interface {
	Step(now time.Duration) time.Duration
	MaintainOffline(now time.Duration) time.Duration
	Offline() bool
	Associated() bool
	ResetProvisioning()
	SetOffline(offline bool)
	Configure(ssid, password string) error
}

// Pump services the shadow transport.
type Pump interface {
	Pump()
}

// Application consumes readings.
type Application interface {
	NeedsTemperature() bool
	OnReading(celsius float64)
	OnSensorFailure()
}

// Reporter publishes readings as temperature events.
type Reporter interface {
	EmitTemperature(celsius float64)
}

// Command is an out-of-band request handled between ticks.
type Command struct {
	// Kind is one of "provision-reset", "offline", "online",
	// "toggle-offline" or "configure".
	Kind     string
	SSID     string
	Password string
	// Result, when non-nil, receives the outcome.
	Result chan<- error
}

// Config wires a [Controller]. Supervisor, Session, Sensor and App are
// required.
type Config struct {
	Supervisor Supervisor
	Session    Pump
	Sensor     sensor.Poller
	App        Application
	// Reporter receives readings when EmitTemperature is set.
	Reporter        Reporter
	EmitTemperature bool
	Logger          *slog.Logger
}

// Controller is the top-level loop.
type Controller struct {
	sup      Supervisor
	session  Pump
	sensor   sensor.Poller
	app      Application
	reporter Reporter
	emit     bool
	logger   *slog.Logger

	// next is the single shared "not before" gate; zero means open.
	next time.Duration
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Supervisor == nil || cfg.Session == nil || cfg.Sensor == nil || cfg.App == nil {
		panic("controller: Config.Supervisor, Session, Sensor and App are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		sup:      cfg.Supervisor,
		session:  cfg.Session,
		sensor:   cfg.Sensor,
		app:      cfg.App,
		reporter: cfg.Reporter,
		emit:     cfg.EmitTemperature && cfg.Reporter != nil,
		logger:   cfg.Logger,
	}
}

// Tick advances the loop to now, the monotonic time since boot.
func (c *Controller) Tick(now time.Duration) {
	if c.sup.Offline() {
		// The heater keeps working locally; only the LED and access
		// point are maintained on the gate.
		if c.eligible(now) {
			c.schedule(now, c.sup.MaintainOffline(now))
		}
		c.pollSensor(now)
		return
	}

	if c.sup.Associated() {
		c.session.Pump()
	}

	if !c.eligible(now) {
		return
	}
	c.schedule(now, c.sup.Step(now))
	c.pollSensor(now)
}

// eligible reports whether the gate is open and clears it if so.
func (c *Controller) eligible(now time.Duration) bool {
	if now < c.next {
		return false
	}
	c.next = 0
	return true
}

// schedule closes the gate until now+delay, overriding any earlier
// schedule. A zero delay leaves it open.
func (c *Controller) schedule(now, delay time.Duration) {
	if delay > 0 {
		c.next = now + delay
	}
}

// Next returns the gate time, zero when open.
func (c *Controller) Next() time.Duration { return c.next }

func (c *Controller) pollSensor(now time.Duration) {
	if !c.app.NeedsTemperature() {
		return
	}
	res := c.sensor.Poll(now)
	switch res.Status {
	case sensor.OK:
		c.logger.Debug("temperature reading", "celsius", res.Value)
		c.app.OnReading(res.Value)
		if c.emit {
			c.reporter.EmitTemperature(res.Value)
		}
	case sensor.Failure:
		c.logger.Debug("temperature read failed")
		c.app.OnSensorFailure()
	}
}

// Handle applies an out-of-band command.
func (c *Controller) Handle(cmd Command) error {
	var err error
	switch cmd.Kind {
	case "provision-reset":
		c.sup.ResetProvisioning()
	case "offline":
		c.sup.SetOffline(true)
	case "online":
		c.sup.SetOffline(false)
	case "toggle-offline":
		c.sup.SetOffline(!c.sup.Offline())
	case "configure":
		err = c.sup.Configure(cmd.SSID, cmd.Password)
	default:
		err = &UnknownCommandError{Kind: cmd.Kind}
	}
	// Let the supervisor react on the next tick rather than after a
	// stale blink delay.
	c.next = 0
	if err != nil {
		c.logger.Warn("command failed", "command", cmd.Kind, "error", err)
	} else {
		c.logger.Info("command applied", "command", cmd.Kind)
	}
	return err
}

// UnknownCommandError rejects an unrecognized [Command].
type UnknownCommandError struct {
	Kind string
}

func (e *UnknownCommandError) Error() string {
	return "unknown command " + e.Kind
}

// Run ticks every interval until ctx is done. Commands are handled
// between ticks on the same goroutine.
func (c *Controller) Run(ctx context.Context, interval time.Duration, commands <-chan Command) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	c.Tick(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-commands:
			err := c.Handle(cmd)
			if cmd.Result != nil {
				cmd.Result <- err
			}
		case t := <-ticker.C:
			c.Tick(t.Sub(start))
		}
	}
}
