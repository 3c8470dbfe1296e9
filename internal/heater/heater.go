// Package heater is the pool heater application: the settable device
// properties, the relay they drive and the thermostat that runs on
// temperature readings.
//
// The relay is never set directly. It always follows powerState AND
// heater from the last applied property set, and the thermostat changes
// the heater through the same apply path an inbound request uses.
package heater

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/poolheat/internal/opstate"
	"github.com/nugget/poolheat/internal/session"
)

// Property keys.
const (
	PropPowerState = "powerState"
	PropHeater     = "heater"
	PropThermostat = "thermostat"
	PropTarget     = "targetTemperature"
	PropHysteresis = "hysteresis"
)

// maxHysteresis bounds the thermostat dead band.
const maxHysteresis = 5.0

var (
	// ErrUnknownProperty rejects a key the heater does not have.
	ErrUnknownProperty = errors.New("unknown property")
	// ErrInvalidValue rejects a value of the wrong type or range.
	ErrInvalidValue = errors.New("invalid value")
	// ErrThermostatActive rejects manual heater changes while the
	// thermostat owns the heater.
	ErrThermostatActive = errors.New("heater is under thermostat control")
)

// Relay is the heater contactor.
type Relay interface {
	Set(on bool)
	On() bool
}

// Store persists the applied property set. [opstate.Store] satisfies it.
type Store interface {
	List(namespace string) (map[string]string, error)
	SetAll(namespace string, values map[string]string) error
}

// State is the applied property set.
type State struct {
	PowerState bool
	Heater     bool
	Thermostat bool
	Target     float64
	Hysteresis float64
}

// Config wires a [Heater].
type Config struct {
	Relay Relay
	Store Store

	MinTarget         float64
	MaxTarget         float64
	DefaultTarget     float64
	DefaultHysteresis float64
	// FaultThreshold is the number of consecutive sensor failures that
	// raise a notification and, under the thermostat, switch the
	// heater off.
	FaultThreshold int
	// ReportTemperature keeps the sensor running even when the
	// thermostat is off, so readings can be published.
	ReportTemperature bool

	Logger *slog.Logger
}

// Heater owns the device properties. Its methods run on the controller
// loop goroutine and are not safe for concurrent use.
type Heater struct {
	relay  Relay
	store  Store
	device session.Device
	logger *slog.Logger

	minTarget      float64
	maxTarget      float64
	faultThreshold int
	report         bool

	state State

	haveReading bool
	lastReading float64
	failures    int
	faulted     bool
}

// New creates a Heater with default properties and the relay released.
func New(cfg Config) *Heater {
	if cfg.Relay == nil {
		panic("heater: Config.Relay must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FaultThreshold <= 0 {
		cfg.FaultThreshold = 10
	}
	h := &Heater{
		relay:          cfg.Relay,
		store:          cfg.Store,
		logger:         cfg.Logger,
		minTarget:      cfg.MinTarget,
		maxTarget:      cfg.MaxTarget,
		faultThreshold: cfg.FaultThreshold,
		report:         cfg.ReportTemperature,
		state: State{
			Target:     cfg.DefaultTarget,
			Hysteresis: cfg.DefaultHysteresis,
		},
	}
	h.driveRelay()
	return h
}

// Attach sets the shadow device the heater reports to. Until then
// events are not sent.
func (h *Heater) Attach(d session.Device) { h.device = d }

// State returns the applied property set.
func (h *Heater) State() State { return h.state }

// RelayOn reports the relay output.
func (h *Heater) RelayOn() bool { return h.relay.On() }

// LastReading returns the last good temperature, if any.
func (h *Heater) LastReading() (float64, bool) { return h.lastReading, h.haveReading }

// Restore loads the persisted property set. Values that no longer
// validate are skipped.
func (h *Heater) Restore() error {
	if h.store == nil {
		return nil
	}
	saved, err := h.store.List(opstate.NamespaceProperties)
	if err != nil {
		return fmt.Errorf("load properties: %w", err)
	}
	next := h.state
	for key, raw := range saved {
		if err := h.set(&next, key, raw); err != nil {
			h.logger.Warn("ignoring stored property", "key", key, "value", raw, "error", err)
		}
	}
	h.state = next
	h.driveRelay()
	h.logger.Info("properties restored",
		"power", h.state.PowerState,
		"heater", h.state.Heater,
		"thermostat", h.state.Thermostat,
		"target", h.state.Target,
	)
	return nil
}

// Apply validates and applies an update. Either every property is
// applied or none is; the error message is the rejection reason.
func (h *Heater) Apply(props map[string]any) error {
	if len(props) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalidValue)
	}

	next := h.state
	for key, v := range props {
		if err := h.set(&next, key, v); err != nil {
			return err
		}
	}
	if _, ok := props[PropHeater]; ok && next.Thermostat {
		return ErrThermostatActive
	}

	h.commit(next)
	h.regulate()
	return nil
}

// set applies one property to st after validation.
func (h *Heater) set(st *State, key string, v any) error {
	switch key {
	case PropPowerState:
		on, err := parseSwitch(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		st.PowerState = on
	case PropHeater:
		on, err := parseSwitch(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		st.Heater = on
	case PropThermostat:
		on, err := parseSwitch(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		st.Thermostat = on
	case PropTarget:
		f, err := parseNumber(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		if f < h.minTarget || f > h.maxTarget {
			return fmt.Errorf("%w: %s %g outside [%g, %g]", ErrInvalidValue, key, f, h.minTarget, h.maxTarget)
		}
		st.Target = f
	case PropHysteresis:
		f, err := parseNumber(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
		if f <= 0 || f > maxHysteresis {
			return fmt.Errorf("%w: %s %g outside (0, %g]", ErrInvalidValue, key, f, maxHysteresis)
		}
		st.Hysteresis = f
	default:
		return fmt.Errorf("%w: %s", ErrUnknownProperty, key)
	}
	return nil
}

func (h *Heater) commit(next State) {
	h.state = next
	h.driveRelay()
	h.persist()
}

func (h *Heater) driveRelay() {
	h.relay.Set(h.state.PowerState && h.state.Heater)
}

func (h *Heater) persist() {
	if h.store == nil {
		return
	}
	if err := h.store.SetAll(opstate.NamespaceProperties, h.encode()); err != nil {
		h.logger.Warn("persist properties failed", "error", err)
	}
}

func (h *Heater) encode() map[string]string {
	return map[string]string{
		PropPowerState: strconv.FormatBool(h.state.PowerState),
		PropHeater:     strconv.FormatBool(h.state.Heater),
		PropThermostat: strconv.FormatBool(h.state.Thermostat),
		PropTarget:     strconv.FormatFloat(h.state.Target, 'f', -1, 64),
		PropHysteresis: strconv.FormatFloat(h.state.Hysteresis, 'f', -1, 64),
	}
}

// NeedsTemperature reports whether the sensor should be polled.
func (h *Heater) NeedsTemperature() bool {
	return h.report || (h.state.PowerState && h.state.Thermostat)
}

// OnReading takes a good sensor value and runs the thermostat.
func (h *Heater) OnReading(celsius float64) {
	h.lastReading = celsius
	h.haveReading = true
	h.failures = 0
	if h.faulted {
		h.faulted = false
		h.logger.Info("temperature sensor recovered", "celsius", celsius)
		h.notify(fmt.Sprintf("Temperature sensor recovered: %.1f°C", celsius))
	}
	h.regulate()
}

// OnSensorFailure counts a failed read. Reaching the fault threshold
// raises one notification and, under the thermostat, turns the heater
// off until readings return.
func (h *Heater) OnSensorFailure() {
	h.failures++
	if h.failures != h.faultThreshold {
		return
	}
	h.faulted = true
	h.haveReading = false
	h.logger.Warn("temperature sensor fault", "consecutive_failures", h.failures)
	h.notify(fmt.Sprintf("Temperature sensor failed %d consecutive reads", h.failures))
	if h.state.Thermostat && h.state.Heater {
		h.switchHeater(false)
	}
}

// regulate applies the thermostat: heat below target minus hysteresis,
// stop at target plus hysteresis, hold in between.
func (h *Heater) regulate() {
	if !h.state.Thermostat || !h.state.PowerState || !h.haveReading {
		return
	}
	t := h.lastReading
	switch {
	case t <= h.state.Target-h.state.Hysteresis && !h.state.Heater:
		h.switchHeater(true)
	case t >= h.state.Target+h.state.Hysteresis && h.state.Heater:
		h.switchHeater(false)
	}
}

// switchHeater changes the heater property on the application's own
// behalf and reports it.
func (h *Heater) switchHeater(on bool) {
	next := h.state
	next.Heater = on
	h.commit(next)
	h.logger.Info("thermostat switched heater", "on", on, "celsius", h.lastReading, "target", h.state.Target)
	if h.device != nil {
		h.device.EmitToggle(PropHeater, on)
	}
}

func (h *Heater) notify(text string) {
	if h.device != nil {
		h.device.Notify(text)
	}
}

// PushState sends every property, and the last reading if there is
// one. It runs each time the shadow session opens.
func (h *Heater) PushState() {
	if h.device == nil {
		return
	}
	h.device.EmitPowerState(h.state.PowerState)
	h.device.EmitToggle(PropHeater, h.state.Heater)
	h.device.EmitMode(PropThermostat, h.state.Thermostat)
	h.device.EmitRangeValue(PropTarget, h.state.Target)
	h.device.EmitRangeValue(PropHysteresis, h.state.Hysteresis)
	if h.haveReading {
		h.device.EmitTemperature(h.lastReading)
	}
}

// parseSwitch accepts booleans and the strings shadow clients send for
// them.
func parseSwitch(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "true", "1", "auto":
			return true, nil
		case "off", "false", "0", "manual":
			return false, nil
		}
		return false, fmt.Errorf("%q is not on or off", x)
	case float64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case int:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	}
	return false, fmt.Errorf("%v is not on or off", v)
}

func parseNumber(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		var err error
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
	default:
		return 0, fmt.Errorf("%v is not a number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not a finite number", v)
	}
	return f, nil
}
