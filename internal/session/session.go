// Package session owns the device-shadow session: it opens the
// transport, tracks whether the session is up, turns inbound property
// update requests into calls on the application, and pushes property
// change events back out.
//
// Everything here runs on the controller's single loop goroutine.
// Transports that do their I/O on other goroutines must queue inbound
// traffic and deliver it to the [Handler] from inside [Transport.Pump].
package session

import (
	"errors"
	"log/slog"
	"time"
)

// Credentials identify the device to the shadow service.
type Credentials struct {
	AppKey    string
	AppSecret string
	DeviceID  string
}

// Request is an inbound property update. Values maps property keys to
// requested values; it is only valid for the duration of the handler
// call.
type Request struct {
	Action   string
	Instance string
	Values   map[string]any
}

// Response answers a [Request]. On success Values echoes the applied
// properties; on rejection Reason explains why and Values is empty.
type Response struct {
	Success bool
	Reason  string
	Values  map[string]any
}

// Handler receives session lifecycle and request callbacks from a
// [Transport]. All calls happen inside [Transport.Pump].
type Handler interface {
	SessionOpened()
	SessionClosed()
	HandleRequest(req Request) Response
}

// Transport is the device-shadow wire. Sends are fire-and-forget; an
// error only means this event was not handed to the wire.
type Transport interface {
	// Open starts connecting. It must not block on the network.
	Open(creds Credentials, h Handler) error
	// Close tears the session down. No handler calls follow.
	Close()
	// Pump drives outstanding I/O and delivers queued callbacks.
	Pump()

	SendRangeValue(instance string, value float64) error
	SendToggle(instance string, on bool) error
	SendMode(instance, mode string) error
	SendPowerState(on bool) error
	SendTemperature(celsius float64) error
	SendNotification(text string) error
}

// Device is the outbound half of the shadow as seen by the
// application: one method per property kind.
type Device interface {
	EmitRangeValue(instance string, value float64)
	EmitToggle(instance string, on bool)
	EmitMode(instance string, on bool)
	EmitPowerState(on bool)
	EmitTemperature(celsius float64)
	Notify(text string)
}

// ApplyFunc applies a normalized property map. A nil error accepts the
// whole update; any error rejects it and its message becomes the
// reason reported to the requester.
type ApplyFunc func(props map[string]any) error

// Phase is the session's own progress. The network supervisor combines
// it with the link state into the device's connection state.
type Phase int

const (
	// Closed means no session has been started.
	Closed Phase = iota
	// Handshaking means Open was called and the transport has not yet
	// confirmed the session (or it dropped and is being retried).
	Handshaking
	// Active means the shadow service acknowledged the session.
	Active
)

func (p Phase) String() string {
	switch p {
	case Closed:
		return "closed"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Indicator is the status light the session drives on open and close.
type Indicator interface {
	Set(lit bool)
}

// legacyAliases are value keys older clients use in place of the
// property key. Each one present is folded onto the request key.
var legacyAliases = []string{"rangeValue", "state", "temperature", "thermostatMode", "mode"}

// errRejected stands in for an apply error with an empty message.
const errRejected = "rejected"

// Config wires a [Manager].
type Config struct {
	Transport   Transport
	Credentials Credentials
	// Apply is called for every inbound request. Required.
	Apply ApplyFunc
	// OnOpen runs after each session open, typically to push the full
	// device state. Optional.
	OnOpen func()
	// LinkUp reports whether the network link is associated. Start is
	// refused while it returns false. Nil means always up.
	LinkUp    func() bool
	Indicator Indicator
	Logger    *slog.Logger
	// Now supplies wall-clock time for TransitionAt; defaults to time.Now.
	Now func() time.Time
}

// Manager is the single device-shadow session of this controller.
type Manager struct {
	transport Transport
	creds     Credentials
	apply     ApplyFunc
	onOpen    func()
	linkUp    func() bool
	led       Indicator
	logger    *slog.Logger
	now       func() time.Time

	phase        Phase
	transitionAt time.Time
}

// New creates a Manager. It panics if Transport or Apply is nil; both
// are wiring mistakes.
func New(cfg Config) *Manager {
	if cfg.Transport == nil {
		panic("session: Config.Transport must not be nil")
	}
	if cfg.Apply == nil {
		panic("session: Config.Apply must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		transport: cfg.Transport,
		creds:     cfg.Credentials,
		apply:     cfg.Apply,
		onOpen:    cfg.OnOpen,
		linkUp:    cfg.LinkUp,
		led:       cfg.Indicator,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Start opens the session. Calling it while a session is already
// handshaking or active, or while the link is down, does nothing.
func (m *Manager) Start() error {
	if m.phase != Closed {
		return nil
	}
	if m.linkUp != nil && !m.linkUp() {
		m.logger.Debug("shadow session start refused, link down")
		return nil
	}
	if err := m.transport.Open(m.creds, m); err != nil {
		return err
	}
	m.setPhase(Handshaking)
	m.logger.Info("shadow session starting", "device_id", m.creds.DeviceID)
	return nil
}

// Stop tears the session down, abandoning anything in flight.
func (m *Manager) Stop() {
	if m.phase == Closed {
		return
	}
	m.transport.Close()
	if m.led != nil {
		m.led.Set(false)
	}
	m.setPhase(Closed)
	m.logger.Info("shadow session stopped")
}

// Pump services the transport. It is a no-op while closed.
func (m *Manager) Pump() {
	if m.phase == Closed {
		return
	}
	m.transport.Pump()
}

// Phase returns the current session phase.
func (m *Manager) Phase() Phase { return m.phase }

// Active reports whether the session is open.
func (m *Manager) Active() bool { return m.phase == Active }

// Handshaking reports whether the session has been started but is not
// yet open.
func (m *Manager) Handshaking() bool { return m.phase == Handshaking }

// TransitionAt returns the wall-clock time of the last phase change,
// for staleness diagnostics.
func (m *Manager) TransitionAt() time.Time { return m.transitionAt }

func (m *Manager) setPhase(p Phase) {
	m.phase = p
	m.transitionAt = m.now()
}

// SessionOpened implements [Handler].
func (m *Manager) SessionOpened() {
	if m.phase == Closed {
		return
	}
	m.setPhase(Active)
	m.logger.Info("connected to shadow service")
	if m.led != nil {
		m.led.Set(true)
	}
	if m.onOpen != nil {
		m.onOpen()
	}
}

// SessionClosed implements [Handler]. The transport keeps retrying, so
// the session drops back to handshaking rather than closed.
func (m *Manager) SessionClosed() {
	if m.phase == Closed {
		return
	}
	m.setPhase(Handshaking)
	m.logger.Info("disconnected from shadow service")
	if m.led != nil {
		m.led.Set(false)
	}
}

// HandleRequest implements [Handler].
func (m *Manager) HandleRequest(req Request) Response {
	props := Normalize(req)

	if err := m.apply(props); err != nil {
		reason := err.Error()
		if reason == "" {
			reason = errRejected
		}
		m.logger.Info("update rejected", "key", requestKey(req), "reason", reason)
		return Response{Success: false, Reason: reason}
	}

	echo := make(map[string]any, len(props))
	for k, v := range props {
		echo[k] = v
	}
	return Response{Success: true, Values: echo}
}

// requestKey is the property a request targets: its instance, or its
// action when the instance is blank.
func requestKey(req Request) string {
	if req.Instance != "" {
		return req.Instance
	}
	return req.Action
}

// Normalize returns a copy of the request values with every legacy
// alias folded onto the request key. Later aliases in the list win when
// several are present.
func Normalize(req Request) map[string]any {
	key := requestKey(req)
	props := make(map[string]any, len(req.Values))
	for k, v := range req.Values {
		props[k] = v
	}
	if key == "" {
		return props
	}
	for _, alias := range legacyAliases {
		v, ok := req.Values[alias]
		if !ok {
			continue
		}
		props[key] = v
		if alias != key {
			delete(props, alias)
		}
	}
	return props
}

// EmitRangeValue implements [Device].
func (m *Manager) EmitRangeValue(instance string, value float64) {
	if !m.canEmit("rangeValue", instance) {
		return
	}
	m.sent("rangeValue", instance, m.transport.SendRangeValue(instance, value))
}

// EmitToggle implements [Device].
func (m *Manager) EmitToggle(instance string, on bool) {
	if !m.canEmit("toggle", instance) {
		return
	}
	m.sent("toggle", instance, m.transport.SendToggle(instance, on))
}

// EmitMode implements [Device]. Boolean modes travel as "On"/"Off".
func (m *Manager) EmitMode(instance string, on bool) {
	if !m.canEmit("mode", instance) {
		return
	}
	mode := "Off"
	if on {
		mode = "On"
	}
	m.sent("mode", instance, m.transport.SendMode(instance, mode))
}

// EmitPowerState implements [Device].
func (m *Manager) EmitPowerState(on bool) {
	if !m.canEmit("powerState", "") {
		return
	}
	m.sent("powerState", "", m.transport.SendPowerState(on))
}

// EmitTemperature implements [Device].
func (m *Manager) EmitTemperature(celsius float64) {
	if !m.canEmit("temperature", "") {
		return
	}
	m.sent("temperature", "", m.transport.SendTemperature(celsius))
}

// Notify implements [Device].
func (m *Manager) Notify(text string) {
	if !m.canEmit("notification", "") {
		return
	}
	m.sent("notification", "", m.transport.SendNotification(text))
}

func (m *Manager) canEmit(kind, instance string) bool {
	if m.phase == Active {
		return true
	}
	m.logger.Debug("event dropped, session not active", "kind", kind, "instance", instance, "phase", m.phase.String())
	return false
}

func (m *Manager) sent(kind, instance string, err error) {
	if err != nil {
		m.logger.Debug("event send failed", "kind", kind, "instance", instance, "error", err)
	}
}

// ErrNotOpen is returned by transports asked to send before Open.
var ErrNotOpen = errors.New("session transport not open")
