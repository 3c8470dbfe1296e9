package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

// fakeTransport records every call and lets tests fire handler
// callbacks the way a real transport would from inside Pump.
type fakeTransport struct {
	handler Handler
	creds   Credentials
	opens   int
	closes  int
	pumps   int
	openErr error
	sent    []string
}

func (f *fakeTransport) Open(creds Credentials, h Handler) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	f.creds = creds
	f.handler = h
	return nil
}

func (f *fakeTransport) Close() { f.closes++ }
func (f *fakeTransport) Pump() { f.pumps++ }

func (f *fakeTransport) SendRangeValue(instance string, v float64) error {
	f.sent = append(f.sent, fmt.Sprintf("range %s %v", instance, v))
	return nil
}

func (f *fakeTransport) SendToggle(instance string, on bool) error {
	f.sent = append(f.sent, fmt.Sprintf("toggle %s %v", instance, on))
	return nil
}

func (f *fakeTransport) SendMode(instance, mode string) error {
	f.sent = append(f.sent, fmt.Sprintf("mode %s %s", instance, mode))
	return nil
}

func (f *fakeTransport) SendPowerState(on bool) error {
	f.sent = append(f.sent, fmt.Sprintf("power %v", on))
	return nil
}

func (f *fakeTransport) SendTemperature(v float64) error {
	f.sent = append(f.sent, fmt.Sprintf("temperature %v", v))
	return nil
}

func (f *fakeTransport) SendNotification(text string) error {
	f.sent = append(f.sent, "notify "+text)
	return nil
}

type fakeLED struct{ lit bool }

func (l *fakeLED) Set(lit bool) { l.lit = lit }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, apply ApplyFunc) (*Manager, *fakeTransport, *fakeLED) {
	t.Helper()
	tr := &fakeTransport{}
	led := &fakeLED{}
	if apply == nil {
		apply = func(map[string]any) error { return nil }
	}
	m := New(Config{
		Transport:   tr,
		Credentials: Credentials{AppKey: "key", AppSecret: "secret", DeviceID: "pool-1"},
		Apply:       apply,
		Indicator:   led,
		Logger:      discardLogger(),
	})
	return m, tr, led
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want map[string]any
	}{
		{
			name: "range value onto instance",
			req:  Request{Action: "setRangeValue", Instance: "speed", Values: map[string]any{"rangeValue": 3.0}},
			want: map[string]any{"speed": 3.0},
		},
		{
			name: "state onto action when instance blank",
			req:  Request{Action: "powerState", Values: map[string]any{"state": "On"}},
			want: map[string]any{"powerState": "On"},
		},
		{
			name: "thermostat mode",
			req:  Request{Action: "setMode", Instance: "heaterMode", Values: map[string]any{"thermostatMode": "Auto"}},
			want: map[string]any{"heaterMode": "Auto"},
		},
		{
			name: "non-alias keys kept",
			req:  Request{Instance: "targetTemperature", Values: map[string]any{"temperature": 29.0, "scale": "CELSIUS"}},
			want: map[string]any{"targetTemperature": 29.0, "scale": "CELSIUS"},
		},
		{
			name: "key equal to alias is kept",
			req:  Request{Action: "mode", Values: map[string]any{"mode": "Manual"}},
			want: map[string]any{"mode": "Manual"},
		},
		{
			name: "no key leaves values alone",
			req:  Request{Values: map[string]any{"rangeValue": 1.0}},
			want: map[string]any{"rangeValue": 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.req)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Normalize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalize_DoesNotMutateRequest(t *testing.T) {
	values := map[string]any{"rangeValue": 3.0}
	Normalize(Request{Instance: "speed", Values: values})
	if _, ok := values["rangeValue"]; !ok || len(values) != 1 {
		t.Errorf("request values mutated: %v", values)
	}
}

func TestHandleRequest_RangeValueReachesApply(t *testing.T) {
	var got map[string]any
	m, _, _ := newTestManager(t, func(props map[string]any) error {
		got = props
		return nil
	})

	resp := m.HandleRequest(Request{Action: "setRangeValue", Instance: "speed", Values: map[string]any{"rangeValue": 2.5}})

	want := map[string]any{"speed": 2.5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("apply got %v, want %v", got, want)
	}
	if !resp.Success {
		t.Fatalf("response rejected: %q", resp.Reason)
	}
	if !reflect.DeepEqual(resp.Values, want) {
		t.Errorf("echo = %v, want %v", resp.Values, want)
	}
}

func TestHandleRequest_EchoesEveryKey(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	resp := m.HandleRequest(Request{
		Instance: "targetTemperature",
		Values:   map[string]any{"temperature": 29.0, "scale": "CELSIUS"},
	})

	want := map[string]any{"targetTemperature": 29.0, "scale": "CELSIUS"}
	if !resp.Success || resp.Reason != "" {
		t.Fatalf("response = %+v, want success", resp)
	}
	if !reflect.DeepEqual(resp.Values, want) {
		t.Errorf("echo = %v, want %v", resp.Values, want)
	}
}

func TestHandleRequest_Rejected(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason string
	}{
		{"reason passed through", errors.New("target out of range"), "target out of range"},
		{"wrapped reason", fmt.Errorf("targetTemperature: %w", errors.New("too hot")), "targetTemperature: too hot"},
		{"blank reason", errors.New(""), "rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, func(map[string]any) error { return tt.err })

			resp := m.HandleRequest(Request{Instance: "targetTemperature", Values: map[string]any{"temperature": 90.0}})

			if resp.Success {
				t.Fatal("response succeeded, want rejection")
			}
			if resp.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", resp.Reason, tt.wantReason)
			}
			if len(resp.Values) != 0 {
				t.Errorf("rejection echoed %v, want nothing", resp.Values)
			}
		})
	}
}

func TestLifecycle(t *testing.T) {
	clock := time.Date(2026, 7, 4, 9, 0, 0, 0, time.UTC)
	tr := &fakeTransport{}
	led := &fakeLED{}
	opened := 0
	m := New(Config{
		Transport: tr,
		Apply:     func(map[string]any) error { return nil },
		OnOpen:    func() { opened++ },
		Indicator: led,
		Logger:    discardLogger(),
		Now:       func() time.Time { return clock },
	})

	m.Pump()
	if tr.pumps != 0 {
		t.Error("Pump reached the transport while closed")
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !m.Handshaking() || m.Active() {
		t.Fatalf("phase after Start = %v, want handshaking", m.Phase())
	}
	if !m.TransitionAt().Equal(clock) {
		t.Errorf("TransitionAt = %v, want %v", m.TransitionAt(), clock)
	}

	// A second Start while handshaking does not reopen.
	if err := m.Start(); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if tr.opens != 1 {
		t.Errorf("transport opened %d times, want 1", tr.opens)
	}

	clock = clock.Add(time.Second)
	tr.handler.SessionOpened()
	if !m.Active() {
		t.Fatalf("phase after open = %v, want active", m.Phase())
	}
	if !led.lit {
		t.Error("LED not lit after session open")
	}
	if opened != 1 {
		t.Errorf("OnOpen called %d times, want 1", opened)
	}
	if !m.TransitionAt().Equal(clock) {
		t.Errorf("TransitionAt = %v, want %v", m.TransitionAt(), clock)
	}

	tr.handler.SessionClosed()
	if !m.Handshaking() {
		t.Errorf("phase after close = %v, want handshaking", m.Phase())
	}
	if led.lit {
		t.Error("LED still lit after session close")
	}

	m.Stop()
	if m.Phase() != Closed || tr.closes != 1 {
		t.Errorf("after Stop phase = %v closes = %d, want closed/1", m.Phase(), tr.closes)
	}

	// Late callbacks after Stop are ignored.
	tr.handler.SessionOpened()
	if m.Active() {
		t.Error("session reopened by a callback after Stop")
	}
}

func TestStart_OpenError(t *testing.T) {
	m, tr, _ := newTestManager(t, nil)
	tr.openErr = errors.New("dial refused")

	if err := m.Start(); err == nil {
		t.Fatal("Start() error = nil, want dial error")
	}
	if m.Phase() != Closed {
		t.Errorf("phase = %v, want closed", m.Phase())
	}
}

func TestStart_RefusedWithoutLink(t *testing.T) {
	tr := &fakeTransport{}
	up := false
	m := New(Config{
		Transport: tr,
		Apply:     func(map[string]any) error { return nil },
		LinkUp:    func() bool { return up },
		Logger:    discardLogger(),
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if tr.opens != 0 || m.Phase() != Closed {
		t.Errorf("opens = %d, phase = %v; want no handshake without link", tr.opens, m.Phase())
	}

	up = true
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if tr.opens != 1 || m.Phase() != Handshaking {
		t.Errorf("opens = %d, phase = %v; want handshaking", tr.opens, m.Phase())
	}
}

func TestEmit_OnlyWhileActive(t *testing.T) {
	m, tr, _ := newTestManager(t, nil)

	emitAll := func() {
		m.EmitRangeValue("speed", 3)
		m.EmitToggle("heater", true)
		m.EmitMode("heaterMode", false)
		m.EmitPowerState(true)
		m.EmitTemperature(26.5)
		m.Notify("sensor fault")
	}

	emitAll()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	emitAll()
	if len(tr.sent) != 0 {
		t.Fatalf("sent while not active: %v", tr.sent)
	}

	tr.handler.SessionOpened()
	emitAll()

	want := []string{
		"range speed 3",
		"toggle heater true",
		"mode heaterMode Off",
		"power true",
		"temperature 26.5",
		"notify sensor fault",
	}
	if !reflect.DeepEqual(tr.sent, want) {
		t.Errorf("sent = %v, want %v", tr.sent, want)
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{Closed: "closed", Handshaking: "handshaking", Active: "active", Phase(9): "unknown"} {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, got, want)
		}
	}
}
