package wsapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/poolheat/internal/session"
)

type fakeHandler struct {
	opened, closed int
	requests       []session.Request
	resp           session.Response
}

func (h *fakeHandler) SessionOpened() { h.opened++ }
func (h *fakeHandler) SessionClosed() { h.closed++ }

func (h *fakeHandler) HandleRequest(req session.Request) session.Response {
	h.requests = append(h.requests, req)
	return h.resp
}

func testServer(t *testing.T, tokenHash string) (*Server, *fakeHandler) {
	t.Helper()
	s := New(Options{
		Listen:     "127.0.0.1:0",
		TokenHash:  tokenHash,
		MaxClients: 4,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h := &fakeHandler{}
	if err := s.Open(session.Credentials{}, h); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s, h
}

func dial(t *testing.T, s *Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+Path, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// pumpUntil pumps the server until cond holds or the deadline passes.
func pumpUntil(t *testing.T, s *Server, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		s.Pump()
		time.Sleep(5 * time.Millisecond)
	}
}

// pumpRead pumps while waiting for the next frame on conn.
func pumpRead(t *testing.T, s *Server, conn *websocket.Conn, v any) {
	t.Helper()
	frames := make(chan []byte, 1)
	errs := make(chan error, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		frames <- data
	}()
	for {
		select {
		case data := <-frames:
			if err := json.Unmarshal(data, v); err != nil {
				t.Fatalf("unmarshal %s: %v", data, err)
			}
			return
		case err := <-errs:
			t.Fatalf("ReadMessage() error = %v", err)
		case <-time.After(5 * time.Millisecond):
			s.Pump()
		}
	}
}

func TestSessionFollowsClients(t *testing.T) {
	s, h := testServer(t, "")

	a := dial(t, s, nil)
	pumpUntil(t, s, func() bool { return h.opened == 1 })

	b := dial(t, s, nil)
	// Let the second join land; it must not reopen.
	pumpUntil(t, s, func() bool { return s.cur.active == 2 })
	if h.opened != 1 {
		t.Errorf("opened = %d, want 1", h.opened)
	}

	a.Close()
	pumpUntil(t, s, func() bool { return s.cur.active == 1 })
	if h.closed != 0 {
		t.Errorf("closed = %d with a client still connected", h.closed)
	}

	b.Close()
	pumpUntil(t, s, func() bool { return h.closed == 1 })
}

func TestRequestResponse(t *testing.T) {
	s, h := testServer(t, "")
	h.resp = session.Response{Success: true, Values: map[string]any{"targetTemperature": 28.0}}

	conn := dial(t, s, nil)
	pumpUntil(t, s, func() bool { return h.opened == 1 })

	req := Request{
		Action:   "setRangeValue",
		Sequence: 7,
		Params:   map[string]any{"instance": "targetTemperature", "rangeValue": 28},
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var resp Response
	pumpRead(t, s, conn, &resp)
	if resp.Error || resp.Sequence != 7 {
		t.Errorf("response = %+v", resp)
	}
	if resp.Params["targetTemperature"] != 28.0 {
		t.Errorf("params = %v", resp.Params)
	}

	if len(h.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(h.requests))
	}
	got := h.requests[0]
	if got.Instance != "targetTemperature" || got.Action != "setRangeValue" {
		t.Errorf("request = %+v", got)
	}
	if _, ok := got.Values["instance"]; ok {
		t.Error("instance left in values")
	}
}

func TestRequestRejected(t *testing.T) {
	s, h := testServer(t, "")
	h.resp = session.Response{Reason: "thermostat active"}

	conn := dial(t, s, nil)
	pumpUntil(t, s, func() bool { return h.opened == 1 })

	if err := conn.WriteJSON(Request{Action: "setToggleState", Sequence: 3, Params: map[string]any{"instance": "heater", "state": "On"}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var resp Response
	pumpRead(t, s, conn, &resp)
	if !resp.Error || resp.Sequence != 3 || resp.Reason != "thermostat active" || resp.Params != nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestMalformedRequest(t *testing.T) {
	s, h := testServer(t, "")
	conn := dial(t, s, nil)
	pumpUntil(t, s, func() bool { return h.opened == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"sequence":4}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var resp Response
	pumpRead(t, s, conn, &resp)
	if !resp.Error || resp.Sequence != 4 || resp.Reason != "malformed request" {
		t.Errorf("response = %+v", resp)
	}
	if len(h.requests) != 0 {
		t.Errorf("handler saw %d requests", len(h.requests))
	}
}

func TestEventsBroadcast(t *testing.T) {
	s, h := testServer(t, "")
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	conn := dial(t, s, nil)
	pumpUntil(t, s, func() bool { return h.opened == 1 })

	if err := s.SendToggle("heater", true); err != nil {
		t.Fatalf("SendToggle() error = %v", err)
	}
	var ev Event
	pumpRead(t, s, conn, &ev)
	if ev.Action != EventToggle || ev.Params["instance"] != "heater" || ev.Params["state"] != "On" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", ev.Timestamp)
	}
}

func TestSendNotOpen(t *testing.T) {
	s := New(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := s.SendTemperature(26); !errors.Is(err, session.ErrNotOpen) {
		t.Errorf("SendTemperature() error = %v, want ErrNotOpen", err)
	}
	s.Pump()
	s.Close()
}

func TestOpenTwice(t *testing.T) {
	s, _ := testServer(t, "")
	if err := s.Open(session.Credentials{}, &fakeHandler{}); !errors.Is(err, errAlreadyOpen) {
		t.Errorf("Open() error = %v, want errAlreadyOpen", err)
	}
}

func TestTokenAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	s, h := testServer(t, string(hash))
	url := "ws://" + s.Addr() + Path

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	_, _, err = websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer wrong"}})
	if err == nil {
		t.Fatal("Dial() with wrong token succeeded")
	}

	dial(t, s, http.Header{"Authorization": {"Bearer s3cret"}})
	pumpUntil(t, s, func() bool { return h.opened == 1 })

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=s3cret", nil)
	if err != nil {
		t.Fatalf("Dial() with query token error = %v", err)
	}
	conn.Close()
}

func TestCloseDisconnectsClients(t *testing.T) {
	s := New(Options{Listen: "127.0.0.1:0", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	h := &fakeHandler{}
	if err := s.Open(session.Credentials{}, h); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	conn := dial(t, s, nil)
	pumpUntil(t, s, func() bool { return h.opened == 1 })

	s.Close()
	if s.Addr() != "" {
		t.Error("Addr() set after Close")
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() after Close succeeded")
	}
}

func TestToSessionRequest(t *testing.T) {
	got := toSessionRequest(Request{
		Action: "setPowerState",
		Params: map[string]any{"state": "On", "instance": 5},
	})
	if got.Instance != "" {
		t.Errorf("Instance = %q, want empty for non-string", got.Instance)
	}
	if got.Values["state"] != "On" || got.Values["instance"] != 5 {
		t.Errorf("Values = %v", got.Values)
	}
}
