// Package wsapi is the raw WebSocket variant of the device-shadow
// transport. Clients connect to the controller, send property requests
// as {action, sequence, params} and receive {error, sequence, reason,
// params} responses plus unsolicited change events.
//
// The session is open while at least one authenticated client is
// connected. Connection goroutines queue their events; the session
// handler only sees them from [Server.Pump].
package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"

	"github.com/nugget/poolheat/internal/config"
	"github.com/nugget/poolheat/internal/session"
)

const (
	// Path is the upgrade endpoint.
	Path = "/ws"

	queueSize       = 32
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	maxMessageSize  = 16 * 1024
)

// Event actions.
const (
	EventRangeValue   = "rangeValue"
	EventToggle       = "toggleState"
	EventMode         = "mode"
	EventPowerState   = "powerState"
	EventTemperature  = "temperature"
	EventNotification = "notification"
)

var errAlreadyOpen = errors.New("websocket server already open")

// Request is one inbound message.
type Request struct {
	Action   string         `json:"action"`
	Sequence int64          `json:"sequence"`
	Params   map[string]any `json:"params"`
}

// Response answers one Request with the same sequence.
type Response struct {
	Error    bool           `json:"error"`
	Sequence int64          `json:"sequence"`
	Reason   string         `json:"reason,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Event is pushed to every client when a property changes.
type Event struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Timestamp int64          `json:"timestamp"`
}

// Options configures a [Server].
type Options struct {
	Listen string
	// TokenHash is a bcrypt hash of the bearer token. Empty disables
	// authentication.
	TokenHash  string
	MaxClients int
	Logger     *slog.Logger
	Now        func() time.Time
}

// OptionsFromConfig maps the websocket config section onto Options.
func OptionsFromConfig(cfg config.WebSocketConfig, logger *slog.Logger) Options {
	return Options{
		Listen:     cfg.Listen,
		TokenHash:  cfg.TokenHash,
		MaxClients: cfg.MaxClients,
		Logger:     logger,
	}
}

type inboundKind int

const (
	clientJoined inboundKind = iota
	clientLeft
	clientRequest
)

type inbound struct {
	kind   inboundKind
	client *client
	req    Request
}

type client struct {
	remote string
	conn   *websocket.Conn
	send   chan []byte
}

// queue hands a frame to the client's writer, dropping it if the
// client is not keeping up.
func (c *client) queue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

// listener is one Open..Close lifetime.
type listener struct {
	srv     *http.Server
	ln      net.Listener
	handler session.Handler
	events  chan inbound

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	done    chan struct{}

	// active counts joined clients as seen by Pump.
	active int
}

func (l *listener) enqueue(ev inbound) bool {
	select {
	case l.events <- ev:
		return true
	default:
		return false
	}
}

func (l *listener) add(c *client) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.clients[c] = struct{}{}
	return true
}

func (l *listener) remove(c *client) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients[c]; ok {
		delete(l.clients, c)
		close(c.send)
	}
}

// send queues a frame for one client if it is still connected.
func (l *listener) send(c *client, frame []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients[c]; !ok {
		return false
	}
	return c.queue(frame)
}

func (l *listener) broadcast(frame []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for c := range l.clients {
		if c.queue(frame) {
			n++
		}
	}
	return n
}

func (l *listener) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
	for c := range l.clients {
		delete(l.clients, c)
		close(c.send)
	}
}

// Server implements [session.Transport] as a WebSocket endpoint.
type Server struct {
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	cur *listener
}

// New creates a Server. It does not listen until Open.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger,
		now:    opts.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Addr returns the bound address while open.
func (s *Server) Addr() string {
	if s.cur == nil {
		return ""
	}
	return s.cur.ln.Addr().String()
}

// Open implements [session.Transport]. It binds the listen address and
// serves in the background; the session opens when a client joins.
func (s *Server) Open(_ session.Credentials, h session.Handler) error {
	if s.cur != nil {
		return errAlreadyOpen
	}
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", s.opts.Listen, err)
	}
	if s.opts.MaxClients > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxClients)
	}

	l := &listener{
		ln:      ln,
		handler: h,
		events:  make(chan inbound, queueSize),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		s.serveClient(l, w, r)
	})
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", "error", err)
		}
	}()
	s.logger.Info("websocket api listening", "addr", ln.Addr().String(), "path", Path)

	s.cur = l
	return nil
}

// Close implements [session.Transport]. Clients are disconnected and
// the listener shuts down in the background.
func (s *Server) Close() {
	l := s.cur
	if l == nil {
		return
	}
	s.cur = nil
	l.closeAll()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := l.srv.Shutdown(ctx); err != nil {
			s.logger.Debug("websocket shutdown", "error", err)
		}
	}()
}

// authorized checks the bearer token from the Authorization header or
// the token query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.opts.TokenHash == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.opts.TokenHash), []byte(token)) == nil
}

func (s *Server) serveClient(l *listener, w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("websocket client rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{remote: r.RemoteAddr, conn: conn, send: make(chan []byte, queueSize)}
	if !l.add(c) || !l.enqueue(inbound{kind: clientJoined, client: c}) {
		l.remove(c)
		conn.Close()
		return
	}
	s.logger.Info("websocket client connected", "remote", c.remote)

	go c.writeLoop()
	s.readLoop(l, c)

	l.remove(c)
	// A lost leave would keep the session open, so wait for Pump to
	// make room unless the server is closing.
	select {
	case l.events <- inbound{kind: clientLeft, client: c}:
	case <-l.done:
	}
	s.logger.Info("websocket client disconnected", "remote", c.remote)
}

func (s *Server) readLoop(l *listener, c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Action == "" {
			s.reply(l, c, Response{Error: true, Sequence: req.Sequence, Reason: "malformed request"})
			continue
		}
		s.logger.Log(context.Background(), config.LevelTrace, "websocket request",
			"remote", c.remote, "action", req.Action, "sequence", req.Sequence)
		if !l.enqueue(inbound{kind: clientRequest, client: c, req: req}) {
			s.reply(l, c, Response{Error: true, Sequence: req.Sequence, Reason: "busy"})
		}
	}
}

func (s *Server) reply(l *listener, c *client, resp Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("websocket marshal response failed", "error", err)
		return
	}
	if !l.send(c, frame) {
		s.logger.Warn("websocket response dropped", "remote", c.remote, "sequence", resp.Sequence)
	}
}

// Pump implements [session.Transport].
func (s *Server) Pump() {
	l := s.cur
	if l == nil {
		return
	}
	for i := 0; i < cap(l.events); i++ {
		select {
		case ev := <-l.events:
			s.dispatch(l, ev)
			if s.cur != l {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) dispatch(l *listener, ev inbound) {
	switch ev.kind {
	case clientJoined:
		l.active++
		if l.active == 1 {
			l.handler.SessionOpened()
		}
	case clientLeft:
		l.active--
		if l.active == 0 {
			l.handler.SessionClosed()
		}
	case clientRequest:
		resp := l.handler.HandleRequest(toSessionRequest(ev.req))
		out := Response{Sequence: ev.req.Sequence}
		if resp.Success {
			out.Params = resp.Values
		} else {
			out.Error = true
			out.Reason = resp.Reason
		}
		s.reply(l, ev.client, out)
	}
}

// toSessionRequest lifts an optional "instance" param out of params.
func toSessionRequest(req Request) session.Request {
	out := session.Request{Action: req.Action, Values: make(map[string]any, len(req.Params))}
	for k, v := range req.Params {
		if k == "instance" {
			if s, ok := v.(string); ok {
				out.Instance = s
				continue
			}
		}
		out.Values[k] = v
	}
	return out
}

func (s *Server) emit(action string, params map[string]any) error {
	l := s.cur
	if l == nil {
		return session.ErrNotOpen
	}
	frame, err := json.Marshal(Event{Action: action, Params: params, Timestamp: s.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", action, err)
	}
	n := l.broadcast(frame)
	s.logger.Log(context.Background(), config.LevelTrace, "websocket event", "action", action, "clients", n)
	return nil
}

// SendRangeValue implements [session.Transport].
func (s *Server) SendRangeValue(instance string, value float64) error {
	return s.emit(EventRangeValue, map[string]any{"instance": instance, "rangeValue": value})
}

// SendToggle implements [session.Transport].
func (s *Server) SendToggle(instance string, on bool) error {
	return s.emit(EventToggle, map[string]any{"instance": instance, "state": onOff(on)})
}

// SendMode implements [session.Transport].
func (s *Server) SendMode(instance, mode string) error {
	return s.emit(EventMode, map[string]any{"instance": instance, "mode": mode})
}

// SendPowerState implements [session.Transport].
func (s *Server) SendPowerState(on bool) error {
	return s.emit(EventPowerState, map[string]any{"state": onOff(on)})
}

// SendTemperature implements [session.Transport].
func (s *Server) SendTemperature(celsius float64) error {
	return s.emit(EventTemperature, map[string]any{"temperature": celsius})
}

// SendNotification implements [session.Transport].
func (s *Server) SendNotification(text string) error {
	return s.emit(EventNotification, map[string]any{"alert": text})
}

func onOff(on bool) string {
	if on {
		return "On"
	}
	return "Off"
}
