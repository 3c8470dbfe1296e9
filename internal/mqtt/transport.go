package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/poolheat/internal/config"
	"github.com/nugget/poolheat/internal/heater"
	"github.com/nugget/poolheat/internal/session"
)

const (
	defaultQueueSize = 32
	publishTimeout   = 10 * time.Second
	closeTimeout     = 5 * time.Second

	// Inbound requests beyond this rate are dropped.
	requestLimit    = 20
	requestInterval = time.Second

	// A refused subscription is retried on the live connection with
	// doubling delays up to subscribeRetryMax.
	subscribeRetryMin = time.Second
	subscribeRetryMax = time.Minute
)

var (
	errAlreadyOpen = errors.New("mqtt transport already open")
	errQueueFull   = errors.New("mqtt outbound queue full")
)

// Options configures a [Transport].
type Options struct {
	Shadow     config.ShadowConfig
	DeviceName string
	// InstanceID is the default device ID for topics; Open's
	// credentials override it when they carry one.
	InstanceID string
	// MinTarget and MaxTarget bound the target temperature entity.
	MinTarget float64
	MaxTarget float64
	// QueueSize bounds the inbound and outbound queues (default 32).
	QueueSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

type inboundKind int

const (
	inboundOpened inboundKind = iota
	inboundClosed
	inboundMessage
)

type inbound struct {
	kind    inboundKind
	topic   string
	payload []byte
}

// conn is one Open..Close lifetime. Callbacks from a closed conn land
// in a queue nobody drains.
type conn struct {
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc

	// upCancel stops the announcement of the previous connection-up.
	upMu     sync.Mutex
	upCancel context.CancelFunc

	handler session.Handler
	events  chan inbound
	out     chan *paho.Publish
	limiter *requestLimiter
	logger  *slog.Logger
}

func newConn(h session.Handler, size int, logger *slog.Logger) *conn {
	return &conn{
		handler: h,
		events:  make(chan inbound, size),
		out:     make(chan *paho.Publish, size),
		limiter: newRequestLimiter(requestLimit, requestInterval, logger),
		logger:  logger,
	}
}

// connectionUp returns the context for one connection-up, cancelling
// any announcement still retrying from an earlier one.
func (c *conn) connectionUp(parent context.Context) context.Context {
	c.upMu.Lock()
	defer c.upMu.Unlock()
	if c.upCancel != nil {
		c.upCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	c.upCancel = cancel
	return ctx
}

func (c *conn) enqueue(ev inbound) {
	if ev.kind == inboundMessage && !c.limiter.allow() {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("mqtt inbound queue full, dropping", "topic", ev.topic)
	}
}

// Transport implements [session.Transport] over MQTT.
type Transport struct {
	opts     Options
	ctx      context.Context
	logger   *slog.Logger
	now      func() time.Time
	deviceID string
	device   DeviceInfo

	conn *conn

	// subscribeRetry is the first delay after a refused subscription.
	subscribeRetry time.Duration
}

// New creates a Transport bound to ctx. It does not connect until Open.
func New(ctx context.Context, opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Transport{
		opts:     opts,
		ctx:      ctx,
		logger:   opts.Logger,
		now:      opts.Now,
		deviceID: opts.InstanceID,
		device:   NewDeviceInfo(opts.InstanceID, opts.DeviceName),

		subscribeRetry: subscribeRetryMin,
	}
}

// Device returns the HA device block.
func (t *Transport) Device() DeviceInfo { return t.device }

// Open implements [session.Transport]. It starts connecting in the
// background and returns at once.
func (t *Transport) Open(creds session.Credentials, h session.Handler) error {
	if t.conn != nil {
		return errAlreadyOpen
	}
	brokerURL, err := url.Parse(t.opts.Shadow.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if creds.DeviceID != "" {
		t.deviceID = creds.DeviceID
	}

	ctx, cancel := context.WithCancel(t.ctx)
	c := newConn(h, t.opts.QueueSize, t.logger)
	c.cancel = cancel

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: creds.AppKey,
		ConnectPassword: []byte(creds.AppSecret),
		WillMessage: &paho.WillMessage{
			Topic:   t.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.logger.Info("mqtt connected to broker", "broker", t.opts.Shadow.Broker)
			go t.onConnectionUp(c.connectionUp(ctx), cm, c)
		},
		OnConnectError: func(err error) {
			t.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "poolheat-" + t.deviceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.enqueue(inbound{kind: inboundMessage, topic: pr.Packet.Topic, payload: pr.Packet.Payload})
					return true, nil
				},
			},
			OnClientError: func(err error) {
				t.logger.Warn("mqtt client error", "error", err)
				c.enqueue(inbound{kind: inboundClosed})
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				t.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
				c.enqueue(inbound{kind: inboundClosed})
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	go c.limiter.start(ctx)
	go c.writer(ctx)

	t.conn = c
	return nil
}

// subscriber is the part of the connection manager used to subscribe.
type subscriber interface {
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
}

// onConnectionUp subscribes and announces the device, then reports the
// session open.
func (t *Transport) onConnectionUp(ctx context.Context, cm *autopaho.ConnectionManager, c *conn) {
	if !t.subscribe(ctx, cm) {
		return
	}
	t.publishDiscovery(ctx, cm)
	t.publishAvailability(ctx, cm, "online")
	c.enqueue(inbound{kind: inboundOpened})
}

// subscribe subscribes to the request and command topics. A broker
// that refuses keeps the connection up, so autopaho will not reconnect;
// the subscription is retried until it succeeds or ctx ends. It
// reports whether the subscription is in place.
func (t *Transport) subscribe(ctx context.Context, sub subscriber) bool {
	delay := t.subscribeRetry
	for {
		_, err := sub.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{
				{Topic: t.requestTopic(), QoS: 1},
				{Topic: t.commandTopic("+"), QoS: 1},
			},
		})
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		t.logger.Warn("mqtt subscribe failed, retrying", "error", err, "retry_in", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		delay = min(delay*2, subscribeRetryMax)
	}
}

// Close implements [session.Transport]. The offline announcement and
// disconnect finish in the background.
func (t *Transport) Close() {
	c := t.conn
	if c == nil {
		return
	}
	t.conn = nil
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		t.publishAvailability(ctx, c.cm, "offline")
		if err := c.cm.Disconnect(ctx); err != nil {
			t.logger.Debug("mqtt disconnect", "error", err)
		}
		c.cancel()
	}()
}

// Pump implements [session.Transport]: it delivers queued callbacks to
// the handler on the caller's goroutine.
func (t *Transport) Pump() {
	c := t.conn
	if c == nil {
		return
	}
	for i := 0; i < cap(c.events); i++ {
		select {
		case ev := <-c.events:
			t.dispatch(c, ev)
			if t.conn != c {
				return
			}
		default:
			return
		}
	}
}

func (t *Transport) dispatch(c *conn, ev inbound) {
	switch ev.kind {
	case inboundOpened:
		c.handler.SessionOpened()
	case inboundClosed:
		c.handler.SessionClosed()
	case inboundMessage:
		t.logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
			"topic", ev.topic, "payload", string(ev.payload))
		t.handleMessage(c, ev.topic, ev.payload)
	}
}

func (t *Transport) handleMessage(c *conn, topic string, payload []byte) {
	if topic == t.requestTopic() {
		msg, err := decodeRequest(payload)
		if err != nil {
			t.logger.Warn("mqtt bad request", "error", err)
			return
		}
		resp := c.handler.HandleRequest(msg.toRequest())
		if err := t.queueJSON(c, t.responseTopic(), responseMessage{
			RequestID: msg.RequestID,
			Success:   resp.Success,
			Reason:    resp.Reason,
			Value:     resp.Values,
		}); err != nil {
			t.logger.Warn("mqtt response dropped", "request_id", msg.RequestID, "error", err)
		}
		if resp.Success {
			t.queueStates(c, resp.Values)
		}
		return
	}

	if property, ok := t.commandProperty(topic); ok {
		resp := c.handler.HandleRequest(commandRequest(property, payload))
		if !resp.Success {
			t.logger.Warn("mqtt command rejected", "property", property, "reason", resp.Reason)
			return
		}
		t.queueStates(c, resp.Values)
		return
	}

	t.logger.Debug("mqtt message on unexpected topic", "topic", topic)
}

// queueStates mirrors echoed properties to their HA state topics.
func (t *Transport) queueStates(c *conn, values map[string]any) {
	for key, v := range values {
		t.queue(c, &paho.Publish{Topic: t.stateTopic(key), Payload: []byte(haState(v)), Retain: true})
	}
}

func (t *Transport) queueJSON(c *conn, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return t.queue(c, &paho.Publish{Topic: topic, Payload: payload, QoS: 1})
}

func (t *Transport) queue(c *conn, p *paho.Publish) error {
	select {
	case c.out <- p:
		return nil
	default:
		return errQueueFull
	}
}

// writer publishes queued messages until ctx ends.
func (c *conn) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.out:
			c.logger.Log(ctx, config.LevelTrace, "mqtt publish", "topic", p.Topic, "payload", string(p.Payload))
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if _, err := c.cm.Publish(pubCtx, p); err != nil {
				c.logger.Debug("mqtt publish failed", "topic", p.Topic, "error", err)
			}
			cancel()
		}
	}
}

// emit queues one property change: a JSON event and, for properties
// HA tracks, a retained plain state.
func (t *Transport) emit(action, instance string, value map[string]any, state any) error {
	c := t.conn
	if c == nil {
		return session.ErrNotOpen
	}
	if err := t.queueJSON(c, t.eventTopic(), newEvent(t.now(), action, instance, value)); err != nil {
		return err
	}
	if instance != "" && state != nil {
		return t.queue(c, &paho.Publish{Topic: t.stateTopic(instance), Payload: []byte(haState(state)), Retain: true})
	}
	return nil
}

// SendRangeValue implements [session.Transport].
func (t *Transport) SendRangeValue(instance string, value float64) error {
	return t.emit(ActionRangeValue, instance, map[string]any{"rangeValue": value}, value)
}

// SendToggle implements [session.Transport].
func (t *Transport) SendToggle(instance string, on bool) error {
	return t.emit(ActionToggle, instance, map[string]any{"state": onOff(on)}, on)
}

// SendMode implements [session.Transport].
func (t *Transport) SendMode(instance, mode string) error {
	return t.emit(ActionMode, instance, map[string]any{"mode": mode}, mode)
}

// SendPowerState implements [session.Transport].
func (t *Transport) SendPowerState(on bool) error {
	return t.emit(ActionPowerState, heater.PropPowerState, map[string]any{"state": onOff(on)}, on)
}

// SendTemperature implements [session.Transport].
func (t *Transport) SendTemperature(celsius float64) error {
	return t.emit(ActionTemperature, entityTemperature, map[string]any{"temperature": celsius}, celsius)
}

// SendNotification implements [session.Transport].
func (t *Transport) SendNotification(text string) error {
	return t.emit(ActionNotification, entityNotification, map[string]any{"alert": text}, text)
}

// --- Topic helpers ---

func (t *Transport) baseTopic() string {
	return t.opts.Shadow.TopicPrefix + "/" + t.deviceID
}

func (t *Transport) availabilityTopic() string { return t.baseTopic() + "/availability" }
func (t *Transport) requestTopic() string      { return t.baseTopic() + "/request" }
func (t *Transport) responseTopic() string     { return t.baseTopic() + "/response" }
func (t *Transport) eventTopic() string        { return t.baseTopic() + "/event" }

func (t *Transport) stateTopic(property string) string {
	return t.baseTopic() + "/" + property + "/state"
}

func (t *Transport) commandTopic(property string) string {
	return t.baseTopic() + "/" + property + "/set"
}

// commandProperty extracts the property from a base/<property>/set topic.
func (t *Transport) commandProperty(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.baseTopic()+"/")
	if !ok {
		return "", false
	}
	property, ok := strings.CutSuffix(rest, "/set")
	if !ok || property == "" || strings.Contains(property, "/") {
		return "", false
	}
	return property, true
}

func (t *Transport) discoveryTopic(component, entity string) string {
	return t.opts.Shadow.DiscoveryPrefix + "/" + component + "/" + t.deviceID + "/" + entity + "/config"
}

func (t *Transport) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   t.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		t.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		t.logger.Info("mqtt availability published", "status", status)
	}
}
