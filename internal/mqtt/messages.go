package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/poolheat/internal/session"
)

// Event actions. Value keys reuse the legacy request aliases so an
// event replayed as a request normalizes onto the same property.
const (
	ActionRangeValue   = "setRangeValue"
	ActionToggle       = "setToggleState"
	ActionMode         = "setMode"
	ActionPowerState   = "setPowerState"
	ActionTemperature  = "currentTemperature"
	ActionNotification = "pushNotification"
)

// requestMessage is an inbound property request on base/request.
type requestMessage struct {
	RequestID string         `json:"request_id"`
	Action    string         `json:"action"`
	Instance  string         `json:"instance,omitempty"`
	Value     map[string]any `json:"value"`
}

// responseMessage answers one requestMessage on base/response.
type responseMessage struct {
	RequestID string         `json:"request_id"`
	Success   bool           `json:"success"`
	Reason    string         `json:"reason,omitempty"`
	Value     map[string]any `json:"value,omitempty"`
}

// eventMessage is a property change pushed on base/event.
type eventMessage struct {
	EventID   string         `json:"event_id"`
	Action    string         `json:"action"`
	Instance  string         `json:"instance,omitempty"`
	Value     map[string]any `json:"value"`
	Timestamp int64          `json:"timestamp"`
}

func decodeRequest(payload []byte) (requestMessage, error) {
	var req requestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	if req.Action == "" && req.Instance == "" {
		return req, fmt.Errorf("decode request: action or instance required")
	}
	if req.Value == nil {
		req.Value = map[string]any{}
	}
	return req, nil
}

func (r requestMessage) toRequest() session.Request {
	return session.Request{Action: r.Action, Instance: r.Instance, Values: r.Value}
}

// commandRequest turns a plain Home Assistant command payload for
// property into a request. Numbers arrive as a range value, anything
// else as a state.
func commandRequest(property string, payload []byte) session.Request {
	text := strings.TrimSpace(string(payload))
	values := map[string]any{}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		values["rangeValue"] = f
	} else {
		values["state"] = text
	}
	return session.Request{Action: "set", Instance: property, Values: values}
}

func newEvent(now time.Time, action, instance string, value map[string]any) eventMessage {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return eventMessage{
		EventID:   id.String(),
		Action:    action,
		Instance:  instance,
		Value:     value,
		Timestamp: now.UnixMilli(),
	}
}

// onOff renders a switch state the way shadow clients expect.
func onOff(on bool) string {
	if on {
		return "On"
	}
	return "Off"
}

// haState renders a value as a Home Assistant state payload.
func haState(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "ON"
		}
		return "OFF"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		switch strings.ToLower(x) {
		case "on", "true":
			return "ON"
		case "off", "false":
			return "OFF"
		}
		return x
	default:
		return fmt.Sprint(x)
	}
}
