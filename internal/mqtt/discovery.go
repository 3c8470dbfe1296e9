package mqtt

import (
	"context"
	"encoding/json"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/poolheat/internal/heater"
)

// Entities that exist only as outbound state.
const (
	entityTemperature  = "temperature"
	entityNotification = "notification"
)

// entityDef pairs an HA component with its discovery payload.
type entityDef struct {
	component string
	entity    string
	config    EntityConfig
}

// entityDefinitions returns the discovery payloads for every entity
// the heater exposes.
func (t *Transport) entityDefinitions() []entityDef {
	avail := t.availabilityTopic()
	id := t.deviceID

	toggle := func(property, name, icon string) entityDef {
		return entityDef{
			component: "switch",
			entity:    property,
			config: EntityConfig{
				Name:              name,
				ObjectID:          property,
				HasEntityName:     true,
				UniqueID:          id + "_" + property,
				StateTopic:        t.stateTopic(property),
				CommandTopic:      t.commandTopic(property),
				AvailabilityTopic: avail,
				Device:            t.device,
				Icon:              icon,
				PayloadOn:         "ON",
				PayloadOff:        "OFF",
			},
		}
	}
	number := func(property, name string, min, max, step float64) entityDef {
		return entityDef{
			component: "number",
			entity:    property,
			config: EntityConfig{
				Name:              name,
				ObjectID:          property,
				HasEntityName:     true,
				UniqueID:          id + "_" + property,
				StateTopic:        t.stateTopic(property),
				CommandTopic:      t.commandTopic(property),
				AvailabilityTopic: avail,
				Device:            t.device,
				UnitOfMeasurement: "°C",
				Min:               min,
				Max:               max,
				Step:              step,
				Mode:              "box",
			},
		}
	}

	return []entityDef{
		toggle(heater.PropPowerState, "Power", "mdi:power"),
		toggle(heater.PropHeater, "Heater", "mdi:radiator"),
		toggle(heater.PropThermostat, "Thermostat", "mdi:thermostat-auto"),
		number(heater.PropTarget, "Target Temperature", t.opts.MinTarget, t.opts.MaxTarget, 0.5),
		number(heater.PropHysteresis, "Hysteresis", 0.1, 5, 0.1),
		{
			component: "sensor",
			entity:    entityTemperature,
			config: EntityConfig{
				Name:              "Water Temperature",
				HasEntityName:     true,
				ObjectID:          entityTemperature,
				UniqueID:          id + "_" + entityTemperature,
				StateTopic:        t.stateTopic(entityTemperature),
				AvailabilityTopic: avail,
				Device:            t.device,
				DeviceClass:       "temperature",
				UnitOfMeasurement: "°C",
				StateClass:        "measurement",
			},
		},
		{
			component: "sensor",
			entity:    entityNotification,
			config: EntityConfig{
				Name:              "Last Alert",
				HasEntityName:     true,
				ObjectID:          entityNotification,
				UniqueID:          id + "_" + entityNotification,
				StateTopic:        t.stateTopic(entityNotification),
				AvailabilityTopic: avail,
				Device:            t.device,
				Icon:              "mdi:alert-circle-outline",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

// publishDiscovery sends retained discovery config for every entity.
func (t *Transport) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	defs := t.entityDefinitions()
	for _, def := range defs {
		payload, err := json.Marshal(def.config)
		if err != nil {
			t.logger.Error("mqtt marshal discovery config failed",
				"entity", def.entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   t.discoveryTopic(def.component, def.entity),
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			t.logger.Warn("mqtt discovery publish failed",
				"entity", def.entity, "error", err)
		}
	}
	t.logger.Info("mqtt discovery published", "entities", len(defs))
}
