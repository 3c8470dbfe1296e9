// Package mqtt is the device-shadow transport over MQTT. The pool
// heater appears as a native Home Assistant device with availability
// tracking, and exchanges property requests, responses and change
// events with the shadow service on per-device topics.
//
// The transport uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it subscribes to the request and command topics,
// publishes retained discovery config payloads for each entity and a
// birth message ("online") to the availability topic. A will message
// ensures the availability topic transitions to "offline" on
// unexpected disconnects.
//
// Paho delivers callbacks on its own goroutines. They are queued and
// handed to the session handler only from [Transport.Pump], so the
// controller loop never sees concurrent calls. Outbound messages are
// queued to a writer goroutine so sends never block the loop.
//
// Topic layout, with base = <topic_prefix>/<device_id>:
//
//	base/request             inbound JSON property requests
//	base/response            JSON responses, one per request
//	base/event               JSON property change events
//	base/availability        "online" / "offline" (retained, will)
//	base/<property>/set      Home Assistant commands (plain payload)
//	base/<property>/state    retained plain state for Home Assistant
package mqtt
