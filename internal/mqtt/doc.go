// Package mqtt publishes orchestrator health to an MQTT broker: turn
// and checkpoint counters, cache hit ratio and degradation, and the
// background queue depth. Optionally the sensors are announced through
// Home Assistant MQTT discovery so they appear as a device.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads (when
// a discovery prefix is configured) and a birth message ("online") to
// the availability topic. A will message moves the availability topic
// to "offline" on unexpected disconnects.
package mqtt
