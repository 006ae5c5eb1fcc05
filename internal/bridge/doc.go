// Package bridge mirrors coordinator snapshots onto MQTT and routes
// inbound MQTT commands to the coordinator.
//
// Snapshots are published retained so controllers joining late see the
// current state immediately:
//
//	kumo/state/{serial}        merged state snapshot (JSON)
//	kumo/availability/{serial} "online" or "offline"
//
// Commands arrive as flat attribute maps on kumo/command/{serial} and
// flow through the same validation and optimistic-cache path as REST
// commands.
//
// The bridge is optional. Kumo Core runs fully without a broker; main
// only wires it when mqtt.enabled is set.
package bridge
