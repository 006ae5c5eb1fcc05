package mqtt

import "fmt"

// Topic prefixes for the Kumo Core MQTT surface.
//
// Device topics use the flat scheme: kumo/{category}/{serial}
const (
	// TopicPrefix is the base for all Kumo Core topics.
	TopicPrefix = "kumo"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "kumo/system"
)

// Topics provides builders for Kumo Core MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("0123456789AB")
//	// Returns: "kumo/state/0123456789AB"
type Topics struct{}

// DeviceState returns the topic carrying a unit's merged state snapshot.
//
// Example: kumo/state/0123456789AB
func (Topics) DeviceState(serial string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, serial)
}

// DeviceAvailability returns the topic carrying a unit's availability flag.
//
// Example: kumo/availability/0123456789AB
func (Topics) DeviceAvailability(serial string) string {
	return fmt.Sprintf("%s/availability/%s", TopicPrefix, serial)
}

// DeviceCommand returns the topic on which commands for a unit arrive.
//
// Example: kumo/command/0123456789AB
func (Topics) DeviceCommand(serial string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, serial)
}

// SystemStatus returns the system status topic. The broker publishes the
// Last Will here when the service dies unexpectedly.
//
// Example: kumo/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceCommands returns a pattern matching commands for every unit.
//
// Pattern: kumo/command/+
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefix)
}

// AllDeviceStates returns a pattern matching every unit's state topic.
//
// Pattern: kumo/state/+
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/state/+", TopicPrefix)
}

// AllTopics returns a pattern matching all Kumo Core topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: kumo/#
func (Topics) AllTopics() string {
	return "kumo/#"
}
