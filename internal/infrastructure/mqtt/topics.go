package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the bridge publishes or consumes.
//
// The hierarchy is flat: domintell/{category}/{identifier}
const TopicPrefix = "domintell"

// Topic categories under TopicPrefix.
const (
	categoryState  = "state"
	categorySet    = "set"
	categoryAck    = "ack"
	categoryHealth = "health"
	categorySystem = "system"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers keeps topic naming consistent across packages.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.State("BIR00001D-1")
//	// Returns: "domintell/state/BIR00001D-1"
type Topics struct{}

// State returns the retained state topic for an accessory.
//
// Example: domintell/state/BIR00001D-1
func (Topics) State(identifier string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, categoryState, identifier)
}

// Set returns the topic that carries set requests for an accessory.
//
// Example: domintell/set/TRV0000B1-3
func (Topics) Set(identifier string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, categorySet, identifier)
}

// Ack returns the topic on which set requests are acknowledged.
//
// Example: domintell/ack/TRV0000B1-3
func (Topics) Ack(identifier string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, categoryAck, identifier)
}

// Health returns the retained bridge health topic.
func (Topics) Health() string {
	return fmt.Sprintf("%s/%s", TopicPrefix, categoryHealth)
}

// SystemStatus returns the online/offline status topic (also the LWT topic).
//
// Example: domintell/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, categorySystem)
}

// AllSets returns a pattern matching set requests for every accessory.
//
// Pattern: domintell/set/+
func (Topics) AllSets() string {
	return fmt.Sprintf("%s/%s/+", TopicPrefix, categorySet)
}

// AllStates returns a pattern matching every accessory state topic.
//
// Pattern: domintell/state/+
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/%s/+", TopicPrefix, categoryState)
}

// AllTopics returns a pattern matching all bridge topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: domintell/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// IdentifierFromTopic extracts the accessory identifier from a
// domintell/{category}/{identifier} topic.
//
// Returns false when the topic is outside the hierarchy or has no identifier.
func (Topics) IdentifierFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
