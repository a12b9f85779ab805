package domintell

import "time"

// Topic prefix for everything the bridge publishes on MQTT.
const topicPrefix = "domintell"

// HealthTopic returns the retained health topic.
func HealthTopic() string {
	return topicPrefix + "/health"
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the session is logged in and MQTT is connected.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is running with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the controller cannot be reached.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: domintell/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	// Bridge is the bridge identifier.
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Connection describes the controller session.
	Connection *ConnectionStatus `json:"connection,omitempty"`

	// Statistics contains session counters.
	Statistics *SessionStatistics `json:"statistics,omitempty"`

	// AccessoriesManaged is the number of configured accessories.
	AccessoriesManaged int `json:"accessories_managed"`

	// Reason explains the status (especially for degraded/unhealthy).
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the controller session.
type ConnectionStatus struct {
	// Status is the session state ("ready", "authenticating", "disconnected", ...).
	Status string `json:"status"`

	// Address is the controller endpoint.
	Address string `json:"address,omitempty"`

	// ConnectedSince is when the current connection was established.
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

// SessionStatistics contains session counters.
type SessionStatistics struct {
	LinesReceived    uint64 `json:"lines_received"`
	LinesSent        uint64 `json:"lines_sent"`
	EventsDecoded    uint64 `json:"events_decoded"`
	DecodeErrors     uint64 `json:"decode_errors"`
	Reconnects       uint64 `json:"reconnects"`
	MissedHeartbeats int64  `json:"missed_heartbeats"`
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats SessionStats, accessories int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:             bridgeID,
		Timestamp:          time.Now().UTC(),
		Status:             status,
		Version:            version,
		UptimeSeconds:      int64(time.Since(startTime).Seconds()),
		AccessoriesManaged: accessories,
		Connection: &ConnectionStatus{
			Status:  stats.State,
			Address: stats.Address,
		},
		Statistics: &SessionStatistics{
			LinesReceived:    stats.LinesRx,
			LinesSent:        stats.LinesTx,
			EventsDecoded:    stats.EventsDecoded,
			DecodeErrors:     stats.DecodeErrors,
			Reconnects:       stats.Reconnects,
			MissedHeartbeats: stats.MissedHeartbeats,
		},
	}

	if msg.Connection.Status == "" {
		msg.Connection.Status = StateDisconnected.String()
	}
	if !stats.ConnectedSince.IsZero() {
		since := stats.ConnectedSince.UTC()
		msg.Connection.ConnectedSince = &since
	}
	return msg
}
