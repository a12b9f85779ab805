package accessory

import "time"

// SetMessage is the payload of domintell/set/{identifier}.
//
// ID may be omitted; the identifier in the topic is used instead.
type SetMessage struct {
	ID             string `json:"id,omitempty"`
	Characteristic string `json:"characteristic"`
	Value          any    `json:"value"`
}

// Ack statuses.
const (
	AckAccepted = "accepted"
	AckFailed   = "failed"
)

// AckMessage is published on domintell/ack/{identifier} for every set request.
type AckMessage struct {
	ID             string    `json:"id"`
	Characteristic string    `json:"characteristic,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StateMessage is the retained payload of domintell/state/{identifier}.
type StateMessage struct {
	UUID            string         `json:"uuid"`
	Identifier      string         `json:"identifier"`
	Name            string         `json:"name"`
	Kind            string         `json:"kind"`
	Characteristics map[string]any `json:"characteristics"`
	Timestamp       time.Time      `json:"timestamp"`
}
