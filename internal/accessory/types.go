package accessory

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// namespace seeds the name-based accessory UUIDs.
var namespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("domintell-bridge"))

// UUIDFor returns the stable UUID of the accessory with the given identifier.
//
// The UUID is derived from the identifier alone, so an accessory removed
// from configuration and added back later keeps the same UUID.
func UUIDFor(identifier string) string {
	return uuid.NewSHA1(namespace, []byte(identifier)).String()
}

// Accessory is one entry of the host accessory cache.
type Accessory struct {
	UUID            string         `json:"uuid"`
	Identifier      string         `json:"identifier"`
	Name            string         `json:"name"`
	Kind            string         `json:"kind"`
	Config          Config         `json:"config"`
	Characteristics map[string]any `json:"characteristics"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Config is the per-accessory configuration kept alongside the cache entry.
type Config struct {
	MovementDurationMs int64 `json:"movement_duration_ms,omitempty"`
}

// DeepCopy returns a copy that shares no mutable state with a.
func (a *Accessory) DeepCopy() *Accessory {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Characteristics = maps.Clone(a.Characteristics)
	if cp.Characteristics == nil {
		cp.Characteristics = map[string]any{}
	}
	return &cp
}

// Seed describes an accessory to register.
type Seed struct {
	Identifier         string
	Name               string
	Kind               string
	MovementDurationMs int64
}

// Change is delivered to observers after characteristic values are stored.
type Change struct {
	UUID       string         `json:"uuid"`
	Identifier string         `json:"identifier"`
	Values     map[string]any `json:"values"`
	At         time.Time      `json:"at"`
}
