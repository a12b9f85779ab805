package domintell

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the accessory class of a configured device.
type Kind int

const (
	KindLightbulb Kind = iota + 1
	KindDimmableLightbulb
	KindOutlet
	KindWindowCovering
	KindTemperatureSensor
	KindContactSensor
	KindMotionSensor
	KindControllableFan
)

var kindNames = map[Kind]string{
	KindLightbulb:         "Lightbulb",
	KindDimmableLightbulb: "DimmableLightbulb",
	KindOutlet:            "Outlet",
	KindWindowCovering:    "WindowCovering",
	KindTemperatureSensor: "TemperatureSensor",
	KindContactSensor:     "ContactSensor",
	KindMotionSensor:      "MotionSensor",
	KindControllableFan:   "ControllableFan",
}

// String returns the configuration name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses a configuration type name, ignoring case.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Characteristic names shared with the accessory host.
const (
	CharOn                 = "On"
	CharBrightness         = "Brightness"
	CharCurrentPosition    = "CurrentPosition"
	CharTargetPosition     = "TargetPosition"
	CharPositionState      = "PositionState"
	CharCurrentTemperature = "CurrentTemperature"
	CharContactSensorState = "ContactSensorState"
	CharMotionDetected     = "MotionDetected"
	CharRotationSpeed      = "RotationSpeed"
)

// Descriptor is the static configuration of one bus point.
type Descriptor struct {
	Identifier       string
	DisplayName      string
	Kind             Kind
	MovementDuration time.Duration
}

// Validate checks the descriptor for required fields.
func (d Descriptor) Validate() error {
	if d.Identifier == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidDescriptor)
	}
	if _, ok := kindNames[d.Kind]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(d.Kind))
	}
	if d.Kind == KindWindowCovering && d.MovementDuration <= 0 {
		return fmt.Errorf("%w: cover %s needs a positive movement duration", ErrInvalidDescriptor, d.Identifier)
	}
	return nil
}

// AccessoryHost is the external accessory registry the bridge publishes to.
// Implemented by an adapter over internal/accessory in main.
type AccessoryHost interface {
	// RegisterAccessory creates the accessory or, when it already exists,
	// refreshes its configuration. Returns the accessory's stable UUID.
	RegisterAccessory(ctx context.Context, seed AccessorySeed) (string, error)

	// UnregisterAccessories removes accessories by UUID.
	UnregisterAccessories(ctx context.Context, uuids []string) error

	// AccessoryUUIDs lists every accessory the host knows, including ones
	// cached from earlier runs.
	AccessoryUUIDs(ctx context.Context) ([]string, error)

	// UpdateValues pushes characteristic values for one accessory.
	UpdateValues(ctx context.Context, identifier string, values map[string]any) error
}

// AccessorySeed describes an accessory to the host.
type AccessorySeed struct {
	Identifier         string
	Name               string
	Kind               string
	MovementDurationMs int64
}

// levelState remembers the last level requested for a dimmer or fan, used
// when the accessory is switched on without a level.
type levelState struct {
	value int
	set   bool
}

// onLevel returns the remembered level, or full level if none was set.
func (l levelState) onLevel() int {
	if !l.set {
		return 100
	}
	return l.value
}

// Device is a registered bus point with its per-kind runtime state.
type Device struct {
	descriptor Descriptor
	uuid       string

	// level is used by DimmableLightbulb and ControllableFan.
	level levelState

	// cover is used by WindowCovering and is only touched by MotionEngine.
	cover *CoverMotionState
}

// Identifier returns the device identifier.
func (d *Device) Identifier() string { return d.descriptor.Identifier }

// Kind returns the device kind.
func (d *Device) Kind() Kind { return d.descriptor.Kind }

// Descriptor returns a copy of the device configuration.
func (d *Device) Descriptor() Descriptor { return d.descriptor }

// UUID returns the host accessory UUID.
func (d *Device) UUID() string { return d.uuid }

// DeviceRegistry maps identifiers to configured devices.
//
// Not safe for concurrent use; the bridge owns it from its event loop.
type DeviceRegistry struct {
	host    AccessoryHost
	motion  *MotionEngine
	devices map[string]*Device
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry(host AccessoryHost, motion *MotionEngine) *DeviceRegistry {
	return &DeviceRegistry{
		host:    host,
		motion:  motion,
		devices: make(map[string]*Device),
	}
}

// Register adds a device or updates an existing one.
//
// Registering a known identifier updates only the movement duration of a
// cover, keeping its position model, and refreshes the host's copy.
//
// Parameters:
//   - ctx: Context for the host call
//   - d: Device configuration
//
// Returns:
//   - *Device: The registered device
//   - error: Validation or host error
func (r *DeviceRegistry) Register(ctx context.Context, d Descriptor) (*Device, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	uuid, err := r.host.RegisterAccessory(ctx, AccessorySeed{
		Identifier:         d.Identifier,
		Name:               d.DisplayName,
		Kind:               d.Kind.String(),
		MovementDurationMs: d.MovementDuration.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("registering accessory %s: %w", d.Identifier, err)
	}

	if existing, ok := r.devices[d.Identifier]; ok {
		if existing.descriptor.Kind == KindWindowCovering && existing.descriptor.MovementDuration != d.MovementDuration {
			existing.descriptor.MovementDuration = d.MovementDuration
			if r.motion != nil {
				r.motion.Reconfigure(existing, d.MovementDuration)
			}
		}
		existing.uuid = uuid
		return existing, nil
	}

	dev := &Device{descriptor: d, uuid: uuid}
	r.devices[d.Identifier] = dev
	return dev, nil
}

// Lookup returns the device with the given identifier.
func (r *DeviceRegistry) Lookup(identifier string) (*Device, bool) {
	dev, ok := r.devices[identifier]
	return dev, ok
}

// Resolve returns the device a decoded module channel belongs to.
// Undeclared bus channels resolve to nothing.
func (r *DeviceRegistry) Resolve(module string, channel int) (*Device, bool) {
	return r.Lookup(DeriveIdentifier(module, channel))
}

// UnregisterMissing removes every device and host accessory that is not in
// the configured identifier set, including accessories the host cached
// from an earlier configuration.
//
// Returns:
//   - []string: UUIDs removed from the host
//   - error: Host error
func (r *DeviceRegistry) UnregisterMissing(ctx context.Context, configured []string) ([]string, error) {
	keep := make(map[string]struct{}, len(configured))
	for _, id := range configured {
		keep[id] = struct{}{}
	}

	keepUUIDs := make(map[string]struct{}, len(configured))
	for id, dev := range r.devices {
		if _, ok := keep[id]; !ok {
			if r.motion != nil {
				r.motion.Release(dev)
			}
			delete(r.devices, id)
			continue
		}
		keepUUIDs[dev.uuid] = struct{}{}
	}

	known, err := r.host.AccessoryUUIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing host accessories: %w", err)
	}

	var stale []string
	for _, uuid := range known {
		if _, ok := keepUUIDs[uuid]; !ok {
			stale = append(stale, uuid)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	sort.Strings(stale)
	if err := r.host.UnregisterAccessories(ctx, stale); err != nil {
		return nil, fmt.Errorf("unregistering accessories: %w", err)
	}
	return stale, nil
}

// Len returns the number of registered devices.
func (r *DeviceRegistry) Len() int {
	return len(r.devices)
}

// Identifiers returns the registered identifiers in sorted order.
func (r *DeviceRegistry) Identifiers() []string {
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
