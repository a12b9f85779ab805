package accessory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/domintell-bridge/internal/infrastructure/mqtt"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Transport is the MQTT surface the registry publishes state and acks on.
// Satisfied by *mqtt.Client.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Telemetry records characteristic changes. Satisfied by *influxdb.Client.
type Telemetry interface {
	WriteAccessoryValue(identifier, characteristic string, value any)
}

// Auditor records the outcome of set requests. Satisfied by *audit.Recorder.
type Auditor interface {
	RecordSet(ctx context.Context, identifier, characteristic string, value any, err error)
}

// SetHandler applies a set request received from MQTT.
type SetHandler func(ctx context.Context, identifier, characteristic string, value any) error

// defaultSetTimeout bounds how long a set handler may block an MQTT callback.
const defaultSetTimeout = 5 * time.Second

// Registry is the host accessory registry: a persistent cache of accessories
// with their last known characteristic values.
//
// All public methods are thread-safe.
type Registry struct {
	repo Repository

	cache   map[string]*Accessory // by identifier
	cacheMu sync.RWMutex

	transport Transport
	telemetry Telemetry
	auditor   Auditor
	qos       byte

	observers []func(Change)
	obsMu     sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRegistry creates a registry over repo. Call RefreshCache before use.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Accessory),
		qos:    1,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Registry) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// SetTransport enables MQTT state publishing with the given QoS.
// Must be called before the bridge starts.
func (r *Registry) SetTransport(t Transport, qos byte) {
	r.transport = t
	r.qos = qos
}

// SetTelemetry enables time-series recording of characteristic changes.
// Must be called before the bridge starts.
func (r *Registry) SetTelemetry(t Telemetry) {
	r.telemetry = t
}

// SetAuditor records every acknowledged set request.
// Must be called before ListenForSets.
func (r *Registry) SetAuditor(a Auditor) {
	r.auditor = a
}

// OnChange registers an observer called after every stored value change.
// Observers run synchronously and must not block.
func (r *Registry) OnChange(fn func(Change)) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// RefreshCache reloads every accessory from the repository, including ones
// cached by earlier runs that are no longer configured.
func (r *Registry) RefreshCache(ctx context.Context) error {
	accessories, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading accessories: %w", err)
	}

	r.cacheMu.Lock()
	r.cache = make(map[string]*Accessory, len(accessories))
	for i := range accessories {
		r.cache[accessories[i].Identifier] = accessories[i].DeepCopy()
	}
	r.cacheMu.Unlock()

	r.getLogger().Info("accessory cache refreshed", "count", len(accessories))
	return nil
}

// Register creates an accessory or refreshes an existing one.
//
// Registering the same identifier twice is idempotent: the UUID and stored
// characteristics are kept, only name, kind and config are updated.
//
// Returns:
//   - string: The accessory's stable UUID
//   - error: ErrInvalidAccessory or a persistence error
func (r *Registry) Register(ctx context.Context, seed Seed) (string, error) {
	if seed.Identifier == "" || seed.Kind == "" {
		return "", fmt.Errorf("%w: identifier and kind are required", ErrInvalidAccessory)
	}

	a := &Accessory{
		UUID:       UUIDFor(seed.Identifier),
		Identifier: seed.Identifier,
		Name:       seed.Name,
		Kind:       seed.Kind,
		Config:     Config{MovementDurationMs: seed.MovementDurationMs},
	}

	r.cacheMu.RLock()
	existing, known := r.cache[seed.Identifier]
	if known {
		a.Characteristics = maps.Clone(existing.Characteristics)
		a.CreatedAt = existing.CreatedAt
	}
	r.cacheMu.RUnlock()

	if err := r.repo.Upsert(ctx, a); err != nil {
		return "", err
	}
	if a.Characteristics == nil {
		a.Characteristics = map[string]any{}
	}

	r.cacheMu.Lock()
	r.cache[a.Identifier] = a.DeepCopy()
	r.cacheMu.Unlock()

	if known {
		r.getLogger().Debug("accessory refreshed", "identifier", a.Identifier, "uuid", a.UUID)
	} else {
		r.getLogger().Info("accessory added", "identifier", a.Identifier, "kind", a.Kind, "uuid", a.UUID)
	}
	return a.UUID, nil
}

// Unregister removes accessories by UUID and clears their retained state.
func (r *Registry) Unregister(ctx context.Context, uuids []string) error {
	if len(uuids) == 0 {
		return nil
	}

	removed, err := r.repo.Delete(ctx, uuids)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(uuids))
	for _, id := range uuids {
		wanted[id] = true
	}

	var identifiers []string
	r.cacheMu.Lock()
	for identifier, a := range r.cache {
		if wanted[a.UUID] {
			identifiers = append(identifiers, identifier)
			delete(r.cache, identifier)
		}
	}
	r.cacheMu.Unlock()

	logger := r.getLogger()
	if r.transport != nil {
		for _, identifier := range identifiers {
			// An empty retained payload deletes the retained message.
			if err := r.transport.Publish(mqtt.Topics{}.State(identifier), nil, r.qos, true); err != nil {
				logger.Warn("clearing retained state failed", "identifier", identifier, "error", err)
			}
		}
	}

	logger.Info("accessories removed", "count", removed)
	return nil
}

// UUIDs returns the UUID of every cached accessory, sorted.
func (r *Registry) UUIDs() []string {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	uuids := make([]string, 0, len(r.cache))
	for _, a := range r.cache {
		uuids = append(uuids, a.UUID)
	}
	slices.Sort(uuids)
	return uuids
}

// Get returns a copy of the accessory with the given identifier.
func (r *Registry) Get(identifier string) (*Accessory, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	a, ok := r.cache[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccessoryNotFound, identifier)
	}
	return a.DeepCopy(), nil
}

// List returns copies of all accessories ordered by identifier.
func (r *Registry) List() []Accessory {
	r.cacheMu.RLock()
	accessories := make([]Accessory, 0, len(r.cache))
	for _, a := range r.cache {
		accessories = append(accessories, *a.DeepCopy())
	}
	r.cacheMu.RUnlock()

	slices.SortFunc(accessories, func(a, b Accessory) int {
		return cmp.Compare(a.Identifier, b.Identifier)
	})
	return accessories
}

// Count returns the number of cached accessories.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// UpdateValues stores characteristic values for one accessory.
//
// The merged state is persisted, then published retained on
// domintell/state/{identifier}. Each value is also written to telemetry and
// observers are notified. Publish and telemetry failures are logged only.
//
// Returns:
//   - error: ErrAccessoryNotFound or a persistence error
func (r *Registry) UpdateValues(ctx context.Context, identifier string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	r.cacheMu.RLock()
	_, ok := r.cache[identifier]
	r.cacheMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccessoryNotFound, identifier)
	}

	if err := r.repo.UpdateCharacteristics(ctx, identifier, values); err != nil {
		return err
	}

	now := time.Now().UTC()
	r.cacheMu.Lock()
	cached, ok := r.cache[identifier]
	if !ok {
		r.cacheMu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccessoryNotFound, identifier)
	}
	updated := cached.DeepCopy()
	maps.Copy(updated.Characteristics, values)
	updated.UpdatedAt = now
	r.cache[identifier] = updated
	snapshot := updated.DeepCopy()
	r.cacheMu.Unlock()

	r.publishState(snapshot, now)

	if r.telemetry != nil {
		for characteristic, value := range values {
			r.telemetry.WriteAccessoryValue(identifier, characteristic, value)
		}
	}

	r.notify(Change{
		UUID:       snapshot.UUID,
		Identifier: identifier,
		Values:     maps.Clone(values),
		At:         now,
	})
	return nil
}

// PublishAll republishes the retained state of every accessory, used after
// the MQTT connection is re-established.
func (r *Registry) PublishAll() {
	now := time.Now().UTC()
	for _, a := range r.List() {
		r.publishState(&a, now)
	}
}

func (r *Registry) publishState(a *Accessory, at time.Time) {
	if r.transport == nil {
		return
	}

	payload, err := json.Marshal(StateMessage{
		UUID:            a.UUID,
		Identifier:      a.Identifier,
		Name:            a.Name,
		Kind:            a.Kind,
		Characteristics: a.Characteristics,
		Timestamp:       at,
	})
	if err != nil {
		r.getLogger().Error("marshalling state failed", "identifier", a.Identifier, "error", err)
		return
	}

	if err := r.transport.Publish(mqtt.Topics{}.State(a.Identifier), payload, r.qos, true); err != nil {
		r.getLogger().Warn("publishing state failed", "identifier", a.Identifier, "error", err)
	}
}

func (r *Registry) notify(change Change) {
	r.obsMu.RLock()
	observers := slices.Clone(r.observers)
	r.obsMu.RUnlock()

	for _, fn := range observers {
		fn(change)
	}
}

// ListenForSets subscribes to domintell/set/+ and passes every valid
// request to handler. Each request is acknowledged on domintell/ack/{id}.
func (r *Registry) ListenForSets(handler SetHandler) error {
	if handler == nil {
		return ErrNoSetHandler
	}
	if r.transport == nil {
		return fmt.Errorf("%w: no transport", ErrNoSetHandler)
	}

	return r.transport.Subscribe(mqtt.Topics{}.AllSets(), r.qos, func(topic string, payload []byte) error {
		return r.handleSetMessage(topic, payload, handler)
	})
}

// handleSetMessage validates, dispatches and acknowledges one set request.
func (r *Registry) handleSetMessage(topic string, payload []byte, handler SetHandler) error {
	identifier, ok := mqtt.Topics{}.IdentifierFromTopic(topic)
	if !ok {
		return fmt.Errorf("%w: topic %s", ErrInvalidSetMessage, topic)
	}

	var msg SetMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.ack(identifier, "", nil, fmt.Errorf("%w: %w", ErrInvalidSetMessage, err))
		return nil
	}
	if msg.ID == "" {
		msg.ID = identifier
	}

	var err error
	switch {
	case msg.ID != identifier:
		err = fmt.Errorf("%w: id %q does not match topic", ErrInvalidSetMessage, msg.ID)
	case msg.Characteristic == "":
		err = fmt.Errorf("%w: characteristic is required", ErrInvalidSetMessage)
	default:
		r.cacheMu.RLock()
		_, known := r.cache[identifier]
		r.cacheMu.RUnlock()
		if !known {
			err = fmt.Errorf("%w: %s", ErrAccessoryNotFound, identifier)
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultSetTimeout)
		err = handler(ctx, identifier, msg.Characteristic, msg.Value)
		cancel()
	}

	r.ack(identifier, msg.Characteristic, msg.Value, err)
	return nil
}

func (r *Registry) ack(identifier, characteristic string, value any, err error) {
	if r.auditor != nil {
		r.auditor.RecordSet(context.Background(), identifier, characteristic, value, err)
	}

	msg := AckMessage{
		ID:             identifier,
		Characteristic: characteristic,
		Status:         AckAccepted,
		Timestamp:      time.Now().UTC(),
	}
	if err != nil {
		msg.Status = AckFailed
		msg.Error = err.Error()
		r.getLogger().Warn("set request rejected", "identifier", identifier, "characteristic", characteristic, "error", err)
	}

	payload, mErr := json.Marshal(msg)
	if mErr != nil {
		return
	}
	if pErr := r.transport.Publish(mqtt.Topics{}.Ack(identifier), payload, r.qos, false); pErr != nil {
		r.getLogger().Warn("publishing ack failed", "identifier", identifier, "error", pErr)
	}
}
