package domintell

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge defaults.
const (
	// defaultCommandTimeout bounds one command write or host update.
	defaultCommandTimeout = 5 * time.Second

	// taskQueueSize is how many events may wait for the bridge loop.
	taskQueueSize = 256
)

// Bridge coordinates the controller session, the device registry and the
// cover motion engine.
//
// All device state is owned by one loop goroutine. Decoded events, set
// requests, cover timers and diagnostic reads are queued to that loop as
// closures and each runs to completion before the next starts.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Bridge struct {
	session  Connector
	host     AccessoryHost
	registry *DeviceRegistry
	motion   *MotionEngine
	health   *HealthReporter

	descriptors    []Descriptor
	commandTimeout time.Duration

	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc

	// Shutdown coordination
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  atomic.Bool
	running  atomic.Bool

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	devices          atomic.Int64
	eventsRouted     atomic.Uint64
	eventsUnresolved atomic.Uint64
	eventsDropped    atomic.Uint64
	commandsSent     atomic.Uint64
	commandErrors    atomic.Uint64
}

// BridgeOptions contains dependencies for creating a Bridge.
type BridgeOptions struct {
	// Session is the controller connection (required).
	Session Connector

	// Host is the external accessory registry (required).
	Host AccessoryHost

	// Devices are the configured bus points.
	Devices []Descriptor

	// Health publishes periodic health status (optional).
	Health *HealthReporter

	// Clock drives cover timers. Default: wall clock.
	Clock Clock

	// CommandTimeout bounds each command write and host update.
	// Default: 5 seconds.
	CommandTimeout time.Duration

	// Logger for bridge operations (optional).
	Logger Logger
}

// NewBridge creates a new Domintell bridge.
//
// Parameters:
//   - opts: Bridge dependencies and configuration
//
// Returns:
//   - *Bridge: Ready to start (call Start to begin processing)
//   - error: If required dependencies are missing or a descriptor is invalid
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Session == nil {
		return nil, errors.New("domintell: session is required")
	}
	if opts.Host == nil {
		return nil, errors.New("domintell: accessory host is required")
	}

	seen := make(map[string]struct{}, len(opts.Devices))
	for _, d := range opts.Devices {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[d.Identifier]; dup {
			return nil, fmt.Errorf("%w: duplicate identifier %s", ErrInvalidDescriptor, d.Identifier)
		}
		seen[d.Identifier] = struct{}{}
	}

	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	base := opts.Clock
	if base == nil {
		base = systemClock{}
	}

	b := &Bridge{
		session:        opts.Session,
		host:           opts.Host,
		health:         opts.Health,
		descriptors:    append([]Descriptor(nil), opts.Devices...),
		commandTimeout: timeout,
		tasks:          make(chan func(), taskQueueSize),
		logger:         opts.Logger,
	}
	b.motion = NewMotionEngine(&loopClock{base: base, bridge: b}, b)
	b.registry = NewDeviceRegistry(opts.Host, b.motion)

	return b, nil
}

// Start registers the configured devices with the host, removes stale host
// accessories, then starts the loop, the session and health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("domintell: bridge already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.running.Store(true)

	if b.health != nil {
		if err := b.health.PublishStarting(); err != nil {
			b.logError("failed to publish starting status", err)
		}
	}

	ids := make([]string, 0, len(b.descriptors))
	for _, d := range b.descriptors {
		if _, err := b.registry.Register(ctx, d); err != nil {
			b.abortStart()
			return err
		}
		ids = append(ids, d.Identifier)
	}

	removed, err := b.registry.UnregisterMissing(ctx, ids)
	if err != nil {
		b.abortStart()
		return err
	}
	if len(removed) > 0 {
		b.logInfo("removed stale accessories", "count", len(removed))
	}

	b.devices.Store(int64(b.registry.Len()))
	if b.health != nil {
		b.health.SetAccessoryCount(b.registry.Len())
	}
	b.logInfo("devices registered", "count", b.registry.Len())

	b.wg.Add(1)
	go b.loop()

	b.session.SetOnEvent(b.onModuleEvent)
	if err := b.session.Start(b.ctx); err != nil {
		b.abortStart()
		b.wg.Wait()
		return fmt.Errorf("starting session: %w", err)
	}

	if b.health != nil {
		b.health.Start(b.ctx)
	}
	return nil
}

func (b *Bridge) abortStart() {
	b.running.Store(false)
	b.cancel()
}

// Stop shuts the bridge down. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.running.Store(false)
		if b.health != nil {
			b.health.Stop()
		}
		if err := b.session.Close(); err != nil {
			b.logError("closing session", err)
		}
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

// SetRequest asks the bridge to change one characteristic of an accessory.
type SetRequest struct {
	Identifier     string
	Characteristic string
	Value          any
}

// HandleSet accepts a set request from the accessory side.
//
// The request is queued and applied asynchronously; command delivery faults
// are logged, never returned. Unknown identifiers are ignored.
//
// Returns:
//   - error: ErrInvalidValue for a value of the wrong type, ErrBridgeStopped
//     if the bridge is not running, or the context error
func (b *Bridge) HandleSet(ctx context.Context, req SetRequest) error {
	value, err := normaliseSetValue(req.Characteristic, req.Value)
	if err != nil {
		return err
	}
	req.Value = value

	return b.enqueueWait(ctx, func() {
		b.applySet(req)
	})
}

// RequestAppInfo asks the controller to report its configuration.
func (b *Bridge) RequestAppInfo(ctx context.Context) error {
	return b.session.Send(ctx, CmdAppInfo)
}

// CoverState returns the current motion snapshot of a cover.
func (b *Bridge) CoverState(ctx context.Context, identifier string) (CoverSnapshot, error) {
	var (
		snap   CoverSnapshot
		result error
	)
	err := b.call(ctx, func() {
		dev, ok := b.registry.Lookup(identifier)
		if !ok || dev.Kind() != KindWindowCovering {
			result = fmt.Errorf("%w: %s", ErrUnknownDevice, identifier)
			return
		}
		snap = b.motion.Snapshot(dev)
	})
	if err != nil {
		return CoverSnapshot{}, err
	}
	return snap, result
}

// SessionState returns the controller session state.
func (b *Bridge) SessionState() State {
	return b.session.State()
}

// BridgeStats holds bridge statistics.
type BridgeStats struct {
	Devices          int          `json:"devices"`
	EventsRouted     uint64       `json:"events_routed"`
	EventsUnresolved uint64       `json:"events_unresolved"`
	EventsDropped    uint64       `json:"events_dropped"`
	CommandsSent     uint64       `json:"commands_sent"`
	CommandErrors    uint64       `json:"command_errors"`
	Session          SessionStats `json:"session"`
}

// Stats returns current bridge and session statistics.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Devices:          int(b.devices.Load()),
		EventsRouted:     b.eventsRouted.Load(),
		EventsUnresolved: b.eventsUnresolved.Load(),
		EventsDropped:    b.eventsDropped.Load(),
		CommandsSent:     b.commandsSent.Load(),
		CommandErrors:    b.commandErrors.Load(),
		Session:          b.session.Stats(),
	}
}

// SetLogger sets the logger for this bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

// loop runs queued tasks until the bridge stops.
func (b *Bridge) loop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case task := <-b.tasks:
			b.runTask(task)
		}
	}
}

func (b *Bridge) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logError("bridge task panic", fmt.Errorf("panic: %v", r))
		}
	}()
	task()
}

// onModuleEvent is the session callback. It must not block the session
// loop, so a full queue drops the event.
func (b *Bridge) onModuleEvent(ev ModuleEvent) {
	select {
	case b.tasks <- func() { b.handleEvent(ev) }:
	default:
		b.eventsDropped.Add(1)
		b.logWarn("bridge queue full, dropping event", "module", ev.Module, "channel", ev.Channel)
	}
}

// enqueueWait queues a task, waiting for queue space.
func (b *Bridge) enqueueWait(ctx context.Context, task func()) error {
	if !b.running.Load() {
		return ErrBridgeStopped
	}
	select {
	case b.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBridgeStopped
	}
}

// call runs a task on the loop and waits for it to finish.
func (b *Bridge) call(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if err := b.enqueueWait(ctx, func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBridgeStopped
	}
}

// handleEvent routes one decoded event to the device it addresses.
func (b *Bridge) handleEvent(ev ModuleEvent) {
	dev, ok := b.registry.Resolve(ev.Module, ev.Channel)
	if !ok {
		b.eventsUnresolved.Add(1)
		return
	}
	b.eventsRouted.Add(1)

	v := ev.Value
	switch dev.Kind() {
	case KindLightbulb, KindOutlet:
		b.updateHost(dev.Identifier(), map[string]any{CharOn: v != 0})
	case KindDimmableLightbulb:
		b.updateHost(dev.Identifier(), map[string]any{
			CharBrightness: int(math.Round(v)),
			CharOn:         v != 0,
		})
	case KindControllableFan:
		b.updateHost(dev.Identifier(), map[string]any{
			CharRotationSpeed: int(math.Round(v)),
			CharOn:            v != 0,
		})
	case KindTemperatureSensor:
		b.updateHost(dev.Identifier(), map[string]any{CharCurrentTemperature: v})
	case KindMotionSensor:
		b.updateHost(dev.Identifier(), map[string]any{CharMotionDetected: v != 0})
	case KindContactSensor:
		b.updateHost(dev.Identifier(), map[string]any{CharContactSensorState: int(v)})
	case KindWindowCovering:
		b.motion.OnServerDirectionReport(dev, int(v))
	}
}

// applySet executes a set request on the loop.
func (b *Bridge) applySet(req SetRequest) {
	dev, ok := b.registry.Lookup(req.Identifier)
	if !ok {
		b.logDebug("set for unknown accessory ignored", "identifier", req.Identifier)
		return
	}

	switch dev.Kind() {
	case KindLightbulb, KindOutlet:
		if req.Characteristic == CharOn {
			b.sendCommand(dev.Identifier(), onOffVerb(req.Value.(bool)), 0)
			return
		}

	case KindDimmableLightbulb:
		switch req.Characteristic {
		case CharBrightness:
			dev.level = levelState{value: clampPercent(int(math.Round(req.Value.(float64)))), set: true}
			return
		case CharOn:
			b.sendLevel(dev, req.Value.(bool))
			return
		}

	case KindControllableFan:
		switch req.Characteristic {
		case CharRotationSpeed:
			dev.level = levelState{value: clampPercent(int(math.Round(req.Value.(float64)))), set: true}
			return
		case CharOn:
			b.sendLevel(dev, req.Value.(bool))
			return
		}

	case KindWindowCovering:
		switch req.Characteristic {
		case CharTargetPosition:
			b.motion.SetTarget(dev, req.Value.(float64))
			return
		case CharPositionState:
			// Accepted for compatibility; the direction is derived, not set.
			return
		}
	}

	b.logDebug("characteristic not writable",
		"identifier", dev.Identifier(),
		"kind", dev.Kind().String(),
		"characteristic", req.Characteristic,
	)
}

// sendLevel switches a dimmer or fan on at its remembered level, or off.
func (b *Bridge) sendLevel(dev *Device, on bool) {
	level := 0
	if on {
		level = dev.level.onLevel()
	}
	b.sendCommand(dev.Identifier(), VerbDim, level)
}

// SendCover implements CoverSink.
func (b *Bridge) SendCover(identifier string, verb Verb) {
	b.sendCommand(identifier, verb, 0)
}

// CoverChanged implements CoverSink.
func (b *Bridge) CoverChanged(identifier string, snap CoverSnapshot) {
	b.updateHost(identifier, map[string]any{
		CharCurrentPosition: int(math.Round(snap.CurrentPosition)),
		CharTargetPosition:  int(math.Round(snap.TargetPosition)),
		CharPositionState:   snap.PositionState,
	})
}

// sendCommand encodes and writes one command. Delivery faults are logged;
// the controller's next status report corrects the accessory state.
func (b *Bridge) sendCommand(identifier string, verb Verb, level int) {
	line, err := EncodeCommand(identifier, verb, level)
	if err != nil {
		b.commandErrors.Add(1)
		b.logError("encoding command", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	if err := b.session.Send(ctx, line); err != nil {
		b.commandErrors.Add(1)
		b.logWarn("command not delivered", "command", line, "error", err)
		return
	}
	b.commandsSent.Add(1)
	b.logDebug("command sent", "command", line)
}

func (b *Bridge) updateHost(identifier string, values map[string]any) {
	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	if err := b.host.UpdateValues(ctx, identifier, values); err != nil {
		b.logError("updating accessory "+identifier, err)
	}
}

func onOffVerb(on bool) Verb {
	if on {
		return VerbOn
	}
	return VerbOff
}

// normaliseSetValue checks a set value and converts it to the type the loop
// expects: bool for On, float64 for levels and positions.
func normaliseSetValue(characteristic string, value any) (any, error) {
	switch characteristic {
	case CharOn:
		switch v := value.(type) {
		case bool:
			return v, nil
		default:
			if f, ok := toFloat(value); ok {
				return f != 0, nil
			}
		}
	case CharBrightness, CharRotationSpeed, CharTargetPosition:
		if f, ok := toFloat(value); ok && !math.IsNaN(f) {
			return f, nil
		}
	case CharPositionState:
		return value, nil
	default:
		return nil, fmt.Errorf("%w: %s is not writable", ErrInvalidValue, characteristic)
	}
	return nil, fmt.Errorf("%w: %s=%v", ErrInvalidValue, characteristic, value)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	default:
		return 0, false
	}
}

// systemClock is the wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// loopClock runs timer callbacks on the bridge loop instead of the timer's
// own goroutine.
type loopClock struct {
	base   Clock
	bridge *Bridge
}

func (c *loopClock) Now() time.Time { return c.base.Now() }

func (c *loopClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.base.AfterFunc(d, func() {
		if err := c.bridge.enqueueWait(context.Background(), f); err != nil {
			c.bridge.logDebug("cover timer dropped", "error", err)
		}
	})
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

var _ CoverSink = (*Bridge)(nil)
