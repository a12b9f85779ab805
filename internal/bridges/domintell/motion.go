package domintell

import (
	"math"
	"time"
)

// Direction is the travel direction of a cover. The values match the TRV
// direction codes: 0 stopped, 1 moving up, 2 moving down.
type Direction int

const (
	DirectionStopped Direction = iota
	DirectionIncreasing
	DirectionDecreasing
)

// String returns the direction name published as PositionState.
func (d Direction) String() string {
	switch d {
	case DirectionIncreasing:
		return "increasing"
	case DirectionDecreasing:
		return "decreasing"
	default:
		return "stopped"
	}
}

// Position bounds. 100 is fully open, which is also the assumed position of
// a cover that has not been observed yet.
const (
	positionClosed = 0.0
	positionOpen   = 100.0
)

// Clock abstracts time for the motion engine.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

// CoverSink receives the engine's outbound commands and state changes.
type CoverSink interface {
	// SendCover emits a movement command for a cover.
	SendCover(identifier string, verb Verb)

	// CoverChanged publishes the cover's new position and direction.
	CoverChanged(identifier string, snap CoverSnapshot)
}

// CoverSnapshot is a read-only copy of a cover's motion state.
type CoverSnapshot struct {
	CurrentPosition float64   `json:"current_position"`
	TargetPosition  float64   `json:"target_position"`
	Direction       Direction `json:"-"`
	PositionState   string    `json:"position_state"`
	Moving          bool      `json:"moving"`
}

// CoverMotionState is the position model of one WindowCovering.
//
// Invariants: both positions stay within [0,100]; a moving cover always has
// a pending timer and a stopped cover never has one. Only MotionEngine
// reads or writes these fields.
type CoverMotionState struct {
	current           float64
	target            float64
	direction         Direction
	movementStartedAt time.Time
	movementDuration  time.Duration

	timer Timer
	// timerSeq identifies the live timer; a callback carrying an older
	// sequence was superseded after it fired and is ignored.
	timerSeq uint64
	// timerLocal is true for an arrival scheduled by SetTarget. Server
	// direction reports are ignored while it is pending.
	timerLocal bool
}

func newCoverMotionState(duration time.Duration) *CoverMotionState {
	return &CoverMotionState{
		current:          positionOpen,
		target:           positionOpen,
		direction:        DirectionStopped,
		movementDuration: duration,
	}
}

// MotionEngine simulates cover travel from direction changes and elapsed time.
//
// It is not safe for concurrent use. The bridge calls it from its event loop
// and supplies a Clock whose timer callbacks run on that same loop.
type MotionEngine struct {
	clock Clock
	sink  CoverSink
}

// NewMotionEngine creates a motion engine.
func NewMotionEngine(clock Clock, sink CoverSink) *MotionEngine {
	return &MotionEngine{clock: clock, sink: sink}
}

// SetTarget moves a cover towards target.
//
// Any pending arrival is cancelled first, then the position is reconciled
// and a single new arrival is scheduled. The arrival snaps the cover to the
// target and sends the stop command.
func (e *MotionEngine) SetTarget(dev *Device, target float64) {
	st := e.state(dev)
	target = clampPosition(target)

	wasMoving := st.direction != DirectionStopped
	e.cancelTimer(st)
	e.reconcile(st)
	st.target = target

	switch {
	case st.current > target:
		st.direction = DirectionDecreasing
		e.sink.SendCover(dev.Identifier(), VerbDown)
	case st.current < target:
		st.direction = DirectionIncreasing
		e.sink.SendCover(dev.Identifier(), VerbUp)
	default:
		st.direction = DirectionStopped
		if wasMoving {
			e.sink.SendCover(dev.Identifier(), VerbStop)
		}
		e.publish(dev, st)
		return
	}

	e.schedule(dev, st, true)
	e.publish(dev, st)
}

// OnServerDirectionReport applies a direction code reported by the controller.
// Reports are ignored while a locally commanded move is in flight; the
// controller echoes the motor direction of that move.
func (e *MotionEngine) OnServerDirectionReport(dev *Device, code int) {
	st := e.state(dev)
	if st.timer != nil && st.timerLocal {
		return
	}

	var direction Direction
	switch code {
	case int(DirectionStopped), int(DirectionIncreasing), int(DirectionDecreasing):
		direction = Direction(code)
	default:
		return
	}

	e.cancelTimer(st)
	e.reconcile(st)
	st.direction = direction

	switch direction {
	case DirectionStopped:
		st.target = st.current
	case DirectionIncreasing:
		st.target = positionOpen
	case DirectionDecreasing:
		st.target = positionClosed
	}

	if direction != DirectionStopped {
		if st.current == st.target {
			// Already at the end stop.
			st.direction = DirectionStopped
		} else {
			e.schedule(dev, st, false)
		}
	}
	e.publish(dev, st)
}

// Reconfigure changes the full-travel duration of a cover. Travel already
// made is accounted for with the old duration and any pending timer is
// rescheduled for the remaining distance at the new speed.
func (e *MotionEngine) Reconfigure(dev *Device, duration time.Duration) {
	st := dev.cover
	if st == nil {
		// Lazily created with the new duration on first use.
		return
	}

	e.reconcile(st)
	st.movementDuration = duration

	if st.timer != nil {
		local := st.timerLocal
		e.cancelTimer(st)
		e.schedule(dev, st, local)
	}
}

// Release cancels any pending timer of a device that is being removed.
func (e *MotionEngine) Release(dev *Device) {
	if dev.cover != nil {
		e.cancelTimer(dev.cover)
		dev.cover.direction = DirectionStopped
	}
}

// CurrentPosition returns the reconciled current position.
func (e *MotionEngine) CurrentPosition(dev *Device) float64 {
	return e.Snapshot(dev).CurrentPosition
}

// TargetPosition returns the target position.
func (e *MotionEngine) TargetPosition(dev *Device) float64 {
	return e.state(dev).target
}

// Direction returns the travel direction.
func (e *MotionEngine) Direction(dev *Device) Direction {
	return e.state(dev).direction
}

// Snapshot returns the cover state with the current position estimated for
// now. Reading does not re-anchor the movement.
func (e *MotionEngine) Snapshot(dev *Device) CoverSnapshot {
	st := e.state(dev)
	return CoverSnapshot{
		CurrentPosition: clampPosition(st.current + e.travelled(st)),
		TargetPosition:  st.target,
		Direction:       st.direction,
		PositionState:   st.direction.String(),
		Moving:          st.direction != DirectionStopped,
	}
}

// state returns the cover state, creating it on first observation.
func (e *MotionEngine) state(dev *Device) *CoverMotionState {
	if dev.cover == nil {
		dev.cover = newCoverMotionState(dev.descriptor.MovementDuration)
	}
	return dev.cover
}

// reconcile advances the current position by the travel made since the
// movement was last anchored, then re-anchors it at now.
func (e *MotionEngine) reconcile(st *CoverMotionState) {
	st.current = clampPosition(st.current + e.travelled(st))
	st.target = clampPosition(st.target)
	st.movementStartedAt = e.clock.Now()
}

// travelled returns the signed position change since movementStartedAt.
func (e *MotionEngine) travelled(st *CoverMotionState) float64 {
	if st.direction == DirectionStopped || st.movementDuration <= 0 || st.movementStartedAt.IsZero() {
		return 0
	}

	fraction := float64(e.clock.Now().Sub(st.movementStartedAt)) / float64(st.movementDuration)
	if fraction < 0 {
		fraction = 0
	}
	delta := fraction * positionOpen
	if st.direction == DirectionDecreasing {
		return -delta
	}
	return delta
}

// schedule arms the timer that ends the current movement.
func (e *MotionEngine) schedule(dev *Device, st *CoverMotionState, local bool) {
	travel := time.Duration(float64(st.movementDuration) / positionOpen * math.Abs(st.target-st.current))

	st.timerSeq++
	seq := st.timerSeq
	st.timerLocal = local
	st.timer = e.clock.AfterFunc(travel, func() {
		e.arrive(dev, seq)
	})
}

// arrive finishes a movement. Local arrivals send the stop command; the end
// of a controller-initiated move only updates the model.
func (e *MotionEngine) arrive(dev *Device, seq uint64) {
	st := dev.cover
	if st == nil || st.timer == nil || st.timerSeq != seq {
		return
	}

	local := st.timerLocal
	st.timer = nil
	st.timerLocal = false
	st.current = st.target
	st.direction = DirectionStopped
	st.movementStartedAt = e.clock.Now()

	if local {
		e.sink.SendCover(dev.Identifier(), VerbStop)
	}
	e.publish(dev, st)
}

func (e *MotionEngine) cancelTimer(st *CoverMotionState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerLocal = false
	st.timerSeq++
}

func (e *MotionEngine) publish(dev *Device, st *CoverMotionState) {
	e.sink.CoverChanged(dev.Identifier(), CoverSnapshot{
		CurrentPosition: st.current,
		TargetPosition:  st.target,
		Direction:       st.direction,
		PositionState:   st.direction.String(),
		Moving:          st.direction != DirectionStopped,
	})
}

// clampPosition limits a position to [0,100]. NaN maps to fully open.
func clampPosition(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return positionOpen
	case v < positionClosed:
		return positionClosed
	case v > positionOpen:
		return positionOpen
	default:
		return v
	}
}
