package domintell

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"
)

// manualClock is a Clock that only moves when Advance is called.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, firing due timers in order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*manualTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(end) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = end
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// Active returns the number of timers that are neither stopped nor fired.
func (c *manualClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// recordingSink records cover commands and published snapshots.
type recordingSink struct {
	mu        sync.Mutex
	commands  []Verb
	snapshots []CoverSnapshot
}

func (s *recordingSink) SendCover(_ string, verb Verb) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, verb)
}

func (s *recordingSink) CoverChanged(_ string, snap CoverSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

func (s *recordingSink) Commands() []Verb {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Verb(nil), s.commands...)
}

func (s *recordingSink) count(verb Verb) int {
	n := 0
	for _, v := range s.Commands() {
		if v == verb {
			n++
		}
	}
	return n
}

func newTestCover(duration time.Duration) *Device {
	return &Device{descriptor: Descriptor{
		Identifier:       "TRV0000B1-1",
		DisplayName:      "Living room blind",
		Kind:             KindWindowCovering,
		MovementDuration: duration,
	}}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestMotionEngineRoundTrip(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10000 * time.Millisecond)

	engine.SetTarget(dev, 0)

	if got := sink.Commands(); len(got) != 1 || got[0] != VerbDown {
		t.Fatalf("commands after SetTarget = %v, want [L]", got)
	}
	if engine.Direction(dev) != DirectionDecreasing {
		t.Errorf("Direction() = %v, want decreasing", engine.Direction(dev))
	}
	if clock.Active() != 1 {
		t.Fatalf("active timers = %d, want 1", clock.Active())
	}

	clock.Advance(9999 * time.Millisecond)
	if sink.count(VerbStop) != 0 {
		t.Fatal("stop sent before arrival")
	}

	clock.Advance(1 * time.Millisecond)
	if got := engine.CurrentPosition(dev); got != 0 {
		t.Errorf("CurrentPosition() = %v, want 0", got)
	}
	if engine.Direction(dev) != DirectionStopped {
		t.Errorf("Direction() = %v, want stopped", engine.Direction(dev))
	}
	if n := sink.count(VerbStop); n != 1 {
		t.Errorf("stop commands = %d, want 1", n)
	}

	clock.Advance(30 * time.Second)
	if n := sink.count(VerbStop); n != 1 {
		t.Errorf("stop commands after idle = %d, want 1", n)
	}
	if clock.Active() != 0 {
		t.Errorf("active timers = %d, want 0", clock.Active())
	}
}

func TestMotionEngineSetTargetTwice(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10 * time.Second)

	engine.SetTarget(dev, 0)
	clock.Advance(2 * time.Second)
	engine.SetTarget(dev, 0)

	if clock.Active() != 1 {
		t.Fatalf("active timers = %d, want exactly 1", clock.Active())
	}
	if got := engine.CurrentPosition(dev); !approx(got, 80) {
		t.Errorf("CurrentPosition() after 2s = %v, want 80", got)
	}

	clock.Advance(8 * time.Second)
	if n := sink.count(VerbStop); n != 1 {
		t.Errorf("stop commands = %d, want 1", n)
	}
	if got := engine.CurrentPosition(dev); got != 0 {
		t.Errorf("CurrentPosition() = %v, want 0", got)
	}
}

func TestMotionEngineRetargetMidway(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10 * time.Second)

	engine.SetTarget(dev, 0)
	clock.Advance(5 * time.Second)
	engine.SetTarget(dev, 80)

	if engine.Direction(dev) != DirectionIncreasing {
		t.Fatalf("Direction() = %v, want increasing", engine.Direction(dev))
	}

	// 50 -> 80 at 10s per full travel is 3s.
	clock.Advance(2999 * time.Millisecond)
	if sink.count(VerbStop) != 0 {
		t.Fatal("stop sent early")
	}
	clock.Advance(1 * time.Millisecond)

	if got := engine.CurrentPosition(dev); got != 80 {
		t.Errorf("CurrentPosition() = %v, want 80", got)
	}
	want := []Verb{VerbDown, VerbUp, VerbStop}
	got := sink.Commands()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMotionEngineClampsTarget(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10 * time.Second)

	engine.SetTarget(dev, 150)
	if got := engine.TargetPosition(dev); got != 100 {
		t.Errorf("TargetPosition() = %v, want 100", got)
	}
	if len(sink.Commands()) != 0 {
		t.Errorf("commands = %v, want none for a cover already open", sink.Commands())
	}
	if clock.Active() != 0 {
		t.Errorf("active timers = %d, want 0", clock.Active())
	}

	engine.SetTarget(dev, -20)
	if got := engine.TargetPosition(dev); got != 0 {
		t.Errorf("TargetPosition() = %v, want 0", got)
	}
}

func TestMotionEngineLazyDefaults(t *testing.T) {
	engine := NewMotionEngine(newManualClock(), &recordingSink{})
	dev := newTestCover(10 * time.Second)

	if got := engine.CurrentPosition(dev); got != 100 {
		t.Errorf("CurrentPosition() = %v, want 100", got)
	}
	if got := engine.TargetPosition(dev); got != 100 {
		t.Errorf("TargetPosition() = %v, want 100", got)
	}
	if got := engine.Direction(dev); got != DirectionStopped {
		t.Errorf("Direction() = %v, want stopped", got)
	}
}

func TestMotionEngineServerReports(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10 * time.Second)

	engine.OnServerDirectionReport(dev, 2)
	if engine.Direction(dev) != DirectionDecreasing || engine.TargetPosition(dev) != 0 {
		t.Fatalf("after down report: direction=%v target=%v", engine.Direction(dev), engine.TargetPosition(dev))
	}
	if clock.Active() != 1 {
		t.Errorf("active timers = %d, want 1 tracking timer", clock.Active())
	}

	clock.Advance(5 * time.Second)
	engine.OnServerDirectionReport(dev, 0)

	if got := engine.CurrentPosition(dev); !approx(got, 50) {
		t.Errorf("CurrentPosition() = %v, want 50", got)
	}
	if got := engine.TargetPosition(dev); !approx(got, 50) {
		t.Errorf("TargetPosition() = %v, want 50 after stop", got)
	}
	if clock.Active() != 0 {
		t.Errorf("active timers = %d, want 0 when stopped", clock.Active())
	}
	if len(sink.Commands()) != 0 {
		t.Errorf("commands = %v, server moves must not send commands", sink.Commands())
	}
	if len(sink.snapshots) != 2 {
		t.Errorf("published %d snapshots, want 2", len(sink.snapshots))
	}
}

func TestMotionEngineServerMoveReachesEndStop(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10 * time.Second)

	engine.OnServerDirectionReport(dev, 2)
	clock.Advance(10 * time.Second)

	if got := engine.CurrentPosition(dev); got != 0 {
		t.Errorf("CurrentPosition() = %v, want 0", got)
	}
	if engine.Direction(dev) != DirectionStopped {
		t.Errorf("Direction() = %v, want stopped", engine.Direction(dev))
	}
	if len(sink.Commands()) != 0 {
		t.Errorf("commands = %v, want none", sink.Commands())
	}

	// Moving up from the bottom.
	engine.OnServerDirectionReport(dev, 1)
	clock.Advance(3 * time.Second)
	if got := engine.CurrentPosition(dev); !approx(got, 30) {
		t.Errorf("CurrentPosition() = %v, want 30", got)
	}
}

func TestMotionEngineIgnoresEchoDuringLocalMove(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10 * time.Second)

	engine.SetTarget(dev, 50)
	engine.OnServerDirectionReport(dev, 2)
	engine.OnServerDirectionReport(dev, 0)

	if engine.Direction(dev) != DirectionDecreasing {
		t.Errorf("Direction() = %v, want decreasing", engine.Direction(dev))
	}
	if got := engine.TargetPosition(dev); got != 50 {
		t.Errorf("TargetPosition() = %v, want 50", got)
	}

	clock.Advance(5 * time.Second)
	if got := engine.CurrentPosition(dev); got != 50 {
		t.Errorf("CurrentPosition() = %v, want 50", got)
	}

	// After arrival the controller's stop report is applied.
	engine.OnServerDirectionReport(dev, 0)
	if got := engine.TargetPosition(dev); got != 50 {
		t.Errorf("TargetPosition() = %v, want 50", got)
	}
}

func TestMotionEngineUnknownCodeIgnored(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10 * time.Second)

	engine.OnServerDirectionReport(dev, 3)
	if engine.Direction(dev) != DirectionStopped || len(sink.snapshots) != 0 {
		t.Errorf("code 3 changed state: direction=%v snapshots=%d", engine.Direction(dev), len(sink.snapshots))
	}
}

func TestMotionEngineStopWhenTargetReachedDuringServerMove(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10 * time.Second)

	engine.OnServerDirectionReport(dev, 2)
	clock.Advance(5 * time.Second)
	engine.SetTarget(dev, 50)

	if got := sink.Commands(); len(got) != 1 || got[0] != VerbStop {
		t.Errorf("commands = %v, want [O]", got)
	}
	if engine.Direction(dev) != DirectionStopped {
		t.Errorf("Direction() = %v, want stopped", engine.Direction(dev))
	}
	if clock.Active() != 0 {
		t.Errorf("active timers = %d, want 0", clock.Active())
	}
}

func TestMotionEngineReconfigure(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(10 * time.Second)

	engine.SetTarget(dev, 0)
	clock.Advance(5 * time.Second)

	dev.descriptor.MovementDuration = 20 * time.Second
	engine.Reconfigure(dev, 20*time.Second)

	if clock.Active() != 1 {
		t.Fatalf("active timers = %d, want 1", clock.Active())
	}

	// Remaining 50% at 20s per full travel.
	clock.Advance(9999 * time.Millisecond)
	if sink.count(VerbStop) != 0 {
		t.Fatal("stop sent early")
	}
	clock.Advance(1 * time.Millisecond)
	if n := sink.count(VerbStop); n != 1 {
		t.Errorf("stop commands = %d, want 1", n)
	}
	if got := engine.CurrentPosition(dev); got != 0 {
		t.Errorf("CurrentPosition() = %v, want 0", got)
	}
}

func TestMotionEngineInvariants(t *testing.T) {
	clock := newManualClock()
	sink := &recordingSink{}
	engine := NewMotionEngine(clock, sink)
	dev := newTestCover(7 * time.Second)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			engine.SetTarget(dev, rng.Float64()*160-30)
		case 1:
			engine.OnServerDirectionReport(dev, rng.Intn(4))
		case 2:
			clock.Advance(time.Duration(rng.Intn(4000)) * time.Millisecond)
		}

		st := dev.cover
		if st.current < 0 || st.current > 100 || st.target < 0 || st.target > 100 {
			t.Fatalf("step %d: position out of range: current=%v target=%v", i, st.current, st.target)
		}
		moving := st.direction != DirectionStopped
		if moving != (st.timer != nil) {
			t.Fatalf("step %d: direction=%v but timer set=%v", i, st.direction, st.timer != nil)
		}
		if clock.Active() > 1 {
			t.Fatalf("step %d: %d active timers", i, clock.Active())
		}
	}
}
