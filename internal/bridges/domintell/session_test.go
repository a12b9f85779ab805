package domintell

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

// fakeConn is an in-memory controller connection.
type fakeConn struct {
	frames    chan string
	written   chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan string, 64),
		written: make(chan string, 1024),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (string, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return "", io.EOF
	}
}

func (c *fakeConn) WriteLine(line string) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.written <- line:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Serve sends a frame from the controller side.
func (c *fakeConn) Serve(frame string) {
	c.frames <- frame
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fakeConns and records every attempt.
type fakeDialer struct {
	dials    atomic.Int32
	failures atomic.Int32 // number of upcoming attempts that fail
	dialed   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context) (Conn, error) {
	d.dials.Add(1)
	if d.failures.Load() > 0 {
		d.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// expectWrite waits for the next written line. Heartbeats are skipped unless
// they are what the test expects.
func expectWrite(t *testing.T, c *fakeConn, want string) {
	t.Helper()
	timeout := time.After(testTimeout)
	for {
		select {
		case got := <-c.written:
			if got == CmdHello && want != CmdHello {
				continue
			}
			if got != want {
				t.Fatalf("wrote %q, want %q", got, want)
			}
			return
		case <-timeout:
			t.Fatalf("timed out waiting for write %q", want)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startSession(t *testing.T, cfg SessionConfig) (*Session, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	s := NewSession(cfg, dialer)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dialer
}

// loginLegacy completes a bare login on conn, answering the heartbeat that
// follows the login line.
func loginLegacy(t *testing.T, s *Session, conn *fakeConn) {
	t.Helper()
	conn.Serve("INFO:Waiting for LOGINPSW:INFO")
	expectWrite(t, conn, "LOGINPSW@:")
	expectWrite(t, conn, CmdHello)
	conn.Serve("INFO:World:INFO")
	waitFor(t, "ready", func() bool { return s.State() == StateReady })
}

func TestSessionLegacyLogin(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{})
	conn := dialer.next(t)

	waitFor(t, "awaiting challenge", func() bool { return s.State() == StateAwaitingChallenge })

	conn.Serve("INFO:Waiting for LOGINPSW:INFO")
	expectWrite(t, conn, "LOGINPSW@:")
	expectWrite(t, conn, CmdHello)
	waitFor(t, "authenticating", func() bool { return s.State() == StateAuthenticating })

	conn.Serve("INFO:World:INFO")
	waitFor(t, "ready", func() bool { return s.State() == StateReady })

	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestSessionSaltedLogin(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{Username: "u", Password: "secret"})
	conn := dialer.next(t)

	conn.Serve("INFO:Waiting for LOGINPSW:NONCE=abc:INFO")
	expectWrite(t, conn, "REQUESTSALT@u")

	conn.Serve("INFO:REQUESTSALT:USERNAME=u:NONCE=n123:SALT=s456:INFO")
	expectWrite(t, conn, "LOGINPSW@u:"+LoginDigest("secret", "n123", "s456"))
	expectWrite(t, conn, CmdHello)

	conn.Serve("INFO:World:INFO")
	waitFor(t, "ready", func() bool { return s.State() == StateReady })
}

func TestSessionNonceWithoutUsername(t *testing.T) {
	_, dialer := startSession(t, SessionConfig{})
	conn := dialer.next(t)

	conn.Serve("INFO:Waiting for LOGINPSW:NONCE=abc:INFO")
	expectWrite(t, conn, "LOGINPSW@:")
}

func TestSessionModuleLinePromotesToReady(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{})
	conn := dialer.next(t)

	conn.Serve("INFO:Waiting for LOGINPSW:INFO")
	expectWrite(t, conn, "LOGINPSW@:")
	conn.Serve("BIR00001D 00")

	waitFor(t, "ready", func() bool { return s.State() == StateReady })
}

func TestSessionSendRequiresReady(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{})
	conn := dialer.next(t)

	if err := s.Send(context.Background(), "BIR00001D-1%I"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send() before login error = %v, want ErrNotReady", err)
	}

	loginLegacy(t, s, conn)

	if err := s.Send(context.Background(), "BIR00001D-1%I"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	expectWrite(t, conn, "BIR00001D-1%I")

	// login, heartbeat, command
	if got := s.Stats().LinesTx; got != 3 {
		t.Errorf("LinesTx = %d, want 3", got)
	}
}

func TestSessionDeliversEvents(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{})

	var (
		mu     sync.Mutex
		events []ModuleEvent
	)
	s.SetOnEvent(func(ev ModuleEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	conn := dialer.next(t)
	loginLegacy(t, s, conn)

	conn.Serve("BIR00001D 01\r\nDET000045 01\nXYZ garbage")

	waitFor(t, "events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 8
	})

	mu.Lock()
	defer mu.Unlock()
	if events[0] != (ModuleEvent{Module: "BIR00001D", Channel: 0, Value: 1}) {
		t.Errorf("first event = %+v", events[0])
	}
	if events[7] != (ModuleEvent{Module: "DET000045", Channel: 0, Value: 1}) {
		t.Errorf("last event = %+v", events[7])
	}

	waitFor(t, "decode error counted", func() bool { return s.Stats().DecodeErrors == 1 })
	if s.State() != StateReady {
		t.Errorf("State() = %v after bad line, want ready", s.State())
	}
}

func TestSessionEventCallbackPanicRecovered(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{})
	s.SetOnEvent(func(ModuleEvent) { panic("boom") })

	conn := dialer.next(t)
	loginLegacy(t, s, conn)
	conn.Serve("DET000045 01")
	conn.Serve("INFO:World:INFO")

	waitFor(t, "line processed", func() bool { return s.Stats().EventsDecoded == 1 })
	if s.State() != StateReady {
		t.Errorf("State() = %v, want ready", s.State())
	}
}

func TestSessionReconnectsOnceAfterClose(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{ReconnectBackoff: 50 * time.Millisecond})
	conn := dialer.next(t)
	loginLegacy(t, s, conn)

	conn.Close()
	conn.Close()

	waitFor(t, "disconnected", func() bool { return s.State() != StateReady })
	if err := s.Send(context.Background(), "BIR00001D-1%I"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send() while reconnecting error = %v, want ErrNotReady", err)
	}

	conn2 := dialer.next(t)
	time.Sleep(200 * time.Millisecond)

	if n := dialer.dials.Load(); n != 2 {
		t.Errorf("dial attempts = %d, want 2", n)
	}
	if got := s.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}

	loginLegacy(t, s, conn2)
}

func TestSessionRetriesFailedDial(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failures.Store(2)

	s := NewSession(SessionConfig{ReconnectBackoff: 10 * time.Millisecond}, dialer)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Close()

	conn := dialer.next(t)
	if n := dialer.dials.Load(); n != 3 {
		t.Errorf("dial attempts = %d, want 3", n)
	}
	loginLegacy(t, s, conn)
}

func TestSessionMalformedSaltReconnects(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{
		Username:         "u",
		Password:         "secret",
		ReconnectBackoff: 10 * time.Millisecond,
	})
	conn := dialer.next(t)

	conn.Serve("INFO:Waiting for LOGINPSW:NONCE=abc:INFO")
	expectWrite(t, conn, "REQUESTSALT@u")
	conn.Serve("INFO:REQUESTSALT:USERNAME=u")

	waitFor(t, "connection dropped", conn.isClosed)
	conn2 := dialer.next(t)
	if conn2 == conn {
		t.Fatal("expected a new connection")
	}
	if s.State() == StateReady {
		t.Error("session ready after failed login")
	}
}

func TestSessionHeartbeatForcesReconnect(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{
		HeartbeatInterval:           20 * time.Millisecond,
		MissedHeartbeatThreshold:    2,
		ReconnectOnMissedHeartbeats: true,
		ReconnectBackoff:            10 * time.Millisecond,
	})
	conn := dialer.next(t)
	loginLegacy(t, s, conn)

	expectWrite(t, conn, CmdHello)
	expectWrite(t, conn, CmdHello)

	waitFor(t, "connection dropped", conn.isClosed)
	dialer.next(t)
}

func TestSessionHeartbeatDiagnosticOnly(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{
		HeartbeatInterval:           10 * time.Millisecond,
		MissedHeartbeatThreshold:    1,
		ReconnectOnMissedHeartbeats: false,
	})
	conn := dialer.next(t)
	loginLegacy(t, s, conn)

	waitFor(t, "missed heartbeats", func() bool { return s.Stats().MissedHeartbeats >= 3 })

	if conn.isClosed() {
		t.Error("connection closed in diagnostic-only mode")
	}
	if n := dialer.dials.Load(); n != 1 {
		t.Errorf("dial attempts = %d, want 1", n)
	}
}

func TestSessionLivenessResetsMissedHeartbeats(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{
		HeartbeatInterval:           20 * time.Millisecond,
		MissedHeartbeatThreshold:    2,
		ReconnectOnMissedHeartbeats: true,
	})
	conn := dialer.next(t)
	loginLegacy(t, s, conn)

	for i := 0; i < 5; i++ {
		expectWrite(t, conn, CmdHello)
		conn.Serve("INFO:World:INFO")
	}

	if conn.isClosed() {
		t.Error("answered heartbeats must keep the connection")
	}
	if n := dialer.dials.Load(); n != 1 {
		t.Errorf("dial attempts = %d, want 1", n)
	}
}

// answerHellos plays a controller that only speaks when spoken to: every
// heartbeat gets INFO:World:INFO, anything else is recorded.
func answerHellos(conn *fakeConn) <-chan string {
	other := make(chan string, 16)
	go func() {
		for {
			select {
			case line := <-conn.written:
				if line == CmdHello {
					conn.Serve("INFO:World:INFO")
					continue
				}
				select {
				case other <- line:
				default:
				}
			case <-conn.closed:
				return
			}
		}
	}()
	return other
}

func TestSessionReadyRightAfterLogin(t *testing.T) {
	// Default heartbeat interval: readiness must not wait for the ticker.
	s, dialer := startSession(t, SessionConfig{})
	conn := dialer.next(t)
	other := answerHellos(conn)

	conn.Serve("INFO:Waiting for LOGINPSW:INFO")
	select {
	case got := <-other:
		if got != "LOGINPSW@:" {
			t.Fatalf("wrote %q, want login", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for login")
	}

	waitFor(t, "ready", func() bool { return s.State() == StateReady })
	if err := s.Send(context.Background(), "BIR00001D-1%I"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case got := <-other:
		if got != "BIR00001D-1%I" {
			t.Errorf("wrote %q, want command", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for command")
	}
}

func TestSessionOpenedBannerMeansReady(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{})
	conn := dialer.next(t)

	conn.Serve("INFO:Waiting for LOGINPSW:INFO")
	expectWrite(t, conn, "LOGINPSW@:")
	conn.Serve("INFO:Session opened:INFO")

	waitFor(t, "ready", func() bool { return s.State() == StateReady })
	if err := s.Send(context.Background(), "BIR00001D-1%I"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	expectWrite(t, conn, "BIR00001D-1%I")
}

func TestSessionNoHeartbeatBeforeLogin(t *testing.T) {
	s, dialer := startSession(t, SessionConfig{HeartbeatInterval: 10 * time.Millisecond})
	conn := dialer.next(t)

	waitFor(t, "awaiting challenge", func() bool { return s.State() == StateAwaitingChallenge })
	time.Sleep(100 * time.Millisecond)

	select {
	case got := <-conn.written:
		t.Fatalf("wrote %q before any login banner", got)
	default:
	}
	if got := s.Stats().LinesTx; got != 0 {
		t.Errorf("LinesTx = %d, want 0", got)
	}
}

func TestSessionClose(t *testing.T) {
	dialer := newFakeDialer()
	s := NewSession(SessionConfig{}, dialer)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	conn := dialer.next(t)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !conn.isClosed() {
		t.Error("connection not closed")
	}
	if err := s.Send(context.Background(), CmdAppInfo); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send() after Close error = %v, want ErrSessionClosed", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Start() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateAwaitingChallenge, "awaiting_challenge"},
		{StateAuthenticating, "authenticating"},
		{StateReady, "ready"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
