package domintell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for controller communication.
const (
	// defaultHeartbeatInterval matches the controller's idle timeout budget.
	defaultHeartbeatInterval = 50 * time.Second

	// defaultMissedHeartbeats is how many unanswered heartbeats flag the session.
	defaultMissedHeartbeats = 3

	// defaultReconnectBackoff is the fixed delay before redialling.
	defaultReconnectBackoff = 1 * time.Second

	// defaultHandshakeTimeout bounds the TLS and WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultDialTimeout bounds a whole dial attempt.
	defaultDialTimeout = 15 * time.Second

	// defaultWriteTimeout bounds a single frame write.
	defaultWriteTimeout = 5 * time.Second

	// frameBufferSize is how many frames a reader may queue ahead of the loop.
	frameBufferSize = 64
)

// State is the login and liveness state of the controller session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateReady
)

// String returns the state name used in logs and health messages.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Logger interface for session and bridge logging.
// Compatible with slog.Logger and similar structured loggers.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector interface for testability.
// This allows mocking the controller session in bridge tests.
type Connector interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, line string) error
	SetOnEvent(callback func(ModuleEvent))
	State() State
	Stats() SessionStats
	Close() error
}

// SessionConfig holds the login and keepalive settings.
type SessionConfig struct {
	// Username selects salted login when the controller offers a nonce.
	// Empty means bare login.
	Username string

	// Password is hashed with the controller's salt. Never logged.
	Password string

	// HeartbeatInterval is the period of the keepalive token. Default: 50s.
	HeartbeatInterval time.Duration

	// HeartbeatToken is the keepalive line. Default: "HELLO".
	HeartbeatToken string

	// MissedHeartbeatThreshold is how many unanswered heartbeats flag the
	// session. Default: 3.
	MissedHeartbeatThreshold int

	// ReconnectOnMissedHeartbeats drops and redials a flagged session.
	// When false the session only logs a warning.
	ReconnectOnMissedHeartbeats bool

	// ReconnectBackoff is the fixed delay before redialling. Default: 1s.
	ReconnectBackoff time.Duration

	// DialTimeout bounds a single dial attempt. Default: 15s.
	DialTimeout time.Duration

	// Address is the controller endpoint, reported in diagnostics only.
	Address string
}

// SessionStats holds session statistics.
type SessionStats struct {
	State            string    `json:"state"`
	Connected        bool      `json:"connected"`
	Address          string    `json:"address,omitempty"`
	ConnectedSince   time.Time `json:"connected_since,omitzero"`
	LastActivity     time.Time `json:"last_activity,omitzero"`
	FramesRx         uint64    `json:"frames_rx"`
	LinesRx          uint64    `json:"lines_rx"`
	LinesTx          uint64    `json:"lines_tx"`
	EventsDecoded    uint64    `json:"events_decoded"`
	DecodeErrors     uint64    `json:"decode_errors"`
	Reconnects       uint64    `json:"reconnects"`
	MissedHeartbeats int64     `json:"missed_heartbeats"`
}

// Session maintains the authenticated connection to the controller.
//
// A single loop goroutine owns the connection, the login state machine, the
// heartbeat and the reconnect timer. Inbound lines are handled in arrival
// order and decoded events are handed to the event callback from that loop.
//
// Thread Safety: All methods are safe for concurrent use.
type Session struct {
	cfg    SessionConfig
	dialer Dialer

	state   atomic.Int32
	started atomic.Bool

	onEvent   func(ModuleEvent)
	onEventMu sync.RWMutex

	sendCh chan sendRequest
	cancel context.CancelFunc

	// Shutdown coordination (closeOnce prevents double-close panics)
	done *closeOnce
	wg   sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	framesRx         atomic.Uint64
	linesRx          atomic.Uint64
	linesTx          atomic.Uint64
	eventsDecoded    atomic.Uint64
	decodeErrors     atomic.Uint64
	reconnects       atomic.Uint64
	missedHeartbeats atomic.Int64
	connectedSince   atomic.Int64 // Unix nanoseconds, 0 when disconnected
	lastActivity     atomic.Int64 // Unix nanoseconds
}

type sendRequest struct {
	line  string
	reply chan error
}

type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

type frameMsg struct {
	gen   uint64
	frame string
}

type closedMsg struct {
	gen uint64
	err error
}

// NewSession creates a session that connects through dialer once started.
//
// Parameters:
//   - cfg: Login and keepalive settings (zero values take defaults)
//   - dialer: Transport used for every connection attempt
//
// Returns:
//   - *Session: Ready to start (call Start to begin connecting)
func NewSession(cfg SessionConfig, dialer Dialer) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatToken == "" {
		cfg.HeartbeatToken = CmdHello
	}
	if cfg.MissedHeartbeatThreshold <= 0 {
		cfg.MissedHeartbeatThreshold = defaultMissedHeartbeats
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	return &Session{
		cfg:    cfg,
		dialer: dialer,
		sendCh: make(chan sendRequest),
		done:   newCloseOnce(),
	}
}

// Start launches the session loop and the first connection attempt.
// It returns immediately; connection progress is visible through State.
func (s *Session) Start(ctx context.Context) error {
	select {
	case <-s.done.Done():
		return ErrSessionClosed
	default:
	}
	if s.dialer == nil {
		return fmt.Errorf("%w: no dialer configured", ErrConnectionFailed)
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("domintell: session already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Close stops the session and closes the connection.
// Safe to call multiple times.
func (s *Session) Close() error {
	s.done.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.setState(StateDisconnected)
	return nil
}

// Send writes one command line to the controller.
//
// Commands are only accepted while the session is Ready. Anything sent
// before login completes or while reconnecting is dropped with ErrNotReady.
func (s *Session) Send(ctx context.Context, line string) error {
	select {
	case <-s.done.Done():
		return ErrSessionClosed
	default:
	}
	if s.State() != StateReady {
		return ErrNotReady
	}

	req := sendRequest{line: line, reply: make(chan error, 1)}
	select {
	case s.sendCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done.Done():
		return ErrSessionClosed
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done.Done():
		return ErrSessionClosed
	}
}

// SetOnEvent sets the callback for decoded module events.
// The callback runs on the session loop and must not block.
func (s *Session) SetOnEvent(callback func(ModuleEvent)) {
	s.onEventMu.Lock()
	s.onEvent = callback
	s.onEventMu.Unlock()
}

// SetLogger sets the logger for this session.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// HealthCheck reports whether the session is logged in.
func (s *Session) HealthCheck(_ context.Context) error {
	if st := s.State(); st != StateReady {
		return fmt.Errorf("%w: %s", ErrNotReady, st)
	}
	return nil
}

// Stats returns current session statistics.
func (s *Session) Stats() SessionStats {
	st := s.State()
	stats := SessionStats{
		State:            st.String(),
		Connected:        st >= StateAwaitingChallenge,
		Address:          s.cfg.Address,
		FramesRx:         s.framesRx.Load(),
		LinesRx:          s.linesRx.Load(),
		LinesTx:          s.linesTx.Load(),
		EventsDecoded:    s.eventsDecoded.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
		Reconnects:       s.reconnects.Load(),
		MissedHeartbeats: s.missedHeartbeats.Load(),
	}
	if ns := s.connectedSince.Load(); ns > 0 {
		stats.ConnectedSince = time.Unix(0, ns)
	}
	if ns := s.lastActivity.Load(); ns > 0 {
		stats.LastActivity = time.Unix(0, ns)
	}
	return stats
}

// sessionLoop holds the state owned by the loop goroutine.
type sessionLoop struct {
	s   *Session
	ctx context.Context

	conn      Conn
	gen       uint64
	missed    int
	heartbeat *time.Ticker

	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time

	dialResults chan dialResult
	frames      chan frameMsg
	closes      chan closedMsg
}

// run is the session loop. It exits when ctx is cancelled or Close is called.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	l := &sessionLoop{
		s:           s,
		ctx:         ctx,
		dialResults: make(chan dialResult),
		frames:      make(chan frameMsg, frameBufferSize),
		closes:      make(chan closedMsg, 1),
	}

	l.heartbeat = time.NewTicker(s.cfg.HeartbeatInterval)
	defer l.heartbeat.Stop()
	defer l.shutdown()

	l.connect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done.Done():
			return

		case res := <-l.dialResults:
			l.handleDialResult(res)

		case msg := <-l.frames:
			if msg.gen == l.gen && l.conn != nil {
				l.handleFrame(msg.frame)
			}

		case msg := <-l.closes:
			if msg.gen == l.gen && l.conn != nil {
				s.logWarn("controller connection closed", "error", msg.err)
				l.drop()
			}

		case req := <-s.sendCh:
			req.reply <- l.handleSend(req.line)

		case <-l.heartbeat.C:
			l.onHeartbeatTick()

		case <-l.reconnectC:
			l.reconnectTimer = nil
			l.reconnectC = nil
			s.reconnects.Add(1)
			l.connect()
		}
	}
}

// connect starts a dial attempt in the background.
func (l *sessionLoop) connect() {
	l.gen++
	gen := l.gen
	l.s.setState(StateConnecting)
	l.s.logInfo("connecting to controller", "address", l.s.cfg.Address)

	l.s.wg.Add(1)
	go func() {
		defer l.s.wg.Done()

		dctx, cancel := context.WithTimeout(l.ctx, l.s.cfg.DialTimeout)
		defer cancel()

		conn, err := l.s.dialer.Dial(dctx)
		select {
		case l.dialResults <- dialResult{gen: gen, conn: conn, err: err}:
		case <-l.s.done.Done():
			if conn != nil {
				conn.Close() //nolint:errcheck // session closing
			}
		}
	}()
}

func (l *sessionLoop) handleDialResult(res dialResult) {
	if res.gen != l.gen {
		if res.conn != nil {
			res.conn.Close() //nolint:errcheck // superseded attempt
		}
		return
	}
	if res.err != nil {
		l.s.logWarn("controller dial failed", "error", res.err)
		l.s.setState(StateDisconnected)
		l.scheduleReconnect()
		return
	}

	l.conn = res.conn
	l.missed = 0
	l.s.missedHeartbeats.Store(0)
	l.s.connectedSince.Store(time.Now().UnixNano())
	l.s.setState(StateAwaitingChallenge)
	l.s.logInfo("connected to controller", "address", l.s.cfg.Address)

	l.s.wg.Add(1)
	go l.s.readLoop(res.gen, res.conn, l.frames, l.closes)
}

// drop closes the current connection and schedules exactly one reconnect.
// Bumping the generation makes the reader's eventual close report stale.
func (l *sessionLoop) drop() {
	if l.conn != nil {
		l.conn.Close() //nolint:errcheck // connection is being discarded
		l.conn = nil
	}
	l.gen++
	l.s.connectedSince.Store(0)
	l.s.setState(StateDisconnected)
	l.scheduleReconnect()
}

func (l *sessionLoop) scheduleReconnect() {
	if l.reconnectTimer != nil {
		return
	}
	l.reconnectTimer = time.NewTimer(l.s.cfg.ReconnectBackoff)
	l.reconnectC = l.reconnectTimer.C
	l.s.logDebug("reconnect scheduled", "backoff", l.s.cfg.ReconnectBackoff)
}

func (l *sessionLoop) shutdown() {
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
	}
	if l.conn != nil {
		l.conn.Close() //nolint:errcheck // session closing
		l.conn = nil
	}
	l.s.connectedSince.Store(0)
	l.s.setState(StateDisconnected)
}

func (l *sessionLoop) handleFrame(frame string) {
	l.s.framesRx.Add(1)
	l.s.lastActivity.Store(time.Now().UnixNano())

	for _, line := range SplitLines(frame) {
		if l.conn == nil {
			// An auth fault earlier in this frame dropped the connection.
			return
		}
		l.handleLine(line)
	}
}

func (l *sessionLoop) handleLine(line string) {
	s := l.s
	s.linesRx.Add(1)

	switch classifyBanner(line) {
	case bannerKindLegacyLogin:
		s.logDebug("controller requested bare login")
		l.login(LoginCommand("", ""), true)

	case bannerKindNonceLogin:
		if s.cfg.Username != "" {
			s.logDebug("controller offered salted login", "username", s.cfg.Username)
			l.login(RequestSaltCommand(s.cfg.Username), false)
		} else {
			s.logDebug("controller offered salted login, no username configured")
			l.login(LoginCommand("", ""), true)
		}

	case bannerKindSaltReply:
		challenge, err := ParseSaltChallenge(line)
		if err != nil {
			s.logError("login challenge rejected", err)
			l.drop()
			return
		}
		l.login(LoginCommand(s.cfg.Username, LoginDigest(s.cfg.Password, challenge.Nonce, challenge.Salt)), true)

	case bannerKindLiveness:
		l.missed = 0
		s.missedHeartbeats.Store(0)
		if s.State() != StateReady {
			s.setState(StateReady)
			s.logInfo("controller session ready")
		}

	case bannerKindAppInfo:
		s.logInfo("controller app info", "line", line)

	default:
		events, err := DecodeLine(line)
		if err != nil {
			s.decodeErrors.Add(1)
			s.logDebug("dropping status line", "error", err)
			return
		}
		if len(events) > 0 && s.State() == StateAuthenticating {
			// Module reports only flow after the controller accepted the login.
			s.setState(StateReady)
			s.logInfo("controller session ready")
		}
		for _, ev := range events {
			s.eventsDecoded.Add(1)
			s.dispatch(ev)
		}
	}
}

// login writes a login step. After the final LOGINPSW line a heartbeat goes
// out at once: the controller answers it with INFO:World:INFO, which is what
// promotes the session to Ready.
func (l *sessionLoop) login(line string, final bool) {
	if err := l.write(line); err != nil {
		return
	}
	l.s.setState(StateAuthenticating)
	if final {
		l.heartbeat.Reset(l.s.cfg.HeartbeatInterval)
		l.sendHeartbeat()
	}
}

func (l *sessionLoop) handleSend(line string) error {
	if l.s.State() != StateReady || l.conn == nil {
		return ErrNotReady
	}
	return l.write(line)
}

// onHeartbeatTick runs only once a login line has been written, so the
// controller's login flow never sees keepalive traffic.
func (l *sessionLoop) onHeartbeatTick() {
	if l.conn == nil {
		return
	}
	if st := l.s.State(); st != StateAuthenticating && st != StateReady {
		return
	}

	if l.missed >= l.s.cfg.MissedHeartbeatThreshold {
		l.s.logWarn("controller not answering heartbeats", "missed", l.missed)
		if l.s.cfg.ReconnectOnMissedHeartbeats {
			l.drop()
			return
		}
	}
	l.sendHeartbeat()
}

func (l *sessionLoop) sendHeartbeat() {
	if err := l.write(l.s.cfg.HeartbeatToken); err != nil {
		return
	}
	l.missed++
	l.s.missedHeartbeats.Store(int64(l.missed))
}

// write sends a line on the current connection. A write failure is a
// transport fault and drops the connection.
func (l *sessionLoop) write(line string) error {
	if l.conn == nil {
		return ErrNotReady
	}
	if err := l.conn.WriteLine(line); err != nil {
		l.s.logError("controller write failed", err)
		l.drop()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	l.s.linesTx.Add(1)
	return nil
}

// readLoop forwards frames from one connection until it fails.
func (s *Session) readLoop(gen uint64, conn Conn, frames chan<- frameMsg, closes chan<- closedMsg) {
	defer s.wg.Done()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			select {
			case closes <- closedMsg{gen: gen, err: err}:
			case <-s.done.Done():
			}
			return
		}

		select {
		case frames <- frameMsg{gen: gen, frame: frame}:
		case <-s.done.Done():
			return
		}
	}
}

// dispatch hands an event to the callback, recovering from panics so a bad
// handler cannot kill the session loop.
func (s *Session) dispatch(ev ModuleEvent) {
	s.onEventMu.RLock()
	callback := s.onEvent
	s.onEventMu.RUnlock()

	if callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logError("event callback panic", fmt.Errorf("panic: %v", r))
		}
	}()
	callback(ev)
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logDebug("session state changed", "from", prev.String(), "to", st.String())
	}
}

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (s *Session) logInfo(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Session) logWarn(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (s *Session) logError(msg string, err error) {
	if logger := s.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

var _ Connector = (*Session)(nil)
