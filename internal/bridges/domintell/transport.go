package domintell

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live connection to the controller carrying text frames.
type Conn interface {
	// ReadFrame blocks until the next text frame arrives.
	ReadFrame() (string, error)

	// WriteLine writes one command line as a text frame.
	WriteLine(line string) error

	// Close closes the connection. ReadFrame returns an error afterwards.
	Close() error
}

// Dialer opens connections to the controller.
// This allows tests to replace the WebSocket transport.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialerConfig holds the controller endpoint settings.
type WebSocketDialerConfig struct {
	// Host is the controller's IP address or hostname.
	Host string

	// Port is the controller's secure WebSocket port. Default: 17481.
	Port int

	// HandshakeTimeout bounds the TLS and WebSocket handshake.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write. Default: 5 seconds.
	WriteTimeout time.Duration

	// InsecureSkipVerify disables certificate verification. Controllers
	// ship with self-signed certificates.
	InsecureSkipVerify bool
}

// DefaultPort is the controller's secure WebSocket port.
const DefaultPort = 17481

// WebSocketDialer dials the controller over wss://.
type WebSocketDialer struct {
	url          string
	writeTimeout time.Duration
	dialer       websocket.Dialer
}

// NewWebSocketDialer creates a dialer for the configured controller.
func NewWebSocketDialer(cfg WebSocketDialerConfig) *WebSocketDialer {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	handshake := cfg.HandshakeTimeout
	if handshake == 0 {
		handshake = defaultHandshakeTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}

	return &WebSocketDialer{
		url:          "wss://" + net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		writeTimeout: writeTimeout,
		dialer: websocket.Dialer{
			HandshakeTimeout: handshake,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // controllers use self-signed certificates
			},
		},
	}
}

// URL returns the endpoint this dialer connects to.
func (d *WebSocketDialer) URL() string {
	return d.url
}

// Dial opens a WebSocket connection to the controller.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake response body is not used
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return &wsConn{ws: ws, writeTimeout: d.writeTimeout}, nil
}

// wsConn adapts a gorilla connection to Conn.
// gorilla allows one concurrent writer, so writes are serialised here.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) ReadFrame() (string, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *wsConn) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

var _ Dialer = (*WebSocketDialer)(nil)
