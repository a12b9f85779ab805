package domintell

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is where health documents go. *mqtt.Client satisfies it.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval between documents; 30s when zero.
	Interval time.Duration

	// Publisher may be nil, in which case nothing is published.
	Publisher HealthPublisher

	// Session supplies the state and counters in each document.
	Session Connector
}

// HealthReporter keeps the retained domintell/health document current:
// "starting" at boot, the classified status every interval, and "stopping"
// on shutdown.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	mu          sync.Mutex
	accessories int
	logger      Logger
	cancel      context.CancelFunc
	loopDone    chan struct{}

	stopOnce sync.Once
}

// NewHealthReporter returns a reporter; call Start to begin the periodic loop.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{cfg: cfg, started: time.Now()}
}

// SetAccessoryCount sets the accessories_managed figure.
func (h *HealthReporter) SetAccessoryCount(n int) {
	h.mu.Lock()
	h.accessories = n
	h.mu.Unlock()
}

// SetLogger sets where publish failures from the loop are reported.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

// Start publishes immediately and then every interval until ctx ends or
// Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	h.mu.Lock()
	h.cancel, h.loopDone = cancel, done
	h.mu.Unlock()

	go func() {
		defer close(done)
		h.loop(ctx)
	}()
}

// Stop ends the loop and publishes "stopping". Later calls do nothing.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		cancel, done := h.cancel, h.loopDone
		h.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		h.publish(HealthStopping, "") //nolint:errcheck // shutting down
	})
}

// PublishStarting publishes the boot document.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow classifies the bridge and publishes the result.
func (h *HealthReporter) PublishNow() error {
	mqttUp := h.cfg.Publisher != nil && h.cfg.Publisher.IsConnected()
	var state State
	if h.cfg.Session != nil {
		state = h.cfg.Session.State()
	}
	status, reason := ClassifyHealth(mqttUp, h.cfg.Session != nil, state)
	return h.publish(status, reason)
}

func (h *HealthReporter) loop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.mu.Lock()
			logger := h.logger
			h.mu.Unlock()
			if logger != nil {
				logger.Error("failed to publish health", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ClassifyHealth maps broker and session state to a health status and a
// reason for anything short of healthy. A session that is not logged in
// outranks a broker outage. Both the MQTT health document and the admin
// API use it.
func ClassifyHealth(mqttUp, haveSession bool, state State) (HealthStatus, string) {
	switch {
	case !haveSession:
		return HealthUnhealthy, "no controller session"
	case state == StateDisconnected || state == StateConnecting:
		return HealthUnhealthy, "controller " + state.String()
	case state != StateReady:
		return HealthDegraded, "controller login in progress"
	case !mqttUp:
		return HealthDegraded, "MQTT disconnected"
	default:
		return HealthHealthy, ""
	}
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	var stats SessionStats
	if h.cfg.Session != nil {
		stats = h.cfg.Session.Stats()
	}
	h.mu.Lock()
	n := h.accessories
	h.mu.Unlock()

	msg := NewHealthMessage(h.cfg.BridgeID, h.cfg.Version, status, stats, n, h.started)
	msg.Reason = reason
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(HealthTopic(), payload, 1, true)
}
