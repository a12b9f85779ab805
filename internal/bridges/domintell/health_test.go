package domintell

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// mockPublisher implements HealthPublisher for testing.
type mockPublisher struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockPublisher(connected bool) *mockPublisher {
	return &mockPublisher{connected: connected}
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{
		topic:    topic,
		payload:  payload,
		qos:      qos,
		retained: retained,
	})
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) getMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]publishedMessage, len(m.messages))
	copy(result, m.messages)
	return result
}

func decodeHealth(t *testing.T, msg publishedMessage) HealthMessage {
	t.Helper()
	var health HealthMessage
	if err := json.Unmarshal(msg.payload, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	return health
}

func TestHealthReporterPublishNow(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		state      State
		wantStatus HealthStatus
	}{
		{name: "ready", connected: true, state: StateReady, wantStatus: HealthHealthy},
		{name: "logging in", connected: true, state: StateAuthenticating, wantStatus: HealthDegraded},
		{name: "controller down", connected: true, state: StateConnecting, wantStatus: HealthUnhealthy},
		{name: "mqtt down", connected: false, state: StateReady, wantStatus: HealthDegraded},
		{name: "both down", connected: false, state: StateDisconnected, wantStatus: HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newMockPublisher(tt.connected)
			session := newMockSession()
			session.setState(tt.state)

			h := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "domintell-bridge-01",
				Version:   "1.0.0",
				Publisher: pub,
				Session:   session,
			})
			h.SetAccessoryCount(8)

			if err := h.PublishNow(); err != nil {
				t.Fatalf("PublishNow() error = %v", err)
			}

			msgs := pub.getMessages()
			if len(msgs) != 1 {
				t.Fatalf("published %d messages, want 1", len(msgs))
			}
			if msgs[0].topic != "domintell/health" || msgs[0].qos != 1 || !msgs[0].retained {
				t.Errorf("message = %s qos=%d retained=%v", msgs[0].topic, msgs[0].qos, msgs[0].retained)
			}

			health := decodeHealth(t, msgs[0])
			if health.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", health.Status, tt.wantStatus)
			}
			if health.Bridge != "domintell-bridge-01" || health.AccessoriesManaged != 8 {
				t.Errorf("health = %+v", health)
			}
			if health.Connection == nil || health.Connection.Status != tt.state.String() {
				t.Errorf("Connection = %+v", health.Connection)
			}
		})
	}
}

func TestHealthReporterLifecycle(t *testing.T) {
	pub := newMockPublisher(true)
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "b",
		Interval:  10 * time.Millisecond,
		Publisher: pub,
		Session:   newMockSession(),
	})

	if err := h.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting() error = %v", err)
	}

	h.Start(context.Background())
	waitFor(t, "periodic health", func() bool { return len(pub.getMessages()) >= 3 })
	h.Stop()
	h.Stop()

	msgs := pub.getMessages()
	if got := decodeHealth(t, msgs[0]).Status; got != HealthStarting {
		t.Errorf("first status = %q, want starting", got)
	}
	last := decodeHealth(t, msgs[len(msgs)-1])
	if last.Status != HealthStopping {
		t.Errorf("last status = %q, want stopping", last.Status)
	}

	n := len(msgs)
	time.Sleep(30 * time.Millisecond)
	if len(pub.getMessages()) != n {
		t.Error("reporter kept publishing after Stop")
	}
}

func TestHealthReporterNoPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{Session: newMockSession()})
	if err := h.PublishNow(); err != nil {
		t.Errorf("PublishNow() without publisher error = %v", err)
	}
}

func TestNewHealthMessage(t *testing.T) {
	since := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	stats := SessionStats{
		State:            "ready",
		Address:          "wss://192.168.1.50:17481",
		ConnectedSince:   since,
		LinesRx:          120,
		LinesTx:          14,
		Reconnects:       2,
		MissedHeartbeats: 1,
	}

	msg := NewHealthMessage("b", "1.0.0", HealthHealthy, stats, 3, time.Now().Add(-time.Minute))

	if msg.UptimeSeconds < 59 {
		t.Errorf("UptimeSeconds = %d", msg.UptimeSeconds)
	}
	if msg.Connection.ConnectedSince == nil || !msg.Connection.ConnectedSince.Equal(since) {
		t.Errorf("ConnectedSince = %v", msg.Connection.ConnectedSince)
	}
	if msg.Statistics.LinesReceived != 120 || msg.Statistics.Reconnects != 2 {
		t.Errorf("Statistics = %+v", msg.Statistics)
	}

	empty := NewHealthMessage("b", "", HealthStarting, SessionStats{}, 0, time.Now())
	if empty.Connection.Status != "disconnected" || empty.Connection.ConnectedSince != nil {
		t.Errorf("Connection = %+v", empty.Connection)
	}
}

func TestClassifyHealth(t *testing.T) {
	if status, reason := ClassifyHealth(true, false, StateReady); status != HealthUnhealthy || reason == "" {
		t.Errorf("no session = %q %q", status, reason)
	}
	if status, reason := ClassifyHealth(true, true, StateReady); status != HealthHealthy || reason != "" {
		t.Errorf("ready = %q %q", status, reason)
	}
}

func TestHealthReporterStopWithoutStart(t *testing.T) {
	pub := newMockPublisher(true)
	h := NewHealthReporter(HealthReporterConfig{Publisher: pub, Session: newMockSession()})
	h.Stop()

	msgs := pub.getMessages()
	if len(msgs) != 1 || decodeHealth(t, msgs[0]).Status != HealthStopping {
		t.Errorf("messages = %d, want a single stopping document", len(msgs))
	}
}
