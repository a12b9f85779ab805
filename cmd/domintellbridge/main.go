// Domintell Bridge
//
// Connects a Domintell home-automation controller (DETH02 / DGQG) to an
// accessory host over MQTT. The bridge keeps an authenticated WebSocket
// session to the controller, translates module status lines into accessory
// characteristic updates and turns set requests into controller commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/domintell-bridge/migrations"

	"github.com/nerrad567/domintell-bridge/internal/accessory"
	"github.com/nerrad567/domintell-bridge/internal/api"
	"github.com/nerrad567/domintell-bridge/internal/audit"
	"github.com/nerrad567/domintell-bridge/internal/bridges/domintell"
	"github.com/nerrad567/domintell-bridge/internal/infrastructure/config"
	"github.com/nerrad567/domintell-bridge/internal/infrastructure/database"
	"github.com/nerrad567/domintell-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/domintell-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/domintell-bridge/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// statsInterval is how often session counters are written to InfluxDB.
const statsInterval = time.Minute

// auditPruneInterval is how often expired audit entries are removed.
const auditPruneInterval = time.Hour

// sessionWatchInterval is how often the session state is sampled for the
// WebSocket change stream.
const sessionWatchInterval = 500 * time.Millisecond

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Domintell bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"controller", cfg.Domintell.String(),
		"accessories", len(cfg.Accessories),
	)

	descriptors, err := buildDescriptors(cfg.Accessories)
	if err != nil {
		return fmt.Errorf("building device list: %w", err)
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	if status, statusErr := db.Status(ctx); statusErr == nil {
		log.Info("database ready", "path", db.Path(), "schema_versions", len(status.Applied))
	}

	registry := accessory.NewRegistry(accessory.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.With("component", "accessories"))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading accessory cache: %w", refreshErr)
	}
	log.Info("accessory cache loaded", "accessories", registry.Count())

	auditRecorder := audit.NewRecorder(audit.NewSQLiteRepository(db.DB))
	auditRecorder.SetLogger(log.With("component", "audit"))
	registry.SetAuditor(auditRecorder)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	//nolint:gosec // QoS validated to 0-2 by config
	registry.SetTransport(mqttClient, byte(cfg.MQTT.QoS))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected, republishing accessory state")
		registry.PublishAll()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		// Only a non-nil client is handed over, a typed nil would pass the
		// registry's nil check.
		registry.SetTelemetry(influxClient)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	session := domintell.NewSession(domintell.SessionConfig{
		Username:                    cfg.Domintell.Username,
		Password:                    cfg.Domintell.Password,
		HeartbeatInterval:           cfg.Domintell.HeartbeatInterval,
		HeartbeatToken:              cfg.Domintell.HeartbeatToken,
		MissedHeartbeatThreshold:    cfg.Domintell.MissedHeartbeatThreshold,
		ReconnectOnMissedHeartbeats: cfg.Domintell.ReconnectOnMissedHeartbeats,
		ReconnectBackoff:            cfg.Domintell.ReconnectBackoff,
		Address:                     cfg.ControllerAddress(),
	}, domintell.NewWebSocketDialer(domintell.WebSocketDialerConfig{
		Host:               cfg.Domintell.Host,
		Port:               cfg.Domintell.Port,
		HandshakeTimeout:   cfg.Domintell.HandshakeTimeout,
		InsecureSkipVerify: cfg.Domintell.InsecureSkipVerify,
	}))
	session.SetLogger(log.With("component", "session"))

	health := domintell.NewHealthReporter(domintell.HealthReporterConfig{
		BridgeID:  cfg.Bridge.ID,
		Version:   version,
		Interval:  cfg.Bridge.HealthInterval,
		Publisher: mqttClient,
		Session:   session,
	})
	health.SetLogger(log.With("component", "health"))

	bridge, err := domintell.NewBridge(domintell.BridgeOptions{
		Session: session,
		Host:    &hostAdapter{registry: registry},
		Devices: descriptors,
		Health:  health,
		Logger:  log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if startErr := bridge.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	if listenErr := registry.ListenForSets(setHandler(bridge)); listenErr != nil {
		return fmt.Errorf("subscribing to set requests: %w", listenErr)
	}

	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log.With("component", "api"),
		Bridge:      bridge,
		Accessories: registry,
		MQTT:        mqttClient,
		DB:          db,
		Audit:       auditRecorder,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	registry.OnChange(apiServer.Hub().BroadcastChange)
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	go watchSessionState(ctx, bridge, apiServer.Hub())
	if cfg.Database.AuditRetention > 0 {
		go pruneAudit(ctx, auditRecorder, cfg.Database.AuditRetention, log)
	}
	if influxClient != nil {
		go recordSessionStats(ctx, cfg.Bridge.ID, bridge, influxClient)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred closes run in reverse: API, bridge, InfluxDB, MQTT, database.
	return nil
}

// buildDescriptors converts accessory configuration into bridge descriptors.
func buildDescriptors(accessories []config.AccessoryConfig) ([]domintell.Descriptor, error) {
	out := make([]domintell.Descriptor, 0, len(accessories))
	for _, a := range accessories {
		kind, err := domintell.ParseKind(a.Type)
		if err != nil {
			return nil, fmt.Errorf("accessory %s: %w", a.Identifier, err)
		}
		out = append(out, domintell.Descriptor{
			Identifier:       a.Identifier,
			DisplayName:      a.Name,
			Kind:             kind,
			MovementDuration: a.MovementDuration,
		})
	}
	return out, nil
}

// hostAdapter presents the accessory registry as the bridge's AccessoryHost.
type hostAdapter struct {
	registry *accessory.Registry
}

var _ domintell.AccessoryHost = (*hostAdapter)(nil)

func (h *hostAdapter) RegisterAccessory(ctx context.Context, seed domintell.AccessorySeed) (string, error) {
	return h.registry.Register(ctx, accessory.Seed{
		Identifier:         seed.Identifier,
		Name:               seed.Name,
		Kind:               seed.Kind,
		MovementDurationMs: seed.MovementDurationMs,
	})
}

func (h *hostAdapter) UnregisterAccessories(ctx context.Context, uuids []string) error {
	return h.registry.Unregister(ctx, uuids)
}

func (h *hostAdapter) AccessoryUUIDs(_ context.Context) ([]string, error) {
	return h.registry.UUIDs(), nil
}

func (h *hostAdapter) UpdateValues(ctx context.Context, identifier string, values map[string]any) error {
	return h.registry.UpdateValues(ctx, identifier, values)
}

// setService is the bridge surface used by set requests.
type setService interface {
	HandleSet(ctx context.Context, req domintell.SetRequest) error
}

// setHandler routes MQTT set requests to the bridge.
func setHandler(bridge setService) accessory.SetHandler {
	return func(ctx context.Context, identifier, characteristic string, value any) error {
		return bridge.HandleSet(ctx, domintell.SetRequest{
			Identifier:     identifier,
			Characteristic: characteristic,
			Value:          value,
		})
	}
}

// stateSource reports the controller session state.
type stateSource interface {
	SessionState() domintell.State
}

// broadcaster publishes an event to WebSocket subscribers.
type broadcaster interface {
	Broadcast(channel string, payload any)
}

// watchSessionState relays session state transitions to the change stream
// until ctx is cancelled.
func watchSessionState(ctx context.Context, src stateSource, hub broadcaster) {
	ticker := time.NewTicker(sessionWatchInterval)
	defer ticker.Stop()

	last := src.SessionState()
	hub.Broadcast(api.ChannelSessionState, map[string]string{"state": last.String()})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st := src.SessionState(); st != last {
				last = st
				hub.Broadcast(api.ChannelSessionState, map[string]string{"state": st.String()})
			}
		}
	}
}

// auditPruner removes old audit entries.
type auditPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// pruneAudit removes audit entries older than retention, at start and then
// every auditPruneInterval.
func pruneAudit(ctx context.Context, p auditPruner, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(auditPruneInterval)
	defer ticker.Stop()
	for {
		removed, err := p.Prune(ctx, retention)
		switch {
		case err != nil:
			log.Warn("pruning audit entries failed", "error", err)
		case removed > 0:
			log.Info("pruned audit entries", "removed", removed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// statsSource reports bridge counters.
type statsSource interface {
	Stats() domintell.BridgeStats
}

// statsWriter stores session counters.
type statsWriter interface {
	WriteSessionStats(bridgeID string, counters map[string]uint64)
}

// recordSessionStats writes bridge and session counters every statsInterval.
func recordSessionStats(ctx context.Context, bridgeID string, src statsSource, w statsWriter) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WriteSessionStats(bridgeID, sessionCounters(src.Stats()))
		}
	}
}

// sessionCounters flattens statistics into InfluxDB fields.
func sessionCounters(st domintell.BridgeStats) map[string]uint64 {
	return map[string]uint64{
		"events_routed":     st.EventsRouted,
		"events_unresolved": st.EventsUnresolved,
		"events_dropped":    st.EventsDropped,
		"commands_sent":     st.CommandsSent,
		"command_errors":    st.CommandErrors,
		"lines_rx":          st.Session.LinesRx,
		"lines_tx":          st.Session.LinesTx,
		"decode_errors":     st.Session.DecodeErrors,
		"reconnects":        st.Session.Reconnects,
	}
}

// healthCheck verifies the infrastructure connections.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	// The controller session is not checked here: it reconnects on its own
	// and its state is reported on the health topic.
	return nil
}
