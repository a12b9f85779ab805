package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "DOMINTELL_BRIDGE_CONFIG"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "configs/config.yaml"

// Config is the whole bridge configuration (configs/config.yaml).
type Config struct {
	Bridge      BridgeConfig      `yaml:"bridge"`
	Domintell   DomintellConfig   `yaml:"domintell"`
	Accessories []AccessoryConfig `yaml:"accessories"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BridgeConfig identifies this bridge instance.
type BridgeConfig struct {
	ID string `yaml:"id"`

	// HealthInterval is how often health is published on MQTT.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// DomintellConfig contains the controller connection and session settings.
type DomintellConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Username selects salted login. Leave empty for controllers without
	// user accounts.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// HeartbeatInterval is the keepalive period. Default: 50s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatToken is the keepalive line. Default: "HELLO".
	HeartbeatToken string `yaml:"heartbeat_token"`

	// MissedHeartbeatThreshold is how many unanswered heartbeats flag the
	// session. Default: 3.
	MissedHeartbeatThreshold int `yaml:"missed_heartbeat_threshold"`

	// ReconnectOnMissedHeartbeats drops a session that stopped answering.
	// Default: true.
	ReconnectOnMissedHeartbeats bool `yaml:"reconnect_on_missed_heartbeats"`

	// ReconnectBackoff is the fixed delay before redialling. Default: 1s.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// HandshakeTimeout bounds the TLS and WebSocket handshake. Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// InsecureSkipVerify disables certificate checks. Controllers ship
	// self-signed certificates, so this defaults to true.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// String returns a log-safe description with the password redacted.
func (d DomintellConfig) String() string {
	password := ""
	if d.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("host=%s port=%d username=%s password=%s", d.Host, d.Port, d.Username, password)
}

// AccessoryConfig declares one bus point exposed as an accessory.
type AccessoryConfig struct {
	// Identifier is the module address plus channel suffix, e.g. "BIR00001D-1".
	Identifier string `yaml:"identifier"`

	// Name is the display name.
	Name string `yaml:"name"`

	// Type is the accessory kind, e.g. "Lightbulb" or "WindowCovering".
	Type string `yaml:"type"`

	// MovementDuration is the full travel time of a WindowCovering.
	MovementDuration time.Duration `yaml:"movement_duration"`
}

// DatabaseConfig locates the SQLite file holding the accessory cache and
// the set-request audit trail.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// AuditRetention is how long set request audit entries are kept.
	// Zero keeps them forever.
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// MQTTConfig is the broker link used for state, set requests and health.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds paho's reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig enables optional telemetry. FlushInterval is in seconds.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the admin HTTP server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains settings for the admin change stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig selects level (debug..error), format (json, text) and
// output (stdout, stderr).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// accessoryTypes are the accepted AccessoryConfig.Type values.
var accessoryTypes = map[string]bool{
	"lightbulb":         true,
	"dimmablelightbulb": true,
	"outlet":            true,
	"windowcovering":    true,
	"temperaturesensor": true,
	"contactsensor":     true,
	"motionsensor":      true,
	"controllablefan":   true,
}

// Path returns the config file path from the environment, or the default.
func Path() string {
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return DefaultConfigPath
}

// Load builds the configuration from defaults, the YAML file at path and
// the environment, in that order of increasing precedence, then validates it.
//
// Environment variables follow the pattern: DOMINTELL_BRIDGE_SECTION_KEY
// For example: DOMINTELL_BRIDGE_PASSWORD, DOMINTELL_BRIDGE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "domintell-bridge-01",
			HealthInterval: 30 * time.Second,
		},
		Domintell: DomintellConfig{
			Port:                        17481,
			HeartbeatInterval:           50 * time.Second,
			HeartbeatToken:              "HELLO",
			MissedHeartbeatThreshold:    3,
			ReconnectOnMissedHeartbeats: true,
			ReconnectBackoff:            time.Second,
			HandshakeTimeout:            10 * time.Second,
			InsecureSkipVerify:          true,
		},
		Database: DatabaseConfig{
			Path:           "./data/domintell.db",
			WALMode:        true,
			BusyTimeout:    5,
			AuditRetention: 30 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "domintell-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 18081,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Secrets belong in the environment rather than the config file.
func applyEnvOverrides(cfg *Config) {
	// Controller
	if v := os.Getenv("DOMINTELL_BRIDGE_HOST"); v != "" {
		cfg.Domintell.Host = v
	}
	if v := os.Getenv("DOMINTELL_BRIDGE_USERNAME"); v != "" {
		cfg.Domintell.Username = v
	}
	if v := os.Getenv("DOMINTELL_BRIDGE_PASSWORD"); v != "" {
		cfg.Domintell.Password = v
	}

	// Database
	if v := os.Getenv("DOMINTELL_BRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("DOMINTELL_BRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DOMINTELL_BRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DOMINTELL_BRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("DOMINTELL_BRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("DOMINTELL_BRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}

	// Controller
	if c.Domintell.Host == "" {
		errs = append(errs, "domintell.host is required (set DOMINTELL_BRIDGE_HOST)")
	}
	if c.Domintell.Port < 1 || c.Domintell.Port > 65535 {
		errs = append(errs, "domintell.port must be between 1 and 65535")
	}
	if c.Domintell.HeartbeatInterval < 0 || c.Domintell.ReconnectBackoff < 0 {
		errs = append(errs, "domintell durations must not be negative")
	}
	if c.Domintell.MissedHeartbeatThreshold < 0 {
		errs = append(errs, "domintell.missed_heartbeat_threshold must not be negative")
	}

	errs = append(errs, c.validateAccessories()...)

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.AuditRetention < 0 {
		errs = append(errs, "database.audit_retention must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateAccessories checks every accessory entry. Identifiers become MQTT
// topic segments, so wildcard and separator characters are rejected.
func (c *Config) validateAccessories() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Accessories))

	for i, a := range c.Accessories {
		field := fmt.Sprintf("accessories[%d]", i)

		switch {
		case a.Identifier == "":
			errs = append(errs, field+".identifier is required")
		case strings.ContainsAny(a.Identifier, "+#/ %"):
			errs = append(errs, fmt.Sprintf("%s.identifier %q contains reserved characters", field, a.Identifier))
		case seen[a.Identifier]:
			errs = append(errs, fmt.Sprintf("%s.identifier %q is duplicated", field, a.Identifier))
		}
		seen[a.Identifier] = true

		if !accessoryTypes[strings.ToLower(a.Type)] {
			errs = append(errs, fmt.Sprintf("%s.type %q is not a known accessory type", field, a.Type))
		}
		if strings.EqualFold(a.Type, "WindowCovering") && a.MovementDuration <= 0 {
			errs = append(errs, field+".movement_duration must be positive for a WindowCovering")
		}
	}
	return errs
}

// ControllerAddress returns the controller's host:port.
func (c *Config) ControllerAddress() string {
	return fmt.Sprintf("%s:%d", c.Domintell.Host, c.Domintell.Port)
}

// Durations converts the second counts to time.Duration values for
// http.Server.
func (t APITimeoutConfig) Durations() (read, write, idle time.Duration) {
	return time.Duration(t.Read) * time.Second,
		time.Duration(t.Write) * time.Second,
		time.Duration(t.Idle) * time.Second
}
