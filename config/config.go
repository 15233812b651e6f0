// Package config handles configuration persistence for the relaygate
// application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MinPollInterval is the floor enforced on the PLC polling interval.
const MinPollInterval = 100 * time.Millisecond

// Config holds the complete application configuration.
type Config struct {
	Namespace string       `yaml:"namespace"` // Instance namespace for key/topic isolation
	Relay     RelayConfig  `yaml:"relay"`
	PLC       PLCConfig    `yaml:"plc"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Valkey    ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     KafkaConfig  `yaml:"kafka,omitempty"`
	API       APIConfig    `yaml:"api"`
}

// RelayConfig holds serial relay bus configuration.
type RelayConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Port         string `yaml:"port"` // e.g. /dev/ttyUSB0 or COM3
	BaudRate     int    `yaml:"baud_rate"`
	DataBits     int    `yaml:"data_bits"`
	StopBits     int    `yaml:"stop_bits"`
	Parity       string `yaml:"parity"` // N, E, O
	SlaveAddress byte   `yaml:"slave_address"`
	TimeoutMS    int    `yaml:"timeout_ms"` // Read/write timeout per transaction
}

// Timeout returns the configured transaction timeout.
func (r *RelayConfig) Timeout() time.Duration {
	if r.TimeoutMS <= 0 {
		return time.Second
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// AreaConfig identifies a byte range inside a PLC data block.
type AreaConfig struct {
	DBNumber   int `yaml:"db_number"`
	StartByte  int `yaml:"start_byte"`
	ByteLength int `yaml:"byte_length"`
}

// Bits returns the bit capacity of the area.
func (a AreaConfig) Bits() int {
	return a.ByteLength * 8
}

// PLCConfig holds PLC gateway configuration.
type PLCConfig struct {
	Enabled        bool       `yaml:"enabled"`
	Address        string     `yaml:"address"` // IP or host:port
	Rack           int        `yaml:"rack"`
	Slot           int        `yaml:"slot"`
	CPUFamily      string     `yaml:"cpu_family,omitempty"` // e.g. S7-1200
	StatusArea     AreaConfig `yaml:"status_area"`
	ControlArea    AreaConfig `yaml:"control_area"`
	PollIntervalMS int        `yaml:"poll_interval_ms"`
	StatusBits     int        `yaml:"status_bits"` // Published bit-string length
	StatusTopic    string     `yaml:"status_topic,omitempty"`
	ControlTopic   string     `yaml:"control_topic,omitempty"`
}

// PollInterval returns the polling interval with the 100 ms floor applied.
func (p *PLCConfig) PollInterval() time.Duration {
	d := time.Duration(p.PollIntervalMS) * time.Millisecond
	if d < MinPollInterval {
		return MinPollInterval
	}
	return d
}

// MQTTConfig holds broker connection configuration for the frame transport.
type MQTTConfig struct {
	BrokerURL      string `yaml:"broker_url"` // e.g. tcp://localhost:1883
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username,omitempty"`
	Password       string `yaml:"password,omitempty"`
	QoS            byte   `yaml:"qos"`
	CleanSession   bool   `yaml:"clean_session"`
	KeepAliveSec   int    `yaml:"keep_alive_sec"`
	ConnectTimeout int    `yaml:"connect_timeout_sec"`
	SubscribeTopic string `yaml:"subscribe_topic,omitempty"` // Default ts_{client_id}
	PublishTopic   string `yaml:"publish_topic,omitempty"`   // Default tr_{client_id}
}

// InboundTopic returns the topic the transport subscribes to.
func (m *MQTTConfig) InboundTopic() string {
	if m.SubscribeTopic != "" {
		return m.SubscribeTopic
	}
	return "ts_" + m.ClientID
}

// OutboundTopic returns the default topic the transport publishes to.
func (m *MQTTConfig) OutboundTopic() string {
	if m.PublishTopic != "" {
		return m.PublishTopic
	}
	return "tr_" + m.ClientID
}

// ValkeyConfig holds the optional Valkey/Redis status mirror configuration.
type ValkeyConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"`
}

// KafkaConfig holds the optional Kafka event sink configuration.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic,omitempty"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
}

// APIConfig holds REST API server configuration.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DefaultConfig returns a configuration with sensible defaults.
// Both field-device components default to disabled; the gateway runs as a
// no-op until explicitly configured.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "relaygate",
		Relay: RelayConfig{
			Enabled:      false,
			BaudRate:     9600,
			DataBits:     8,
			StopBits:     1,
			Parity:       "N",
			SlaveAddress: 1,
			TimeoutMS:    1000,
		},
		PLC: PLCConfig{
			Enabled:        false,
			Rack:           0,
			Slot:           0,
			PollIntervalMS: 500,
			StatusBits:     16,
		},
		MQTT: MQTTConfig{
			BrokerURL:      "tcp://localhost:1883",
			ClientID:       "relaygate",
			QoS:            0,
			CleanSession:   true,
			KeepAliveSec:   30,
			ConnectTimeout: 5,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
	}
}

// DefaultPath returns the default configuration file path
// (~/.relaygate/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".relaygate", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults rather than an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating the directory if
// needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Error describes a configuration problem. Components treat it as a signal
// to degrade to a no-op rather than crash the process.
type Error struct {
	Section string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Section, e.Reason)
}

// Validate checks the configuration for errors. Only enabled sections are
// validated; a disabled component may carry a half-filled config.
func (c *Config) Validate() error {
	if c.Relay.Enabled {
		if c.Relay.Port == "" {
			return &Error{Section: "relay", Reason: "port is required"}
		}
		if c.Relay.SlaveAddress == 0 {
			return &Error{Section: "relay", Reason: "slave_address must be non-zero"}
		}
		switch c.Relay.Parity {
		case "N", "E", "O":
		default:
			return &Error{Section: "relay", Reason: fmt.Sprintf("invalid parity %q", c.Relay.Parity)}
		}
	}

	if c.PLC.Enabled {
		if c.PLC.Address == "" {
			return &Error{Section: "plc", Reason: "address is required"}
		}
		if err := validateArea("status_area", c.PLC.StatusArea); err != nil {
			return err
		}
		if err := validateArea("control_area", c.PLC.ControlArea); err != nil {
			return err
		}
		if c.PLC.StatusBits <= 0 {
			return &Error{Section: "plc", Reason: "status_bits must be positive"}
		}
	}

	if c.MQTT.BrokerURL == "" {
		return &Error{Section: "mqtt", Reason: "broker_url is required"}
	}
	if c.MQTT.ClientID == "" {
		return &Error{Section: "mqtt", Reason: "client_id is required"}
	}
	if c.MQTT.QoS > 2 {
		return &Error{Section: "mqtt", Reason: fmt.Sprintf("qos %d out of range 0-2", c.MQTT.QoS)}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return &Error{Section: "kafka", Reason: "brokers is required"}
	}
	if c.Valkey.Enabled && c.Valkey.Address == "" {
		return &Error{Section: "valkey", Reason: "address is required"}
	}

	return nil
}

func validateArea(name string, a AreaConfig) error {
	if a.ByteLength <= 0 {
		return &Error{Section: "plc", Reason: name + ": byte_length must be positive"}
	}
	if a.StartByte < 0 {
		return &Error{Section: "plc", Reason: name + ": start_byte must not be negative"}
	}
	return nil
}
