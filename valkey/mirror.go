// Package valkey mirrors the latest gateway state into a Valkey/Redis
// server so dashboards can read it without touching the message bus.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relaygate/config"
	"relaygate/logging"
)

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// StatusMessage is the stored form of one published status frame.
type StatusMessage struct {
	Namespace string    `json:"namespace"`
	Bits      string    `json:"bits"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlMessage is the stored form of one applied control write.
type ControlMessage struct {
	Namespace string    `json:"namespace"`
	Hex       string    `json:"hex"`
	Timestamp time.Time `json:"timestamp"`
}

// Mirror keeps the most recent status and control state in Valkey. It is a
// pure observer: every failure is logged and swallowed so the controller
// path never blocks on the mirror.
type Mirror struct {
	cfg       *config.ValkeyConfig
	namespace string

	mu       sync.RWMutex
	client   *redis.Client
	running  bool
	lastBits string
}

// NewMirror creates a mirror for the given configuration and key namespace.
func NewMirror(cfg *config.ValkeyConfig, namespace string) *Mirror {
	return &Mirror{cfg: cfg, namespace: namespace}
}

// Start connects to the Valkey server and verifies it answers.
func (m *Mirror) Start() error {
	if !m.cfg.Enabled {
		return nil
	}

	m.mu.RLock()
	if m.running {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	opts := &redis.Options{
		Addr:         m.cfg.Address,
		Password:     m.cfg.Password,
		DB:           m.cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if m.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		logging.DebugConnectError("valkey", m.cfg.Address, err)
		return fmt.Errorf("valkey: connect %s: %w", m.cfg.Address, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		client.Close()
		return nil
	}
	m.client = client
	m.running = true
	logging.DebugConnect("valkey", m.cfg.Address)
	return nil
}

// Stop closes the server connection.
func (m *Mirror) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	client := m.client
	m.client = nil
	m.mu.Unlock()

	logging.DebugDisconnect("valkey", m.cfg.Address, "stopped")
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning reports whether the mirror is connected.
func (m *Mirror) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// StatusPublished stores the latest status bit-string under a fixed key
// and, when change publishing is enabled, notifies subscribers on a change
// channel. Part of the gateway observer contract.
func (m *Mirror) StatusPublished(bits string) {
	m.mu.Lock()
	changed := bits != m.lastBits
	m.lastBits = bits
	client := m.client
	running := m.running
	m.mu.Unlock()

	if !running || client == nil {
		return
	}

	payload, err := json.Marshal(StatusMessage{
		Namespace: m.namespace,
		Bits:      bits,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := joinKey(m.namespace, "plc", "status")
	if err := client.Set(ctx, key, payload, m.cfg.KeyTTL).Err(); err != nil {
		logging.DebugError("valkey", "set "+key, err)
		return
	}

	if changed && m.cfg.PublishChanges {
		channel := joinKey(m.namespace, "plc", "status", "changes")
		if err := client.Publish(ctx, channel, payload).Err(); err != nil {
			logging.DebugError("valkey", "publish "+channel, err)
		}
	}
}

// ControlApplied stores the most recent control buffer as hex. Part of the
// gateway observer contract.
func (m *Mirror) ControlApplied(data []byte) {
	m.mu.RLock()
	client := m.client
	running := m.running
	m.mu.RUnlock()

	if !running || client == nil {
		return
	}

	payload, err := json.Marshal(ControlMessage{
		Namespace: m.namespace,
		Hex:       fmt.Sprintf("% x", data),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := joinKey(m.namespace, "plc", "control")
	if err := client.Set(ctx, key, payload, m.cfg.KeyTTL).Err(); err != nil {
		logging.DebugError("valkey", "set "+key, err)
	}
}
