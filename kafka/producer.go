// Package kafka streams an audit trail of gateway activity to a Kafka
// cluster: every published status frame and every applied control write
// becomes one event record.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"relaygate/config"
	"relaygate/logging"
)

// Event kinds carried on the audit topic.
const (
	EventStatus  = "status"
	EventControl = "control"
)

// Event is one audit record.
type Event struct {
	Namespace string    `json:"namespace"`
	Kind      string    `json:"kind"`
	Bits      string    `json:"bits,omitempty"`
	Hex       string    `json:"hex,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Producer writes audit events. Writers are created lazily per topic and
// every failure is absorbed: auditing never stalls the controller path.
type Producer struct {
	cfg       *config.KafkaConfig
	namespace string

	mu        sync.Mutex
	writers   map[string]*kafkago.Writer
	running   bool
	sent      int64
	errorsCnt int64
}

// NewProducer creates an audit producer for the given cluster configuration.
func NewProducer(cfg *config.KafkaConfig, namespace string) *Producer {
	return &Producer{
		cfg:       cfg,
		namespace: namespace,
		writers:   make(map[string]*kafkago.Writer),
	}
}

// Start verifies broker connectivity. Disabled configurations are a no-op.
func (p *Producer) Start() error {
	if !p.cfg.Enabled || len(p.cfg.Brokers) == 0 {
		return nil
	}

	dialer := p.createDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Brokers[0])
	if err != nil {
		logging.DebugConnectError("kafka", p.cfg.Brokers[0], err)
		return fmt.Errorf("kafka: connect %s: %w", p.cfg.Brokers[0], err)
	}
	conn.Close()

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	logging.DebugConnect("kafka", p.cfg.Brokers[0])
	return nil
}

// Stop closes all topic writers.
func (p *Producer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}
	if p.running {
		p.running = false
		logging.DebugDisconnect("kafka", fmt.Sprintf("%v", p.cfg.Brokers), "stopped")
	}
}

// Stats returns sent and failed event counts.
func (p *Producer) Stats() (sent, failed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent, p.errorsCnt
}

// StatusPublished emits a status audit event. Part of the gateway observer
// contract.
func (p *Producer) StatusPublished(bits string) {
	p.emit(Event{
		Namespace: p.namespace,
		Kind:      EventStatus,
		Bits:      bits,
		Timestamp: time.Now().UTC(),
	})
}

// ControlApplied emits a control audit event. Part of the gateway observer
// contract.
func (p *Producer) ControlApplied(data []byte) {
	p.emit(Event{
		Namespace: p.namespace,
		Kind:      EventControl,
		Hex:       fmt.Sprintf("% x", data),
		Timestamp: time.Now().UTC(),
	})
}

func (p *Producer) emit(ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Produce(ctx, p.cfg.Topic, []byte(ev.Kind), value); err != nil {
		logging.DebugError("kafka", "emit "+ev.Kind, err)
	}
}

// Produce sends one message synchronously.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	msg := kafkago.Message{Key: key, Value: value, Time: time.Now()}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.mu.Lock()
		p.errorsCnt++
		p.mu.Unlock()
		return fmt.Errorf("kafka: produce to %s: %w", topic, err)
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	return nil
}

// getWriter returns the writer for topic, creating it on first use. The
// broker auto-creates missing topics on first produce.
func (p *Producer) getWriter(topic string) (*kafkago.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, fmt.Errorf("kafka: producer not started")
	}
	if writer, ok := p.writers[topic]; ok {
		return writer, nil
	}

	writer := &kafkago.Writer{
		Addr:      kafkago.TCP(p.cfg.Brokers...),
		Topic:     topic,
		Balancer:  &kafkago.LeastBytes{},
		Transport: p.createTransport(),

		RequiredAcks: kafkago.RequiredAcks(p.cfg.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.cfg.MaxRetries,

		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = writer
	return writer, nil
}

func (p *Producer) createDialer() *kafkago.Dialer {
	dialer := &kafkago.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if p.cfg.UseTLS {
		dialer.TLS = p.tlsConfig()
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

func (p *Producer) createTransport() *kafkago.Transport {
	transport := &kafkago.Transport{DialTimeout: 10 * time.Second}
	if p.cfg.UseTLS {
		transport.TLS = p.tlsConfig()
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

func (p *Producer) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.cfg.TLSSkipVerify,
	}
}

func (p *Producer) saslMechanism() sasl.Mechanism {
	if p.cfg.Username == "" {
		return nil
	}
	switch p.cfg.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: p.cfg.Username, Password: p.cfg.Password}
	case "SCRAM-SHA-256":
		mechanism, _ := scram.Mechanism(scram.SHA256, p.cfg.Username, p.cfg.Password)
		return mechanism
	case "SCRAM-SHA-512":
		mechanism, _ := scram.Mechanism(scram.SHA512, p.cfg.Username, p.cfg.Password)
		return mechanism
	default:
		return nil
	}
}
