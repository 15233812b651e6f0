// Package mqtt provides the fixed-length frame transport that carries relay
// and PLC payloads over an MQTT broker.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"relaygate/config"
	"relaygate/logging"
)

// FrameSize is the exact payload length of every transport frame. Shorter
// content is zero-padded, longer content truncated, on both directions.
const FrameSize = 16

// reconnectDelay is the fixed wait between reconnection attempts. The
// message rate of this system is low enough that backoff would add nothing.
const reconnectDelay = 5 * time.Second

// inboundBuffer bounds the channel between the broker callback and the
// consumer. A full buffer drops the newest frame with a warning.
const inboundBuffer = 64

// publishTimeout bounds how long Send waits for broker acknowledgement.
const publishTimeout = 2 * time.Second

// ErrFrameSize is returned by Send for any payload not exactly FrameSize
// bytes long.
var ErrFrameSize = errors.New("mqtt: payload must be exactly 16 bytes")

// ErrNotConnected is returned by Send when the broker connection is down.
var ErrNotConnected = errors.New("mqtt: not connected")

// Message is one well-formed inbound transport frame.
type Message struct {
	Topic   string
	Payload []byte // always FrameSize bytes
}

// brokerClient is the slice of the paho client surface the transport
// actually uses. Tests substitute it to drive the reconnect path without a
// broker.
type brokerClient interface {
	Connect() pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Transport wraps a broker connection behind the 16-byte frame contract,
// reconnecting in the background after a connection loss.
type Transport struct {
	cfg         *config.MQTTConfig
	client      brokerClient
	extraTopics []string

	newClient  func(*pahomqtt.ClientOptions) brokerClient
	retryDelay time.Duration

	mu      sync.Mutex
	running bool

	messages chan Message
	lost     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewTransport creates a transport for the given broker configuration.
func NewTransport(cfg *config.MQTTConfig) *Transport {
	return &Transport{
		cfg: cfg,
		newClient: func(opts *pahomqtt.ClientOptions) brokerClient {
			return pahomqtt.NewClient(opts)
		},
		retryDelay: reconnectDelay,
		messages:   make(chan Message, inboundBuffer),
		lost:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
}

// Messages returns the channel of well-formed inbound frames. The channel
// is never closed; consumers stop via their own cancellation.
func (t *Transport) Messages() <-chan Message {
	return t.messages
}

// AddTopic subscribes to an additional inbound topic beyond the default.
// Must be called before Start; empty and duplicate topics are ignored.
func (t *Transport) AddTopic(topic string) {
	if topic == "" || topic == t.cfg.InboundTopic() {
		return
	}
	for _, existing := range t.extraTopics {
		if existing == topic {
			return
		}
	}
	t.extraTopics = append(t.extraTopics, topic)
}

// Start establishes the broker connection, subscribes to the inbound topic,
// and arms the reconnect supervisor. Idempotent. A failed initial connect
// is returned to the caller but the supervisor keeps retrying regardless.
func (t *Transport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(t.cfg.BrokerURL)
	opts.SetClientID(t.cfg.ClientID)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetCleanSession(t.cfg.CleanSession)
	opts.SetKeepAlive(time.Duration(t.cfg.KeepAliveSec) * time.Second)
	opts.SetConnectTimeout(t.connectTimeout())
	// Reconnection is owned by the supervisor goroutine so that shutdown
	// ordering stays deterministic.
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logging.DebugDisconnect("mqtt", t.cfg.BrokerURL, fmt.Sprintf("connection lost: %v", err))
		select {
		case t.lost <- struct{}{}:
		default:
		}
	})

	t.client = t.newClient(opts)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.supervise()

	if err := t.connectAndSubscribe(); err != nil {
		logging.DebugConnectError("mqtt", t.cfg.BrokerURL, err)
		// Wake the supervisor so the 5 s retry cycle starts immediately.
		select {
		case t.lost <- struct{}{}:
		default:
		}
		return err
	}
	return nil
}

func (t *Transport) connectTimeout() time.Duration {
	if t.cfg.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(t.cfg.ConnectTimeout) * time.Second
}

// connectAndSubscribe performs one connect attempt followed by the inbound
// topic subscription.
func (t *Transport) connectAndSubscribe() error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	logging.DebugConnect("mqtt", t.cfg.BrokerURL)
	token := client.Connect()
	if !token.WaitTimeout(t.connectTimeout()) {
		return fmt.Errorf("mqtt: connect timeout after %v", t.connectTimeout())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	topics := append([]string{t.cfg.InboundTopic()}, t.extraTopics...)
	for _, topic := range topics {
		sub := client.Subscribe(topic, t.cfg.QoS, t.handleMessage)
		if !sub.WaitTimeout(publishTimeout) {
			return fmt.Errorf("mqtt: subscribe timeout on %s", topic)
		}
		if err := sub.Error(); err != nil {
			return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
		}
	}

	logging.DebugLog("mqtt", "connected to %s, subscribed to %v", t.cfg.BrokerURL, topics)
	return nil
}

// supervise waits for a lost connection and retries the connect/subscribe
// sequence every reconnectDelay until it succeeds or the transport stops.
func (t *Transport) supervise() {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopChan:
			return
		case <-t.lost:
		}

		for {
			select {
			case <-t.stopChan:
				return
			case <-time.After(t.retryDelay):
			}

			if err := t.connectAndSubscribe(); err != nil {
				logging.DebugConnectError("mqtt", t.cfg.BrokerURL, err)
				continue
			}
			break
		}
	}
}

// handleMessage enforces the fixed-length contract on inbound frames and
// hands well-formed ones to the consumer channel.
func (t *Transport) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	payload := msg.Payload()
	if len(payload) != FrameSize {
		logging.DebugLog("mqtt", "dropping frame on %s: length %d, want %d",
			msg.Topic(), len(payload), FrameSize)
		return
	}

	frame := Message{
		Topic:   msg.Topic(),
		Payload: append([]byte(nil), payload...),
	}
	select {
	case t.messages <- frame:
	default:
		logging.DebugLog("mqtt", "inbound buffer full, dropping frame on %s", msg.Topic())
	}
}

// Send publishes one frame. The payload must be exactly FrameSize bytes;
// callers with variable-length text use SendString. An empty topic selects
// the configured outbound topic.
func (t *Transport) Send(payload []byte, topic string, retain bool) error {
	if len(payload) != FrameSize {
		return ErrFrameSize
	}

	t.mu.Lock()
	client := t.client
	running := t.running
	t.mu.Unlock()

	if !running || client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	if topic == "" {
		topic = t.cfg.OutboundTopic()
	}

	logging.DebugTX("mqtt", payload)
	token := client.Publish(topic, t.cfg.QoS, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish timeout on %s", topic)
	}
	return token.Error()
}

// SendString UTF-8 encodes text into a frame, zero-padding or truncating to
// FrameSize. Truncation is logged: it means the producer and the frame
// contract disagree.
func (t *Transport) SendString(text, topic string) error {
	return t.Send(PadFrame(text, topic), topic, false)
}

// PadFrame normalizes text to exactly FrameSize bytes. The topic is only
// used in the truncation warning.
func PadFrame(text, topic string) []byte {
	frame := make([]byte, FrameSize)
	if len(text) > FrameSize {
		logging.DebugLog("mqtt", "truncating %d byte payload %q for %s", len(text), text, topic)
	}
	copy(frame, text)
	return frame
}

// Stop halts the supervisor, then disconnects from the broker. Safe to call
// more than once.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	client := t.client
	t.mu.Unlock()

	close(t.stopChan)
	t.wg.Wait()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	logging.DebugDisconnect("mqtt", t.cfg.BrokerURL, "stopped")
}

// IsConnected reports whether the broker connection is currently up.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	return client != nil && client.IsConnected()
}
