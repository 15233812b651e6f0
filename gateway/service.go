// Package gateway bridges an S7 controller and the fixed-frame transport:
// it polls a status data block into published bit-strings and applies
// inbound bit-string control messages to a control data block.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"relaygate/config"
	"relaygate/logging"
	"relaygate/plc"
)

// State tracks the controller link lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transport is the outbound half of the frame transport the service
// publishes status strings to.
type Transport interface {
	SendString(text, topic string) error
}

// Observer receives copies of published status strings and applied control
// buffers. Observer failures never affect the controller path.
type Observer interface {
	StatusPublished(bits string)
	ControlApplied(data []byte)
}

// Service owns the controller session. One mutex serializes every session
// access: the poll loop and on-demand writes never interleave requests.
type Service struct {
	cfg       *config.PLCConfig
	transport Transport
	observers []Observer

	mu      sync.Mutex
	session plc.Session
	state   State

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a gateway around the given session. A nil transport is
// allowed; status strings then only reach observers.
func NewService(cfg *config.PLCConfig, session plc.Session, transport Transport) *Service {
	return &Service{
		cfg:       cfg,
		session:   session,
		transport: transport,
		state:     Disconnected,
	}
}

// AddObserver registers an observer. Not safe to call after Start.
func (s *Service) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// State returns the current link state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enabled reports whether the controller section of the configuration is
// enabled.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// Start launches the poll loop. Disabled configurations start nothing and
// return nil so the rest of the process can run without a controller.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		logging.DebugLog("gateway", "controller disabled, not starting")
		return nil
	}
	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.pollLoop(ctx)

	logging.DebugLog("gateway", "started: %s rack %d slot %d (%s), poll %v",
		s.cfg.Address, s.cfg.Rack, s.cfg.Slot, s.cfg.CPUFamily, s.cfg.PollInterval())
	return nil
}

// Stop terminates the poll loop, waits for it, then closes the session.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()

	s.mu.Lock()
	s.session.Close()
	s.state = Disconnected
	s.mu.Unlock()
	logging.DebugLog("gateway", "stopped")
}

// ensureConnected drives the state machine toward Connected. Caller must
// hold the mutex. A fresh connection is confirmed with a one-shot read of
// the first status byte before the state advances.
func (s *Service) ensureConnected() error {
	if s.state == Connected && s.session.IsConnected() {
		return nil
	}

	s.state = Connecting
	if err := s.session.Connect(); err != nil {
		s.state = Disconnected
		return err
	}

	if s.cfg.StatusArea.ByteLength > 0 {
		if _, err := s.session.ReadDB(s.cfg.StatusArea.DBNumber, s.cfg.StatusArea.StartByte, 1); err != nil {
			s.state = Disconnected
			return fmt.Errorf("gateway: diagnostic read: %w", err)
		}
	}

	s.state = Connected
	return nil
}

// ReadArea reads one configured byte range. A disabled or unreachable
// controller yields an empty slice, never an error: the poll loop and the
// status API degrade instead of crashing.
func (s *Service) ReadArea(area config.AreaConfig) []byte {
	if !s.cfg.Enabled || area.ByteLength <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(); err != nil {
		logging.DebugError("gateway", "connect", err)
		return nil
	}

	data, err := s.session.ReadDB(area.DBNumber, area.StartByte, area.ByteLength)
	if err != nil {
		logging.DebugError("gateway", fmt.Sprintf("read DB%d.%d", area.DBNumber, area.StartByte), err)
		if plc.IsConnectionError(err) {
			s.state = Disconnected
		}
		return nil
	}
	return data
}

// ReadStatus reads the configured status area.
func (s *Service) ReadStatus() []byte {
	return s.ReadArea(s.cfg.StatusArea)
}

// WriteControlBit sets or clears one bit in the control area, addressed
// from the area's start byte. The byte is read, modified, and written back
// under the service lock so the update cannot race the poll loop.
func (s *Service) WriteControlBit(bitIndex int, value bool) error {
	capacity := s.cfg.ControlArea.Bits()
	if bitIndex < 0 || bitIndex >= capacity {
		return &ArgumentError{
			Param:  "bitIndex",
			Reason: fmt.Sprintf("%d out of range 0..%d", bitIndex, capacity-1),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(); err != nil {
		return err
	}

	offset := s.cfg.ControlArea.StartByte + bitIndex/8
	data, err := s.session.ReadDB(s.cfg.ControlArea.DBNumber, offset, 1)
	if err != nil {
		return s.writeFailed(err)
	}

	if value {
		data[0] |= 1 << (bitIndex % 8)
	} else {
		data[0] &^= 1 << (bitIndex % 8)
	}

	if err := s.session.WriteDB(s.cfg.ControlArea.DBNumber, offset, data); err != nil {
		return s.writeFailed(err)
	}
	return nil
}

// WriteControlBits packs the whole vector (bit i into the i%8'th least
// significant bit of byte i/8) and issues one contiguous write, avoiding
// the partial-update window of repeated single-bit writes.
func (s *Service) WriteControlBits(values []bool) error {
	capacity := s.cfg.ControlArea.Bits()
	if len(values) > capacity {
		return &ArgumentError{
			Param:  "values",
			Reason: fmt.Sprintf("%d bits exceed control area capacity %d", len(values), capacity),
		}
	}
	return s.WriteControlBytes(packBitsLSB(values))
}

// WriteControlBytes writes raw bytes at the start of the control area.
func (s *Service) WriteControlBytes(data []byte) error {
	if len(data) == 0 {
		return &ArgumentError{Param: "data", Reason: "empty buffer"}
	}
	if len(data) > s.cfg.ControlArea.ByteLength {
		return &ArgumentError{
			Param:  "data",
			Reason: fmt.Sprintf("%d bytes exceed control area length %d", len(data), s.cfg.ControlArea.ByteLength),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(); err != nil {
		return err
	}
	if err := s.session.WriteDB(s.cfg.ControlArea.DBNumber, s.cfg.ControlArea.StartByte, data); err != nil {
		return s.writeFailed(err)
	}

	for _, o := range s.observers {
		o.ControlApplied(data)
	}
	return nil
}

// writeFailed demotes the state on a dead link. Caller must hold the mutex.
func (s *Service) writeFailed(err error) error {
	if plc.IsConnectionError(err) {
		s.state = Disconnected
	}
	return err
}

// HandleControlFrame applies one inbound transport frame to the control
// area. Zero padding from the fixed frame length is stripped before
// decoding; a malformed bit-string is logged and dropped without writing.
func (s *Service) HandleControlFrame(payload []byte) {
	text := string(bytes.TrimRight(payload, "\x00"))
	bits, err := DecodeBitString(text)
	if err != nil {
		logging.DebugError("gateway", "control decode", err)
		return
	}
	if len(bits) == 0 {
		return
	}

	buf := packBitsMSB(bits, s.cfg.ControlArea.ByteLength)
	if err := s.WriteControlBytes(buf); err != nil {
		logging.DebugError("gateway", "control write", err)
	}
}

// pollLoop reads the status area at the configured interval and publishes
// the encoded bit-string. Failures inside one iteration are absorbed; the
// next tick tries again.
func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.pollOnce()
	}
}

// pollOnce performs one read-encode-publish cycle.
func (s *Service) pollOnce() {
	data := s.ReadStatus()
	if len(data) == 0 {
		return
	}

	bits := EncodeBitString(data, s.statusBits())
	if s.transport != nil {
		if err := s.transport.SendString(bits, s.cfg.StatusTopic); err != nil {
			logging.DebugError("gateway", "status publish", err)
		}
	}
	for _, o := range s.observers {
		o.StatusPublished(bits)
	}
}

func (s *Service) statusBits() int {
	if s.cfg.StatusBits > 0 {
		return s.cfg.StatusBits
	}
	return s.cfg.StatusArea.Bits()
}
