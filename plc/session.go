// Package plc provides the data-block session to an S7 controller. Only
// whole-byte reads and writes of DB areas are exposed; bit-level access is
// composed on top by the gateway.
package plc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"relaygate/logging"
)

// Session is the narrow surface the gateway needs from a controller link.
type Session interface {
	Connect() error
	Close()
	IsConnected() bool
	ReadDB(dbNumber, start, size int) ([]byte, error)
	WriteDB(dbNumber, start int, data []byte) error
}

// S7Session is the gos7-backed Session. It tracks link health itself:
// a read or write error that looks like a dead TCP connection flips the
// session to disconnected so the owner can schedule a reconnect.
type S7Session struct {
	address string
	rack    int
	slot    int
	timeout time.Duration

	mu        sync.Mutex
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	connected bool
}

// NewS7Session creates an unconnected session for the given controller.
func NewS7Session(address string, rack, slot int, timeout time.Duration) *S7Session {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &S7Session{
		address: address,
		rack:    rack,
		slot:    slot,
		timeout: timeout,
	}
}

// Connect establishes the controller connection. Returns nil if already
// connected.
func (s *S7Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.handler != nil {
		s.handler.Close()
	}

	logging.DebugConnect("s7", s.address)
	handler := gos7.NewTCPClientHandler(s.address, s.rack, s.slot)
	handler.Timeout = s.timeout
	handler.IdleTimeout = s.timeout

	if err := handler.Connect(); err != nil {
		logging.DebugConnectError("s7", s.address, err)
		return fmt.Errorf("s7: connect %s: %w", s.address, err)
	}

	s.handler = handler
	s.client = gos7.NewClient(handler)
	s.connected = true
	logging.DebugLog("s7", "connected to %s (rack %d, slot %d)", s.address, s.rack, s.slot)
	return nil
}

// Close releases the controller connection. Safe on an unconnected session.
func (s *S7Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	if s.handler != nil {
		s.handler.Close()
		s.handler = nil
		logging.DebugDisconnect("s7", s.address, "closed")
	}
}

// IsConnected reports current link health as last observed.
func (s *S7Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ReadDB reads size bytes from a data block starting at byte offset start.
func (s *S7Session) ReadDB(dbNumber, start, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.client == nil {
		return nil, fmt.Errorf("s7: read DB%d: not connected", dbNumber)
	}

	buf := make([]byte, size)
	if err := s.client.AGReadDB(dbNumber, start, size, buf); err != nil {
		if isConnectionError(err) {
			s.connected = false
		}
		logging.DebugError("s7", fmt.Sprintf("read DB%d.%d len %d", dbNumber, start, size), err)
		return nil, fmt.Errorf("s7: read DB%d.%d: %w", dbNumber, start, err)
	}
	return buf, nil
}

// WriteDB writes data into a data block starting at byte offset start.
func (s *S7Session) WriteDB(dbNumber, start int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.client == nil {
		return fmt.Errorf("s7: write DB%d: not connected", dbNumber)
	}

	if err := s.client.AGWriteDB(dbNumber, start, len(data), data); err != nil {
		if isConnectionError(err) {
			s.connected = false
		}
		logging.DebugError("s7", fmt.Sprintf("write DB%d.%d len %d", dbNumber, start, len(data)), err)
		return fmt.Errorf("s7: write DB%d.%d: %w", dbNumber, start, err)
	}
	return nil
}

// isConnectionError checks if an error indicates the TCP link is dead, as
// opposed to a protocol-level refusal the controller answered with.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "closed")
}

// IsConnectionError reports whether err, anywhere in its chain, indicates a
// dead controller link rather than a rejected request.
func IsConnectionError(err error) bool {
	return isConnectionError(err)
}
