// Package relay implements the request/response protocol driver for an
// 8-channel relay module on a serial bus, including framing, CRC
// verification, and typed coil operations.
package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/grid-x/serial"

	"relaygate/config"
	"relaygate/logging"
)

// ChannelCount is the number of relay channels on the module.
const ChannelCount = 8

// Client drives the relay bus. All operations hold one exclusive lock for
// the full request/response round-trip: the bus permits exactly one
// outstanding transaction.
type Client struct {
	cfg *config.RelayConfig

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewClient creates a relay bus client. The serial port is opened lazily on
// first use and stays open until Close.
func NewClient(cfg *config.RelayConfig) *Client {
	return &Client{cfg: cfg}
}

// connect opens the serial port if it is not open. Caller must hold the
// mutex.
func (c *Client) connect() error {
	if c.port != nil {
		return nil
	}

	port, err := serial.Open(&serial.Config{
		Address:  c.cfg.Port,
		BaudRate: c.cfg.BaudRate,
		DataBits: c.cfg.DataBits,
		StopBits: c.cfg.StopBits,
		Parity:   c.cfg.Parity,
		Timeout:  c.cfg.Timeout(),
	})
	if err != nil {
		logging.DebugConnectError("relay", c.cfg.Port, err)
		return &ConnectionError{Port: c.cfg.Port, Err: err}
	}

	logging.DebugConnect("relay", c.cfg.Port)
	c.port = port
	return nil
}

// Close closes the serial port. Safe to call on a client that never
// connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	logging.DebugDisconnect("relay", c.cfg.Port, "closed")
	return err
}

// ReadAllChannels reads the state of all 8 relay channels.
func (c *Client) ReadAllChannels() ([ChannelCount]bool, error) {
	var out [ChannelCount]bool
	states, err := c.ReadCoils(0, ChannelCount)
	if err != nil {
		return out, err
	}
	copy(out[:], states)
	return out, nil
}

// SetChannelState switches a single relay channel on or off. Channels are
// numbered 1..8 in the public API; the wire address is zero-based.
func (c *Client) SetChannelState(channel int, on bool) error {
	if channel < 1 || channel > ChannelCount {
		return &ArgumentError{
			Param:  "channel",
			Reason: fmt.Sprintf("%d out of range 1..%d", channel, ChannelCount),
		}
	}

	req := buildWriteSingleCoilRequest(c.cfg.SlaveAddress, uint16(channel-1), on)
	resp, err := c.transactFixed(req)
	if err != nil {
		return err
	}
	// The device echoes address and value of a successful single-coil write.
	if !bytes.Equal(resp[2:6], req[2:6]) {
		return &ProtocolError{Reason: fmt.Sprintf("write echo % x does not match request % x", resp[2:6], req[2:6])}
	}
	return nil
}

// SetAllChannels writes all 8 relay channels in one transaction.
func (c *Client) SetAllChannels(states []bool) error {
	if len(states) != ChannelCount {
		return &ArgumentError{
			Param:  "states",
			Reason: fmt.Sprintf("length %d, want exactly %d", len(states), ChannelCount),
		}
	}

	req := buildWriteMultipleCoilsRequest(c.cfg.SlaveAddress, 0, states)
	resp, err := c.transactFixed(req)
	if err != nil {
		return err
	}
	// Echo carries start address and coil count.
	if !bytes.Equal(resp[2:6], req[2:6]) {
		return &ProtocolError{Reason: fmt.Sprintf("write echo % x does not match request % x", resp[2:6], req[2:6])}
	}
	return nil
}

// ReadCoils reads count coils starting at start. count must be 1..2000.
func (c *Client) ReadCoils(start, count uint16) ([]bool, error) {
	if count < 1 || count > maxCoilCount {
		return nil, &ArgumentError{
			Param:  "count",
			Reason: fmt.Sprintf("%d out of range 1..%d", count, maxCoilCount),
		}
	}

	req := buildReadCoilsRequest(c.cfg.SlaveAddress, start, count)
	payload, err := c.transactRead(req, coilByteCount(int(count)))
	if err != nil {
		return nil, err
	}
	return unpackCoils(payload, int(count)), nil
}

// transactFixed sends a request whose response is the fixed 8-byte echo
// (function codes 0x05 and 0x0F). The first 5 bytes are read
// unconditionally because an exception response is only 5 bytes long; the
// remaining 3 arrive only for a success echo.
func (c *Client) transactFixed(req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(req); err != nil {
		return nil, err
	}

	resp := make([]byte, fixedResponseSize)
	if err := c.read(resp[:exceptionSize]); err != nil {
		return nil, err
	}
	if resp[1] == req[1]|exceptionFlag {
		resp = resp[:exceptionSize]
		logging.DebugRX("relay", resp)
		return nil, checkResponseFrame(req, resp)
	}
	if err := c.read(resp[exceptionSize:]); err != nil {
		return nil, err
	}

	logging.DebugRX("relay", resp)
	if err := checkResponseFrame(req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// transactRead sends a read request whose response length is only known
// after the 3-byte header (address, function, byte count) arrives.
// expectedBytes is the payload size implied by the requested coil count.
func (c *Client) transactRead(req []byte, expectedBytes int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(req); err != nil {
		return nil, err
	}

	header := make([]byte, readHeaderSize)
	if err := c.read(header); err != nil {
		return nil, err
	}

	if header[1] == req[1]|exceptionFlag {
		// header[2] already holds the exception code; only the CRC remains.
		resp := make([]byte, exceptionSize)
		copy(resp, header)
		if err := c.read(resp[readHeaderSize:]); err != nil {
			return nil, err
		}
		logging.DebugRX("relay", resp)
		return nil, checkResponseFrame(req, resp)
	}

	byteCount := int(header[2])
	if byteCount != expectedBytes {
		return nil, &ProtocolError{Reason: fmt.Sprintf("byte count %d, want %d", byteCount, expectedBytes)}
	}

	resp := make([]byte, readHeaderSize+byteCount+2)
	copy(resp, header)
	if err := c.read(resp[readHeaderSize:]); err != nil {
		return nil, err
	}

	logging.DebugRX("relay", resp)
	if err := checkResponseFrame(req, resp); err != nil {
		return nil, err
	}
	return resp[readHeaderSize : readHeaderSize+byteCount], nil
}

// send connects if necessary and writes the request. Caller must hold the
// mutex.
func (c *Client) send(req []byte) error {
	if !c.cfg.Enabled {
		return ErrDisabled
	}
	if err := c.connect(); err != nil {
		return err
	}
	logging.DebugTX("relay", req)
	if _, err := c.port.Write(req); err != nil {
		return c.classify(err, "write")
	}
	return nil
}

// read fills buf completely or fails. A stalled read surfaces as a
// TimeoutError; the partial frame is discarded, not buffered.
func (c *Client) read(buf []byte) error {
	if _, err := io.ReadFull(c.port, buf); err != nil {
		return c.classify(err, "read")
	}
	return nil
}

// classify maps transport errors onto the client's error taxonomy.
func (c *Client) classify(err error, op string) error {
	if errors.Is(err, os.ErrDeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		logging.DebugError("relay", op, err)
		return &TimeoutError{Op: op}
	}
	logging.DebugError("relay", op, err)
	return fmt.Errorf("relay: %s: %w", op, err)
}

// Enabled reports whether the relay section of the configuration is
// enabled.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}
