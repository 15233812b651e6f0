package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/config"
)

// fakePort scripts responses for a serial round-trip and asserts that a new
// request is never written while a previous response is still unread.
type fakePort struct {
	t       *testing.T
	mu      sync.Mutex
	handler func(req []byte) []byte
	pending []byte
	writes  [][]byte
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 {
		p.t.Errorf("request % x sent while %d response bytes unread", b, len(p.pending))
	}
	req := append([]byte(nil), b...)
	p.writes = append(p.writes, req)
	if p.handler != nil {
		p.pending = p.handler(req)
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, errors.New("read timeout")
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) requests() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func newTestClient(t *testing.T, handler func(req []byte) []byte) (*Client, *fakePort) {
	cfg := &config.RelayConfig{
		Enabled:      true,
		Port:         "test",
		BaudRate:     9600,
		DataBits:     8,
		StopBits:     1,
		Parity:       "N",
		SlaveAddress: 1,
		TimeoutMS:    100,
	}
	port := &fakePort{t: t, handler: handler}
	c := NewClient(cfg)
	c.port = port
	return c, port
}

// echoHandler returns the request unchanged, as the device does for a
// successful single-coil write.
func echoHandler(req []byte) []byte {
	return append([]byte(nil), req...)
}

// coilReadHandler serves a function 0x01 response with the given bitfield.
func coilReadHandler(bitfield byte) func(req []byte) []byte {
	return func(req []byte) []byte {
		return appendCRC([]byte{req[0], FuncReadCoils, 0x01, bitfield})
	}
}

func TestReadAllChannels(t *testing.T) {
	c, port := newTestClient(t, coilReadHandler(0xA5))

	states, err := c.ReadAllChannels()
	require.NoError(t, err)
	assert.Equal(t, [8]bool{true, false, true, false, false, true, false, true}, states)

	reqs := port.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, appendCRC([]byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x08}), reqs[0])
}

func TestSetChannelStateBounds(t *testing.T) {
	c, port := newTestClient(t, echoHandler)

	var argErr *ArgumentError
	assert.ErrorAs(t, c.SetChannelState(0, true), &argErr)
	assert.ErrorAs(t, c.SetChannelState(9, true), &argErr)
	// Rejected before any I/O.
	assert.Empty(t, port.requests())

	require.NoError(t, c.SetChannelState(1, true))
	require.NoError(t, c.SetChannelState(8, true))

	reqs := port.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, appendCRC([]byte{0x01, 0x05, 0x00, 0x00, 0xFF, 0x00}), reqs[0])
	assert.Equal(t, appendCRC([]byte{0x01, 0x05, 0x00, 0x07, 0xFF, 0x00}), reqs[1])
}

func TestSetChannelStateOffValue(t *testing.T) {
	c, port := newTestClient(t, echoHandler)

	require.NoError(t, c.SetChannelState(3, false))

	reqs := port.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, appendCRC([]byte{0x01, 0x05, 0x00, 0x02, 0x00, 0x00}), reqs[0])
}

func TestSetAllChannels(t *testing.T) {
	c, port := newTestClient(t, func(req []byte) []byte {
		// Echo of address, function, start, and count.
		return appendCRC(append([]byte(nil), req[:6]...))
	})

	var argErr *ArgumentError
	assert.ErrorAs(t, c.SetAllChannels([]bool{true, false}), &argErr)

	states := []bool{true, false, true, false, false, true, false, true}
	require.NoError(t, c.SetAllChannels(states))

	reqs := port.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, appendCRC([]byte{0x01, 0x0F, 0x00, 0x00, 0x00, 0x08, 0x01, 0xA5}), reqs[0])
}

func TestReadCoilsCountBounds(t *testing.T) {
	c, _ := newTestClient(t, nil)

	var argErr *ArgumentError
	_, err := c.ReadCoils(0, 0)
	assert.ErrorAs(t, err, &argErr)
	_, err = c.ReadCoils(0, 2001)
	assert.ErrorAs(t, err, &argErr)
}

func TestCorruptResponseCRC(t *testing.T) {
	c, _ := newTestClient(t, func(req []byte) []byte {
		resp := appendCRC([]byte{req[0], FuncReadCoils, 0x01, 0xA5})
		resp[3] ^= 0x01 // corrupt payload after checksum computed
		return resp
	})

	var protoErr *ProtocolError
	_, err := c.ReadAllChannels()
	assert.ErrorAs(t, err, &protoErr)
}

func TestAddressMismatch(t *testing.T) {
	c, _ := newTestClient(t, func(req []byte) []byte {
		return appendCRC([]byte{0x02, FuncReadCoils, 0x01, 0xA5})
	})

	var protoErr *ProtocolError
	_, err := c.ReadAllChannels()
	assert.ErrorAs(t, err, &protoErr)
}

func TestByteCountMismatch(t *testing.T) {
	c, _ := newTestClient(t, func(req []byte) []byte {
		return appendCRC([]byte{req[0], FuncReadCoils, 0x02, 0xA5, 0x00})
	})

	var protoErr *ProtocolError
	_, err := c.ReadAllChannels()
	assert.ErrorAs(t, err, &protoErr)
}

func TestDeviceException(t *testing.T) {
	c, _ := newTestClient(t, func(req []byte) []byte {
		return appendCRC([]byte{req[0], req[1] | 0x80, 0x02})
	})

	var devErr *DeviceError
	_, err := c.ReadAllChannels()
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, byte(FuncReadCoils), devErr.FunctionCode)
	assert.Equal(t, byte(0x02), devErr.ExceptionCode)

	err = c.SetChannelState(1, true)
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, byte(FuncWriteSingleCoil), devErr.FunctionCode)
}

func TestResponseTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(req []byte) []byte {
		return nil // device never answers
	})

	var timeoutErr *TimeoutError
	_, err := c.ReadAllChannels()
	require.ErrorAs(t, err, &timeoutErr)
	assert.True(t, IsRetryable(err))
}

func TestProtocolErrorsNotRetryable(t *testing.T) {
	assert.False(t, IsRetryable(&ProtocolError{Reason: "crc"}))
	assert.False(t, IsRetryable(&ArgumentError{Param: "channel"}))
	assert.False(t, IsRetryable(&DeviceError{}))
	assert.True(t, IsRetryable(&TimeoutError{Op: "read"}))
	assert.True(t, IsRetryable(&ConnectionError{Port: "test"}))
}

func TestDisabledClientRefusesIO(t *testing.T) {
	cfg := &config.RelayConfig{Enabled: false, SlaveAddress: 1}
	c := NewClient(cfg)

	_, err := c.ReadAllChannels()
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, c.SetChannelState(1, true), ErrDisabled)
}

// Concurrent operations must not interleave request/response pairs on the
// wire; fakePort fails the test if a request arrives mid-transaction.
func TestSerializedBusAccess(t *testing.T) {
	c, port := newTestClient(t, func(req []byte) []byte {
		switch req[1] {
		case FuncReadCoils:
			return appendCRC([]byte{req[0], FuncReadCoils, 0x01, 0x00})
		default:
			return append([]byte(nil), req...)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := c.ReadAllChannels()
				assert.NoError(t, err)
			} else {
				assert.NoError(t, c.SetChannelState(1+i%8, i%3 == 0))
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, port.requests(), 20)
}
