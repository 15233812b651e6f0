package relay

import (
	"errors"
	"fmt"
)

// ErrDisabled is returned by all bus operations when the relay section of
// the configuration is disabled.
var ErrDisabled = errors.New("relay: disabled by configuration")

// ArgumentError reports an out-of-range channel index, coil count, or
// wrong-sized state array. It is raised before any I/O happens and is never
// retryable.
type ArgumentError struct {
	Param  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("relay: argument %s: %s", e.Param, e.Reason)
}

// ProtocolError reports a corrupted or inconsistent response frame: CRC
// mismatch, unexpected slave address or function code, or a malformed byte
// count. The frame is discarded, never reinterpreted.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "relay: protocol error: " + e.Reason
}

// DeviceError reports an exception response from the relay module
// (function code with the high bit set, followed by the device's exception
// code).
type DeviceError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *DeviceError) Error() string {
	var name string
	switch e.ExceptionCode {
	case 1:
		name = "illegal function"
	case 2:
		name = "illegal data address"
	case 3:
		name = "illegal data value"
	case 4:
		name = "device failure"
	case 6:
		name = "device busy"
	default:
		name = fmt.Sprintf("exception code %d", e.ExceptionCode)
	}
	return fmt.Sprintf("relay: device exception on function 0x%02X: %s", e.FunctionCode, name)
}

// TimeoutError reports a blocking read that exceeded the configured
// transaction timeout. The partial frame is discarded; the caller decides
// whether to retry.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("relay: timeout during %s", e.Op)
}

// ConnectionError reports a serial port that could not be opened.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay: could not open %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an error is a transient transport condition
// (timeout or connection failure) rather than a protocol or caller error.
// Protocol-level corruption is never retried automatically.
func IsRetryable(err error) bool {
	var te *TimeoutError
	var ce *ConnectionError
	return errors.As(err, &te) || errors.As(err, &ce)
}
