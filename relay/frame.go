package relay

import (
	"encoding/binary"
	"fmt"
)

// Function codes used by the relay module.
const (
	FuncReadCoils          = 0x01
	FuncWriteSingleCoil    = 0x05
	FuncWriteMultipleCoils = 0x0F
)

const (
	// exceptionFlag is set on the function code byte of an exception
	// response; the following byte is the device exception code.
	exceptionFlag = 0x80

	// exceptionSize is the total size of an exception response:
	// address, function|0x80, exception code, CRC.
	exceptionSize = 5

	// fixedResponseSize is the size of the echo response to the write
	// function codes: address, function, 4 payload bytes, CRC.
	fixedResponseSize = 8

	// readHeaderSize covers address, function code, and byte count; the
	// remaining response length is only known once the byte count arrives.
	readHeaderSize = 3

	maxCoilCount = 2000
)

// Write-single-coil wire values.
const (
	coilOn  = 0xFF00
	coilOff = 0x0000
)

// buildReadCoilsRequest encodes a function 0x01 request for count coils
// starting at start. Addresses and counts are big-endian.
func buildReadCoilsRequest(slave byte, start, count uint16) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = slave
	frame[1] = FuncReadCoils
	binary.BigEndian.PutUint16(frame[2:], start)
	binary.BigEndian.PutUint16(frame[4:], count)
	return appendCRC(frame)
}

// buildWriteSingleCoilRequest encodes a function 0x05 request setting the
// coil at addr to on (0xFF00) or off (0x0000).
func buildWriteSingleCoilRequest(slave byte, addr uint16, on bool) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = slave
	frame[1] = FuncWriteSingleCoil
	binary.BigEndian.PutUint16(frame[2:], addr)
	if on {
		binary.BigEndian.PutUint16(frame[4:], coilOn)
	} else {
		binary.BigEndian.PutUint16(frame[4:], coilOff)
	}
	return appendCRC(frame)
}

// buildWriteMultipleCoilsRequest encodes a function 0x0F request writing
// len(states) coils starting at start, bit-packed LSB-first.
func buildWriteMultipleCoilsRequest(slave byte, start uint16, states []bool) []byte {
	packed := packCoils(states)
	frame := make([]byte, 7, 7+len(packed)+2)
	frame[0] = slave
	frame[1] = FuncWriteMultipleCoils
	binary.BigEndian.PutUint16(frame[2:], start)
	binary.BigEndian.PutUint16(frame[4:], uint16(len(states)))
	frame[6] = byte(len(packed))
	frame = append(frame, packed...)
	return appendCRC(frame)
}

// packCoils packs a state vector into bytes, LSB-first within each byte
// (bit 0 of byte 0 is coil 0).
func packCoils(states []bool) []byte {
	packed := make([]byte, (len(states)+7)/8)
	for i, on := range states {
		if on {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// unpackCoils expands count coils from a bit-packed payload, LSB-first.
func unpackCoils(data []byte, count int) []bool {
	states := make([]bool, count)
	for i := range states {
		states[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return states
}

// coilByteCount is the number of payload bytes carrying count packed coils.
func coilByteCount(count int) int {
	return (count + 7) / 8
}

// checkResponseFrame validates the parts common to every response: CRC,
// slave address, and function code against the request. An exception
// response becomes a DeviceError. The returned error is always nil for a
// well-formed echo of the request's function code.
func checkResponseFrame(req, resp []byte) error {
	if !validCRC(resp) {
		return &ProtocolError{Reason: fmt.Sprintf("crc mismatch in response % x", resp)}
	}
	if resp[0] != req[0] {
		return &ProtocolError{Reason: fmt.Sprintf("response address %d does not match request %d", resp[0], req[0])}
	}
	if resp[1] == req[1]|exceptionFlag {
		return &DeviceError{FunctionCode: req[1], ExceptionCode: resp[2]}
	}
	if resp[1] != req[1] {
		return &ProtocolError{Reason: fmt.Sprintf("response function 0x%02X does not match request 0x%02X", resp[1], req[1])}
	}
	return nil
}
