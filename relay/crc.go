package relay

// crc16 computes the relay-bus checksum over data: CRC-16 with polynomial
// 0xA001, initial value 0xFFFF, reflected, no final XOR.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the checksum of frame to frame itself, low byte first.
func appendCRC(frame []byte) []byte {
	sum := crc16(frame)
	return append(frame, byte(sum), byte(sum>>8))
}

// validCRC reports whether the trailing two bytes of frame match the
// checksum of the preceding bytes. Fails closed: frames too short to carry
// a checksum are invalid.
func validCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	sum := crc16(frame[:len(frame)-2])
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	return sum == got
}
