package gateway

import (
	"fmt"
	"unicode"
)

// EncodeBitString renders data as an ASCII '0'/'1' string, most significant
// bit of each byte first, padded with '0' or truncated to exactly bitLen
// characters.
func EncodeBitString(data []byte, bitLen int) string {
	out := make([]byte, bitLen)
	for i := 0; i < bitLen; i++ {
		out[i] = '0'
		if i/8 < len(data) && data[i/8]&(1<<(7-i%8)) != 0 {
			out[i] = '1'
		}
	}
	return string(out)
}

// DecodeBitString parses an ASCII bit-string into a bool vector. Whitespace
// is skipped; any other character besides '0' and '1' aborts the decode so
// that a corrupted message never causes a partial write.
func DecodeBitString(text string) ([]bool, error) {
	bits := make([]bool, 0, len(text))
	for _, r := range text {
		switch {
		case r == '0':
			bits = append(bits, false)
		case r == '1':
			bits = append(bits, true)
		case unicode.IsSpace(r):
		default:
			return nil, fmt.Errorf("gateway: invalid character %q in bit-string", r)
		}
	}
	return bits, nil
}

// packBitsMSB packs a bit vector into byteLen bytes using the transport
// convention: bit i lands in the most significant free position of byte
// i/8. Excess bits are dropped, missing bits read as zero.
func packBitsMSB(bits []bool, byteLen int) []byte {
	buf := make([]byte, byteLen)
	for i, on := range bits {
		if i/8 >= byteLen {
			break
		}
		if on {
			buf[i/8] |= 1 << (7 - i%8)
		}
	}
	return buf
}

// packBitsLSB packs a bit vector into bytes using the controller write
// convention: bit i is the i%8'th least significant bit of byte i/8.
func packBitsLSB(bits []bool) []byte {
	buf := make([]byte, (len(bits)+7)/8)
	for i, on := range bits {
		if on {
			buf[i/8] |= 1 << (i % 8)
		}
	}
	return buf
}
