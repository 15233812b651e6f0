package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCRC16KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"check string", []byte("123456789"), 0x4B37},
		{"read holding registers", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, 0xCDC5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, crc16(tt.data))
		})
	}
}

func TestAppendCRCLittleEndian(t *testing.T) {
	frame := appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	// Low byte first on the wire.
	assert.Equal(t, byte(0xC5), frame[len(frame)-2])
	assert.Equal(t, byte(0xCD), frame[len(frame)-1])
	assert.True(t, validCRC(frame))
}

func TestValidCRCRejectsShortFrames(t *testing.T) {
	assert.False(t, validCRC(nil))
	assert.False(t, validCRC([]byte{0x01}))
	assert.False(t, validCRC([]byte{0x01, 0x02, 0x03}))
}

// Round-trip property: any frame with its checksum appended validates, and
// flipping any single bit anywhere in the frame makes validation fail.
func TestCRCRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 2, 64).Draw(t, "data")
		frame := appendCRC(append([]byte(nil), data...))
		if !validCRC(frame) {
			t.Fatalf("frame with appended crc must validate: % x", frame)
		}

		bit := rapid.IntRange(0, len(frame)*8-1).Draw(t, "bit")
		frame[bit/8] ^= 1 << (bit % 8)
		if validCRC(frame) {
			t.Fatalf("single bit flip at %d must invalidate: % x", bit, frame)
		}
	})
}

// Pack/unpack inverse property for coil state vectors.
func TestCoilPackUnpackProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		states := rapid.SliceOfN(rapid.Bool(), 1, 64).Draw(t, "states")
		got := unpackCoils(packCoils(states), len(states))
		if len(got) != len(states) {
			t.Fatalf("length mismatch: %d != %d", len(got), len(states))
		}
		for i := range states {
			if got[i] != states[i] {
				t.Fatalf("coil %d: %v != %v", i, got[i], states[i])
			}
		}
	})
}

func TestPackCoilsLSBFirst(t *testing.T) {
	// Channel 0 maps to the least significant bit.
	packed := packCoils([]bool{true, false, true, false, false, true, false, true})
	assert.Equal(t, []byte{0xA5}, packed)
}
