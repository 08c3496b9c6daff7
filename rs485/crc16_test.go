package rs485

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum16_KnownVectors(t *testing.T) {
	// CRC-16/ARC check value for the standard test string.
	assert.Equal(t, uint16(0xBB3D), Checksum16([]byte("123456789")))

	// Empty input yields the initial value.
	assert.Equal(t, uint16(0x0000), Checksum16(nil))
}

func TestAppendVerifyChecksum16(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0xAA, 0x55, 0xBB}

	buf := appendChecksum16(append([]byte(nil), data...))
	require.Len(t, buf, len(data)+crcSize)

	assert.True(t, verifyChecksum16(buf))

	// CRC is appended low byte first.
	crc := Checksum16(data)
	assert.Equal(t, byte(crc), buf[len(buf)-2])
	assert.Equal(t, byte(crc>>8), buf[len(buf)-1])
}

func TestVerifyChecksum16_Corruption(t *testing.T) {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	buf := appendChecksum16(data)

	for i := range buf {
		corrupted := append([]byte(nil), buf...)
		corrupted[i] ^= 0x01
		assert.False(t, verifyChecksum16(corrupted), "corruption at byte %d must be detected", i)
	}
}

func TestVerifyChecksum16_TooShort(t *testing.T) {
	assert.False(t, verifyChecksum16(nil))
	assert.False(t, verifyChecksum16([]byte{0x01}))
}
