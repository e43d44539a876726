package robotiq

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestCRC16KnownFrames(t *testing.T) {
	tests := []struct {
		frame string
		crc   string
	}{
		{"091003E8000306000000000000", "7330"},
		{"091003E8000306010000000000", "72E1"},
		{"090307D00003", "040E"},
		{"090407D00003", "B1CE"},
	}
	for _, tt := range tests {
		got := appendCRC(mustHex(t, tt.frame))
		assert.Equal(t, tt.frame+tt.crc, strings.ToUpper(hex.EncodeToString(got)))
		assert.NoError(t, checkCRC(got))
	}
}

func TestRequestFrames(t *testing.T) {
	assert.Equal(t, mustHex(t, "091003E80003060000000000007330"),
		writeRegistersRequest(9, 0x03E8, []uint16{0, 0, 0}))
	assert.Equal(t, mustHex(t, "090407D00003B1CE"), readInputRegistersRequest(9, 0x07D0, 3))
}

func TestCheckCRCMismatch(t *testing.T) {
	frame := mustHex(t, "090407D00003B1CF")
	assert.Error(t, checkCRC(frame))
}

func TestReadResponse(t *testing.T) {
	body := []byte{9, fcReadInputRegisters, 6, 0xF9, 0, 0, 0xFF, 0xFE, 0x10}
	frame := appendCRC(body)

	got, err := readResponse(bytes.NewReader(frame), 9, fcReadInputRegisters,
		func(n byte) int { return 1 + int(n) }, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadResponseException(t *testing.T) {
	frame := appendCRC([]byte{9, fcReadInputRegisters | fcExceptionFlag, 0x02})
	_, err := readResponse(bytes.NewReader(frame), 9, fcReadInputRegisters,
		func(n byte) int { return 1 + int(n) }, 100*time.Millisecond)

	var ex *ModbusException
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, byte(0x02), ex.Code)
}

// silentReader mimics a serial port read timeout.
type silentReader struct{}

func (silentReader) Read([]byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

func TestReadFullTimesOut(t *testing.T) {
	err := readFull(silentReader{}, make([]byte, 3), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrModbusTimeout)
}
