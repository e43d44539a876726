package robotiq

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
)

const (
	fcReadInputRegisters     = 0x04
	fcWriteMultipleRegisters = 0x10
	fcExceptionFlag          = 0x80
)

// ErrModbusTimeout is returned when the slave does not answer within the read timeout.
var ErrModbusTimeout = errors.New("modbus: response timeout")

// ModbusException is a Modbus exception response.
type ModbusException struct {
	Function byte
	Code     byte
}

func (e *ModbusException) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02X for function 0x%02X", e.Code, e.Function)
}

// crc16 is the Modbus RTU CRC (poly 0xA001 reflected, init 0xFFFF).
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

// appendCRC appends the CRC low byte first.
func appendCRC(frame []byte) []byte {
	crc := crc16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

func checkCRC(frame []byte) error {
	if len(frame) < 4 {
		return errors.New("modbus: short frame")
	}
	body := frame[:len(frame)-2]
	want := crc16(body)
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if want != got {
		return errors.Errorf("modbus: crc mismatch, got %04X want %04X", got, want)
	}
	return nil
}

func writeRegistersRequest(slave byte, addr uint16, regs []uint16) []byte {
	frame := []byte{slave, fcWriteMultipleRegisters, 0, 0, 0, 0, byte(len(regs) * 2)}
	binary.BigEndian.PutUint16(frame[2:], addr)
	binary.BigEndian.PutUint16(frame[4:], uint16(len(regs)))
	for _, r := range regs {
		frame = binary.BigEndian.AppendUint16(frame, r)
	}
	return appendCRC(frame)
}

func readInputRegistersRequest(slave byte, addr, count uint16) []byte {
	frame := []byte{slave, fcReadInputRegisters, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(frame[2:], addr)
	binary.BigEndian.PutUint16(frame[4:], count)
	return appendCRC(frame)
}

// readFull reads len(buf) bytes. Serial ports report a read timeout as (0, nil), which
// io.ReadFull would spin on.
func readFull(r io.Reader, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if err != nil {
			return err
		}
		if n == 0 && time.Now().After(deadline) {
			return ErrModbusTimeout
		}
	}
	return nil
}

// readResponse reads one RTU response to function fc. bodyLen returns the number of bytes
// that follow the two header bytes (slave, function) excluding the CRC, given the third
// byte of the frame.
func readResponse(r io.Reader, slave, fc byte, bodyLen func(third byte) int, timeout time.Duration) ([]byte, error) {
	head := make([]byte, 3)
	if err := readFull(r, head, timeout); err != nil {
		return nil, err
	}
	if head[0] != slave {
		return nil, errors.Errorf("modbus: reply from slave %d, want %d", head[0], slave)
	}
	if head[1] == fc|fcExceptionFlag {
		rest := make([]byte, 2)
		if err := readFull(r, rest, timeout); err != nil {
			return nil, err
		}
		frame := append(head, rest...)
		if err := checkCRC(frame); err != nil {
			return nil, err
		}
		return nil, &ModbusException{Function: fc, Code: head[2]}
	}
	if head[1] != fc {
		return nil, errors.Errorf("modbus: reply function 0x%02X, want 0x%02X", head[1], fc)
	}
	rest := make([]byte, bodyLen(head[2])-1+2)
	if err := readFull(r, rest, timeout); err != nil {
		return nil, err
	}
	frame := append(head, rest...)
	if err := checkCRC(frame); err != nil {
		return nil, err
	}
	return frame[:len(frame)-2], nil
}
