// Package gt06 decodes the binary protocol spoken by GT06 and GK310 family
// vehicle trackers.
//
//	short: 78 78 | len(1) | proto | payload | serial(2) | crc(2) | 0d 0a
//	long:  79 79 | len(2) | proto | payload | serial(2) | crc(2) | 0d 0a
//
// len counts proto through crc. crc is CRC-16/X25 over len through serial.
package gt06

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	startShort byte = 0x78
	startLong  byte = 0x79
)

var (
	errBadFrame    = errors.New("bad gt06 frame")
	errBufferSmall = errors.New("buffer too small")
	errChecksum    = errors.New("gt06 checksum mismatch")
)

type Message struct {
	Extended bool
	Protocol byte
	Length   int
	Serial   int
	Payload  []byte
	Buffer   []byte
}

func NewMessage(bufsize int) *Message {
	return &Message{Buffer: make([]byte, bufsize)}
}

// IsStart reports whether b opens a gt06 frame.
func IsStart(b byte) bool {
	return b == startShort || b == startLong
}

// ReadMessage reads one frame into msg. Payload aliases msg.Buffer and is
// only valid until the next read.
func ReadMessage(r io.Reader, msg *Message) error {
	var length int
	var varBuf []byte
	var frameLength int

	if len(msg.Buffer) < 5 {
		return errBufferSmall
	}
	if _, err := io.ReadFull(r, msg.Buffer[:4]); err != nil {
		return err
	}
	switch {
	case msg.Buffer[0] == startShort && msg.Buffer[1] == startShort:
		length = int(msg.Buffer[2])
		varBuf = msg.Buffer[3:]
		frameLength = length + 5
		msg.Extended = false
	case msg.Buffer[0] == startLong && msg.Buffer[1] == startLong:
		length = int(binary.BigEndian.Uint16(msg.Buffer[2:4]))
		varBuf = msg.Buffer[4:]
		frameLength = length + 6
		msg.Extended = true
	default:
		return errBadFrame
	}
	// proto, serial and crc at least
	if length < 5 {
		return errBadFrame
	}
	if len(msg.Buffer) < frameLength {
		return errBufferSmall
	}
	if _, err := io.ReadFull(r, msg.Buffer[4:frameLength]); err != nil {
		return err
	}
	if msg.Buffer[frameLength-2] != 0x0D || msg.Buffer[frameLength-1] != 0x0A {
		return errBadFrame
	}
	crc := binary.BigEndian.Uint16(msg.Buffer[frameLength-4 : frameLength-2])
	if Checksum(msg.Buffer[2:frameLength-4]) != crc {
		return errChecksum
	}

	msg.Length = frameLength
	msg.Protocol = varBuf[0]
	msg.Payload = varBuf[1 : length-4]
	msg.Serial = int(binary.BigEndian.Uint16(varBuf[length-4 : length-2]))
	return nil
}

// NewFrame builds a short frame.
func NewFrame(protocol byte, payload []byte, serial int) []byte {
	lp := len(payload)
	lf := lp + 10
	frame := make([]byte, lf)
	frame[0] = startShort
	frame[1] = startShort
	frame[2] = byte(lp + 5)
	frame[3] = protocol
	copy(frame[4:], payload)
	binary.BigEndian.PutUint16(frame[lf-6:lf-4], uint16(serial))
	binary.BigEndian.PutUint16(frame[lf-4:lf-2], Checksum(frame[2:lf-4]))
	frame[lf-2] = 0x0d
	frame[lf-1] = 0x0a
	return frame
}

// Checksum is CRC-16/X25.
func Checksum(d []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range d {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
