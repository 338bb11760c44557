package netsource

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout: 0x99, protocol, payload length (uint16 LE), payload, '\n'.
const (
	startByte  byte = 0x99
	endByte    byte = '\n'
	headerLen       = 4
	MaxPayload      = 4096
)

const (
	LOGIN           byte = 0x01
	LOCATION_UPDATE byte = 0x02
	PROVIDER_STATUS byte = 0x03
	LOCATION_ERROR  byte = 0x04
)

const (
	ACK_OK     byte = '+'
	ACK_REJECT byte = '-'
)

var (
	errBadFrame    = errors.New("bad frame")
	errBufferSmall = errors.New("buffer too small")
)

type FrameMessage struct {
	Length   int
	Protocol byte
	Payload  []byte
	Buffer   []byte
}

func NewFrameMessage() *FrameMessage {
	return &FrameMessage{Buffer: make([]byte, MaxPayload+headerLen+1)}
}

// ReadMessage reads one frame into msg.Buffer; msg.Payload aliases the
// buffer and is only valid until the next read.
func ReadMessage(r io.Reader, msg *FrameMessage) error {
	if len(msg.Buffer) < headerLen+1 {
		return errBufferSmall
	}
	_, err := io.ReadFull(r, msg.Buffer[:headerLen])
	if err != nil {
		return err
	}
	if msg.Buffer[0] != startByte {
		return errBadFrame
	}
	length := int(binary.LittleEndian.Uint16(msg.Buffer[2:4]))
	msg.Protocol = msg.Buffer[1]
	msg.Length = length + headerLen + 1
	if len(msg.Buffer) < msg.Length {
		return fmt.Errorf("%w: frame of %d bytes", errBufferSmall, msg.Length)
	}
	_, err = io.ReadFull(r, msg.Buffer[headerLen:msg.Length])
	if err != nil {
		return err
	}
	if msg.Buffer[msg.Length-1] != endByte {
		return errBadFrame
	}
	msg.Payload = msg.Buffer[headerLen : msg.Length-1]
	return nil
}

func EncodeFrame(protocol byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(payload), MaxPayload)
	}
	b := make([]byte, headerLen+len(payload)+1)
	b[0] = startByte
	b[1] = protocol
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(payload)))
	copy(b[headerLen:], payload)
	b[len(b)-1] = endByte
	return b, nil
}

func WriteMessage(w io.Writer, protocol byte, payload []byte) error {
	b, err := EncodeFrame(protocol, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
