package netsource

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, LOCATION_UPDATE, []byte(`{"latitude":1}`)))
	require.NoError(t, WriteMessage(&buf, LOGIN, nil))

	msg := NewFrameMessage()
	require.NoError(t, ReadMessage(&buf, msg))
	assert.Equal(t, LOCATION_UPDATE, msg.Protocol)
	assert.Equal(t, `{"latitude":1}`, string(msg.Payload))
	assert.Equal(t, len(`{"latitude":1}`)+5, msg.Length)

	require.NoError(t, ReadMessage(&buf, msg))
	assert.Equal(t, LOGIN, msg.Protocol)
	assert.Empty(t, msg.Payload)

	assert.ErrorIs(t, ReadMessage(&buf, msg), io.EOF)
}

func TestFrameLayout(t *testing.T) {
	b, err := EncodeFrame(0x02, []byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x99, 0x02, 0x02, 0x00, 'a', 'b', '\n'}, b)
}

func TestBadFrames(t *testing.T) {
	msg := NewFrameMessage()
	assert.ErrorIs(t, ReadMessage(bytes.NewReader([]byte{0x98, 0x01, 0x00, 0x00, '\n'}), msg), errBadFrame)
	assert.ErrorIs(t, ReadMessage(bytes.NewReader([]byte{0x99, 0x01, 0x01, 0x00, 'x', 'x'}), msg), errBadFrame)
	assert.ErrorIs(t, ReadMessage(bytes.NewReader([]byte{0x99, 0x01, 0xff, 0xff}), msg), errBufferSmall)
	assert.ErrorIs(t, ReadMessage(bytes.NewReader([]byte{0x99, 0x01, 0x05, 0x00, 'x'}), msg), io.ErrUnexpectedEOF)

	_, err := EncodeFrame(LOCATION_UPDATE, make([]byte, MaxPayload+1))
	assert.Error(t, err)
}
