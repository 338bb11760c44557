package netsource

import (
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/loctrack/internal/source/netsource/gt06"
)

func readGT06(t *testing.T, c net.Conn) *gt06.Message {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(time.Second))
	msg := gt06.NewMessage(256)
	require.NoError(t, gt06.ReadMessage(c, msg))
	return msg
}

func TestGT06Tracker(t *testing.T) {
	s, addr := startServer(t, &ServerConfig{})
	got := &received{}
	s.Subscribe(got.add)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	loginFrame, _ := hex.DecodeString("78780D01012345678901234500018CDD0D0A")
	_, err = c.Write(loginFrame)
	require.NoError(t, err)
	ack := readGT06(t, c)
	assert.Equal(t, gt06.LOGIN, ack.Protocol)
	assert.Equal(t, 1, ack.Serial)

	_, err = c.Write(gt06.NewFrame(gt06.STATUS_INFORMATION, []byte{0x44, 0x06, 0x04, 0x00, 0x02}, 2))
	require.NoError(t, err)
	ack = readGT06(t, c)
	assert.Equal(t, gt06.STATUS_INFORMATION, ack.Protocol)
	assert.Equal(t, 2, ack.Serial)

	_, err = c.Write(gt06.NewFrame(gt06.TIME_CHECK, nil, 3))
	require.NoError(t, err)
	ack = readGT06(t, c)
	assert.Equal(t, gt06.TIME_CHECK, ack.Protocol)
	assert.Len(t, ack.Payload, 6)

	gps, _ := hex.DecodeString("0B081D112E10CF027AC7EB0C46584900148F01CC00287D001FB8")
	_, err = c.Write(gt06.NewFrame(gt06.GPS, gps, 4))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 23.111668, got.at(0).Latitude, 1e-6)
	assert.InDelta(t, 114.409285, got.at(0).Longitude, 1e-6)

	// same packet without a gps fix
	gps[16] &^= 0b00010000
	_, err = c.Write(gt06.NewFrame(gt06.GPS, gps, 5))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Invalid == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, got.len())
}

func TestGT06LoginRequired(t *testing.T) {
	_, addr := startServer(t, &ServerConfig{})
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write(gt06.NewFrame(gt06.STATUS_INFORMATION, []byte{0, 0, 0, 0, 0}, 1))
	require.NoError(t, err)
	c.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
