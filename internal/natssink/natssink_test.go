package natssink

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/location"
)

type fakePub struct {
	subjects []string
	data     [][]byte
	err      error
}

func (f *fakePub) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.data = append(f.data, data)
	return nil
}

func TestDeliverPublishesJSON(t *testing.T) {
	p := &fakePub{}
	s := New(p, "loctrack.location")
	err := s.Deliver(fanout.Update{
		Sample:      location.Sample{Latitude: 1, Longitude: 2, Timestamp: 3, Provider: location.ProviderGPS},
		Significant: true,
		SessionID:   "sess",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"loctrack.location"}, p.subjects)

	var m Message
	require.NoError(t, json.Unmarshal(p.data[0], &m))
	assert.Equal(t, Message{SessionID: "sess", Latitude: 1, Longitude: 2, Timestamp: 3, Provider: "gps", Significant: true}, m)
}

func TestPublishErrorWrapped(t *testing.T) {
	cause := errors.New("nats: connection closed")
	s := New(&fakePub{err: cause}, "x")
	err := s.Deliver(fanout.Update{})
	assert.ErrorIs(t, err, cause)
}

func TestOnlySignificantThroughFanout(t *testing.T) {
	f, err := fanout.New(&fanout.Config{}, nil)
	require.NoError(t, err)
	p := &fakePub{}
	f.Subscribe(New(p, "x"), fanout.SignificantOnly)
	f.Dispatch(fanout.Update{Significant: true})
	f.Dispatch(fanout.Update{Significant: false})
	assert.Len(t, p.data, 1)
}
