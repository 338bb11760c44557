// Package natssink publishes accepted samples to a NATS subject for other
// services to consume.
package natssink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/fanout"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

type Message struct {
	SessionID   string  `json:"session_id"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Accuracy    float64 `json:"accuracy"`
	Altitude    float64 `json:"altitude"`
	Speed       float64 `json:"speed"`
	Heading     float64 `json:"heading"`
	Timestamp   int64   `json:"timestamp"`
	Provider    string  `json:"provider"`
	Significant bool    `json:"significant"`
}

type Sink struct {
	pub     Publisher
	subject string
}

func New(pub Publisher, subject string) *Sink {
	return &Sink{pub: pub, subject: subject}
}

func (s *Sink) Name() string {
	return "nats"
}

func (s *Sink) Deliver(u fanout.Update) error {
	d, err := json.Marshal(Message{
		SessionID:   u.SessionID,
		Latitude:    u.Sample.Latitude,
		Longitude:   u.Sample.Longitude,
		Accuracy:    u.Sample.Accuracy,
		Altitude:    u.Sample.Altitude,
		Speed:       u.Sample.Speed,
		Heading:     u.Sample.Heading,
		Timestamp:   u.Sample.Timestamp,
		Provider:    u.Sample.Provider.String(),
		Significant: u.Significant,
	})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(s.subject, d); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	return nil
}

// Connect dials url and keeps reconnecting for the life of the process.
func Connect(url string, name string) (*nats.Conn, error) {
	l := log.DefaultLogger
	l.Context = log.NewContext(nil).Str("module", "nats").Value()
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
}
