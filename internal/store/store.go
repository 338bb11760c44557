// Package store keeps a history of accepted samples. Implementations buffer
// and must not block the caller on I/O.
package store

import (
	"time"

	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/location"
)

type Store interface {
	Put(session string, s location.Sample, significant bool, srvt time.Time)
}

// Sink records every dispatched update into a Store.
type Sink struct {
	Store Store
}

func (s Sink) Deliver(u fanout.Update) error {
	s.Store.Put(u.SessionID, u.Sample, u.Significant, time.Now().UTC())
	return nil
}

func (s Sink) Name() string {
	return "history"
}
