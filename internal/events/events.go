// Package events carries lifecycle and status notifications between the
// controller and whoever wants to observe it (UI stream, stats, logs).
package events

import (
	"context"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
)

const (
	TOPIC_STATE      string = "lifecycle.state"
	TOPIC_PERMISSION string = "lifecycle.permission"
	TOPIC_ERROR      string = "location.error"
)

// 2021-01-01 UTC, the epoch for monoton ids.
const initialTime uint64 = 1609459200000

type StateChange struct {
	From      string
	To        string
	Reason    string
	SessionID string
	At        time.Time
}

type PermissionChange struct {
	Status string
	At     time.Time
}

type LocationError struct {
	Err error
	At  time.Time
}

type Bus struct {
	b   *bus.Bus
	log log.Logger
}

func New(node uint64) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, initialTime)
	if err != nil {
		return nil, err
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TOPIC_STATE, TOPIC_PERMISSION, TOPIC_ERROR)
	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "events").Value()
	return o, nil
}

// Emit publishes data on topic. A nil Bus drops the event so components can
// run without an observer.
func (e *Bus) Emit(ctx context.Context, topic string, data interface{}) {
	if e == nil {
		return
	}
	err := e.b.Emit(ctx, topic, data)
	if err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}

// Handle registers fn for every topic matching matcher (a regexp).
func (e *Bus) Handle(key string, matcher string, fn func(ctx context.Context, ev bus.Event)) {
	e.b.RegisterHandler(key, bus.Handler{Handle: fn, Matcher: matcher})
}

func (e *Bus) Remove(key string) {
	e.b.DeregisterHandler(key)
}
