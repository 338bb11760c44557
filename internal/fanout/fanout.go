// Package fanout broadcasts accepted samples to a dynamic set of sinks. A
// failing sink is logged and skipped; it never stops delivery to the others
// and never reaches the dispatcher.
package fanout

import (
	"errors"
	"fmt"
	"sync"

	"github.com/phuslu/log"
	hashids "github.com/speps/go-hashids/v2"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/metrics"
)

type Policy int

const (
	// Always delivers every accepted sample.
	Always Policy = iota
	// SignificantOnly delivers only samples tagged as a significant change.
	SignificantOnly
)

type Update struct {
	Sample      location.Sample
	Significant bool
	SessionID   string
}

type Sink interface {
	Deliver(u Update) error
	Name() string
}

// Closer is implemented by sinks that can go away on their own, e.g. a UI
// stream whose peer disconnected. Closed sinks are pruned on dispatch.
type Closer interface {
	Closed() bool
}

// StatusSink receives non-location status records (started, stopped,
// authorization changes, provider errors).
type StatusSink interface {
	Status(st Status) error
}

type Status struct {
	Status              string `json:"status"`
	Message             string `json:"message,omitempty"`
	AuthorizationStatus string `json:"authorizationStatus,omitempty"`
	Error               string `json:"error,omitempty"`
}

type Config struct {
	Salt string
}

var errSinkPanic = errors.New("sink panicked")

type entry struct {
	key    string
	sink   Sink
	policy Policy
}

type Fanout struct {
	mu      sync.Mutex
	list    map[string]entry
	seq     int64
	ids     *hashids.HashID
	log     log.Logger
	metrics *metrics.Metrics
}

func New(config *Config, m *metrics.Metrics) (*Fanout, error) {
	hd := hashids.NewData()
	hd.Salt = config.Salt
	hd.MinLength = 6
	ids, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	f := &Fanout{}
	f.list = make(map[string]entry)
	f.ids = ids
	f.metrics = m
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "fanout").Value()
	return f, nil
}

// Subscribe registers sink and returns the key to unsubscribe it with.
func (f *Fanout) Subscribe(sink Sink, policy Policy) string {
	f.mu.Lock()
	f.seq++
	key, err := f.ids.EncodeInt64([]int64{f.seq})
	if err != nil {
		key = fmt.Sprintf("sink-%d", f.seq)
	}
	f.list[key] = entry{key: key, sink: sink, policy: policy}
	n := len(f.list)
	f.mu.Unlock()
	f.metrics.Sinks(n)
	f.log.Debug().Str("key", key).Str("sink", sink.Name()).Int("sinks", n).Msg("sink subscribed")
	return key
}

func (f *Fanout) Unsubscribe(key string) bool {
	f.mu.Lock()
	_, ok := f.list[key]
	delete(f.list, key)
	n := len(f.list)
	f.mu.Unlock()
	if ok {
		f.metrics.Sinks(n)
		f.log.Debug().Str("key", key).Int("sinks", n).Msg("sink unsubscribed")
	}
	return ok
}

func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.list)
}

func (f *Fanout) snapshot() []entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entry, 0, len(f.list))
	for _, e := range f.list {
		out = append(out, e)
	}
	return out
}

// Dispatch delivers u to every sink whose policy admits it. Sinks are called
// outside the registry lock, so a sink may unsubscribe itself.
func (f *Fanout) Dispatch(u Update) {
	var closed []string
	for _, e := range f.snapshot() {
		if c, ok := e.sink.(Closer); ok && c.Closed() {
			closed = append(closed, e.key)
			continue
		}
		if e.policy == SignificantOnly && !u.Significant {
			continue
		}
		err := f.deliver(e, u)
		if err != nil {
			f.log.Error().Err(err).Str("key", e.key).Str("sink", e.sink.Name()).EmbedObject(u.Sample).Msg("sink delivery failed")
			if errors.Is(err, errSinkPanic) {
				f.metrics.Delivery(e.sink.Name(), "panic")
			} else {
				f.metrics.Delivery(e.sink.Name(), "error")
			}
			continue
		}
		f.metrics.Delivery(e.sink.Name(), "ok")
	}
	f.prune(closed)
}

// Broadcast sends a status record to every sink that accepts one.
func (f *Fanout) Broadcast(st Status) {
	var closed []string
	for _, e := range f.snapshot() {
		ss, ok := e.sink.(StatusSink)
		if !ok {
			continue
		}
		if c, ok := e.sink.(Closer); ok && c.Closed() {
			closed = append(closed, e.key)
			continue
		}
		err := f.status(ss, st)
		if err != nil {
			f.log.Error().Err(err).Str("key", e.key).Str("sink", e.sink.Name()).Str("status", st.Status).Msg("status delivery failed")
		}
	}
	f.prune(closed)
}

func (f *Fanout) prune(keys []string) {
	for _, k := range keys {
		f.Unsubscribe(k)
	}
}

func (f *Fanout) deliver(e entry, u Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSinkPanic, r)
		}
	}()
	return e.sink.Deliver(u)
}

func (f *Fanout) status(ss StatusSink, st Status) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSinkPanic, r)
		}
	}()
	return ss.Status(st)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc struct {
	Kind string
	Fn   func(u Update) error
}

func (s SinkFunc) Deliver(u Update) error {
	return s.Fn(u)
}

func (s SinkFunc) Name() string {
	return s.Kind
}
