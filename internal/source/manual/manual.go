// Package manual is an in-process location source. Samples are pushed by
// the caller, or replayed from a slice at a fixed pace.
package manual

import (
	"context"
	"sync"
	"time"

	"nuha.dev/loctrack/internal/location"
)

type Source struct {
	*location.Gate

	// dmu keeps callbacks one at a time, like a platform location thread.
	dmu    sync.Mutex
	mu     sync.Mutex
	subs   map[location.Handle]location.Callback
	next   location.Handle
	errFns []func(error)
}

func New(status location.PermissionStatus) *Source {
	return &Source{
		Gate: location.NewGate(status, true, true),
		subs: make(map[location.Handle]location.Callback),
	}
}

func (s *Source) Subscribe(cb location.Callback) (location.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.subs[s.next] = cb
	return s.next, nil
}

func (s *Source) Unsubscribe(h location.Handle) {
	s.mu.Lock()
	delete(s.subs, h)
	s.mu.Unlock()
}

func (s *Source) OnError(fn func(error)) {
	s.mu.Lock()
	s.errFns = append(s.errFns, fn)
	s.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (s *Source) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Push delivers sample to every subscriber. Samples are dropped while
// permission is not granted or their provider is disabled.
func (s *Source) Push(sample location.Sample) {
	if !s.Accepts(sample.Provider) {
		return
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	for _, cb := range s.callbacks() {
		cb(sample)
	}
}

// Fail reports a provider error to the registered error handlers.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	fns := append([]func(error){}, s.errFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Replay pushes samples one every interval until done or ctx is cancelled.
func (s *Source) Replay(ctx context.Context, samples []location.Sample, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for _, sample := range samples {
		s.Push(sample)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (s *Source) callbacks() []location.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]location.Callback, 0, len(s.subs))
	for _, cb := range s.subs {
		out = append(out, cb)
	}
	return out
}
