// Package wakelock implements the continuation-guarantee resource: a lease
// that keeps the process doing background work for a bounded duration.
package wakelock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

const DefaultDuration = 10 * time.Minute

type Lock struct {
	mu       sync.Mutex
	name     string
	dur      time.Duration
	held     bool
	gen      uint64
	timer    *time.Timer
	log      log.Logger
	acquired uint64
	released uint64
	expired  uint64
}

func New(name string, dur time.Duration) *Lock {
	l := &Lock{}
	l.name = name
	l.dur = dur
	if l.dur <= 0 {
		l.dur = DefaultDuration
	}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "wakelock").Str("lock", name).Value()
	return l
}

// Acquire takes the lease for the configured duration. It returns false and
// does nothing if the lease is already held.
func (l *Lock) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		l.log.Debug().Msg("wake lock already held")
		return false
	}
	l.held = true
	l.gen++
	gen := l.gen
	l.timer = time.AfterFunc(l.dur, func() { l.expire(gen) })
	atomic.AddUint64(&l.acquired, 1)
	l.log.Info().Dur("duration", l.dur).Msg("wake lock acquired")
	return true
}

// Release gives the lease back. It returns false if it was not held, either
// because it was never taken or because it already expired.
func (l *Lock) Release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return false
	}
	l.held = false
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	atomic.AddUint64(&l.released, 1)
	l.log.Info().Msg("wake lock released")
	return true
}

func (l *Lock) expire(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.gen != gen {
		return
	}
	l.held = false
	l.timer = nil
	atomic.AddUint64(&l.expired, 1)
	l.log.Warn().Dur("duration", l.dur).Msg("wake lock expired")
}

func (l *Lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

type Stats struct {
	Acquired uint64 `json:"acquired"`
	Released uint64 `json:"released"`
	Expired  uint64 `json:"expired"`
}

func (l *Lock) Stats() Stats {
	return Stats{
		Acquired: atomic.LoadUint64(&l.acquired),
		Released: atomic.LoadUint64(&l.released),
		Expired:  atomic.LoadUint64(&l.expired),
	}
}
