// Package filter decides whether an incoming sample is a significant change
// relative to the last accepted one. Every sample is accepted; significance
// only gates the expensive consumers downstream.
package filter

import (
	"errors"
	"sync"
	"time"

	"nuha.dev/loctrack/internal/location"
)

type Strategy int

const (
	StrategyDistance Strategy = iota
	StrategyInterval
)

const (
	DefaultThreshold = 100.0
	DefaultInterval  = time.Second
)

var errUnknownStrategy = errors.New("unknown filter strategy")

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "distance", "":
		return StrategyDistance, nil
	case "interval":
		return StrategyInterval, nil
	default:
		return StrategyDistance, errUnknownStrategy
	}
}

func (s Strategy) String() string {
	if s == StrategyInterval {
		return "interval"
	}
	return "distance"
}

type Config struct {
	Strategy  Strategy
	Threshold float64
	Interval  time.Duration
}

type Filter struct {
	mu       sync.Mutex
	config   Config
	last     location.Sample
	has_last bool
	last_sig int64
	distance func(a, b location.Sample) float64
}

func New(config *Config) *Filter {
	f := &Filter{}
	f.config = *config
	if f.config.Threshold <= 0 {
		f.config.Threshold = DefaultThreshold
	}
	if f.config.Interval <= 0 {
		f.config.Interval = DefaultInterval
	}
	f.distance = location.Distance
	return f
}

// Evaluate tags s and records it as the last accepted sample. accept is
// always true.
func (f *Filter) Evaluate(s location.Sample) (accept bool, significant bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.has_last {
		significant = true
	} else {
		switch f.config.Strategy {
		case StrategyInterval:
			significant = s.Timestamp-f.last_sig >= f.config.Interval.Milliseconds()
		default:
			significant = f.distance(f.last, s) >= f.config.Threshold
		}
	}
	if significant {
		f.last_sig = s.Timestamp
	}
	f.last = s
	f.has_last = true
	return true, significant
}

// Reset forgets the last accepted sample; the next one is significant again.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.has_last = false
	f.last = location.Sample{}
	f.last_sig = 0
	f.mu.Unlock()
}

func (f *Filter) Last() (location.Sample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.has_last
}

func (f *Filter) Strategy() Strategy {
	return f.config.Strategy
}
