package uploader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/location"
)

var (
	ErrBusy         = errors.New("too many uploads in flight")
	ErrCloseTimeout = errors.New("uploads still in flight at deadline")
)

// CredentialSource is read on every delivery, so a login or logout takes
// effect on the next sample.
type CredentialSource interface {
	Credentials() location.Credentials
}

// Sink adapts an Uploader to the fanout. Deliver returns immediately; the
// POST runs on its own goroutine.
type Sink struct {
	up     *Uploader
	creds  CredentialSource
	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    log.Logger
}

func NewSink(up *Uploader, creds CredentialSource, maxInflight int) *Sink {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	s := &Sink{}
	s.up = up
	s.creds = creds
	s.sem = make(chan struct{}, maxInflight)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "uploader").Value()
	return s
}

func (s *Sink) Name() string {
	return "uploader"
}

func (s *Sink) Deliver(u fanout.Update) error {
	c := s.creds.Credentials()
	if !c.Valid() {
		s.up.Upload(s.ctx, u.Sample, c)
		return nil
	}
	select {
	case s.sem <- struct{}{}:
	default:
		s.up.metrics.Upload("dropped")
		return ErrBusy
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.up.Upload(s.ctx, u.Sample, c)
	}()
	return nil
}

// Close waits up to timeout for in-flight uploads, then cancels whatever is
// left. Only process shutdown calls it.
func (s *Sink) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-t.C:
		s.cancel()
		<-done
		s.log.Warn().Dur("timeout", timeout).Msg("in-flight uploads cancelled")
		return ErrCloseTimeout
	}
}
