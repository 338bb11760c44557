// Package pipeline wires the lifecycle controller, the change filter and the
// fanout into the service the host drives with start, stop and status.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/events"
	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/filter"
	"nuha.dev/loctrack/internal/lifecycle"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/metrics"
	"nuha.dev/loctrack/internal/stat"
)

const (
	msgStarted = "Background location service started"
	msgStopped = "Background location service stopped"
)

type Param struct {
	Source   location.Source
	Resource lifecycle.Resource
	Filter   *filter.Filter
	Fanout   *fanout.Fanout
	Bus      *events.Bus
	Stat     *stat.Stat
	Metrics  *metrics.Metrics
}

type Service struct {
	ctrl    *lifecycle.Controller
	filter  *filter.Filter
	fanout  *fanout.Fanout
	bus     *events.Bus
	stat    *stat.Stat
	metrics *metrics.Metrics
	log     log.Logger
}

func New(p *Param) (*Service, error) {
	s := &Service{}
	s.filter = p.Filter
	s.fanout = p.Fanout
	s.stat = p.Stat
	s.metrics = p.Metrics
	s.bus = p.Bus
	if s.stat == nil {
		s.stat = stat.NewStat()
	}
	if s.bus == nil {
		b, err := events.New(0)
		if err != nil {
			return nil, fmt.Errorf("event bus: %w", err)
		}
		s.bus = b
	}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "pipeline").Value()

	s.ctrl = lifecycle.NewController(&lifecycle.Param{
		Source:   p.Source,
		Resource: p.Resource,
		Bus:      s.bus,
		Stat:     s.stat,
		Metrics:  s.metrics,
		OnStart:  s.onStart,
		OnSample: s.onSample,
		OnError:  s.onError,
	})
	s.bus.Handle("pipeline.status", "^lifecycle\\.", s.onEvent)
	return s, nil
}

// StartService starts tracking. False means the pipeline is not running,
// typically because permission or the provider is missing.
func (s *Service) StartService() bool {
	_, ok := s.ctrl.Start()
	return ok
}

func (s *Service) StopService() bool {
	return s.ctrl.Stop()
}

func (s *Service) IsServiceRunning() bool {
	return s.ctrl.IsRunning()
}

func (s *Service) PermissionChanged(p location.PermissionStatus) (lifecycle.State, bool) {
	return s.ctrl.PermissionChanged(p)
}

func (s *Service) Controller() *lifecycle.Controller {
	return s.ctrl
}

func (s *Service) Bus() *events.Bus {
	return s.bus
}

type Status struct {
	Running   bool          `json:"running"`
	State     string        `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Strategy  string        `json:"strategy"`
	Sinks     int           `json:"sinks"`
	Stats     stat.Snapshot `json:"stats"`
}

func (s *Service) Status() Status {
	st := s.ctrl.State()
	return Status{
		Running:   st == lifecycle.StateRunning,
		State:     st.String(),
		Reason:    s.ctrl.BlockReason().String(),
		SessionID: s.ctrl.Session(),
		Strategy:  s.filter.Strategy().String(),
		Sinks:     s.fanout.Len(),
		Stats:     s.stat.Snapshot(),
	}
}

// Close stops the pipeline on shutdown and detaches from the bus.
func (s *Service) Close() {
	s.ctrl.Close()
	s.bus.Remove("pipeline.status")
}

func (s *Service) onStart(session string) {
	s.filter.Reset()
	s.log.Info().Str("session", session).Str("strategy", s.filter.Strategy().String()).Msg("session started")
}

func (s *Service) onSample(session string, sample location.Sample) {
	_, significant := s.filter.Evaluate(sample)
	s.stat.SampleEv(time.Now(), significant)
	s.metrics.Sample(significant)
	s.fanout.Dispatch(fanout.Update{Sample: sample, Significant: significant, SessionID: session})
}

func (s *Service) onError(session string, err error) {
	s.fanout.Broadcast(fanout.Status{Status: "error", Error: err.Error()})
}

func (s *Service) onEvent(ctx context.Context, ev bus.Event) {
	switch d := ev.Data.(type) {
	case events.StateChange:
		switch {
		case d.To == lifecycle.StateRunning.String():
			s.fanout.Broadcast(fanout.Status{Status: "started", Message: msgStarted})
		case d.To == lifecycle.StateStopped.String() && d.From == lifecycle.StateRunning.String():
			s.fanout.Broadcast(fanout.Status{Status: "stopped", Message: msgStopped})
		}
	case events.PermissionChange:
		s.fanout.Broadcast(fanout.Status{Status: "authorization_changed", AuthorizationStatus: d.Status})
	}
}
