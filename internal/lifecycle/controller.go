// Package lifecycle owns the start/stop state machine of the pipeline: it
// checks permission and provider availability, holds the keep-alive resource
// while running and forwards source samples only in StateRunning.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/events"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/metrics"
	"nuha.dev/loctrack/internal/stat"
	"nuha.dev/loctrack/internal/util"
)

// Resource is the continuation guarantee held for the duration of a running
// session (a wake lock on a phone, a lease here).
type Resource interface {
	Acquire() bool
	Release() bool
}

type Param struct {
	Source   location.Source
	Resource Resource
	Bus      *events.Bus
	Stat     *stat.Stat
	Metrics  *metrics.Metrics
	// OnStart runs once per session before the source subscription is made.
	OnStart func(session string)
	// OnSample receives every sample delivered while running. It must not
	// call back into the controller.
	OnSample func(session string, s location.Sample)
	// OnError receives source errors reported while running.
	OnError func(session string, err error)
}

type Controller struct {
	mu      sync.Mutex
	state   State
	reason  BlockReason
	session string
	handle  location.Handle
	subbed  bool
	held    bool
	pending []events.StateChange

	// dmu serialises delivery and lets Stop wait out an in-flight sample.
	dmu sync.Mutex

	source   location.Source
	resource Resource
	bus      *events.Bus
	stat     *stat.Stat
	metrics  *metrics.Metrics
	onStart  func(string)
	onSample func(string, location.Sample)
	onError  func(string, error)
	log      log.Logger
}

func NewController(p *Param) *Controller {
	c := &Controller{}
	c.source = p.Source
	c.resource = p.Resource
	c.bus = p.Bus
	c.stat = p.Stat
	if c.stat == nil {
		c.stat = stat.NewStat()
	}
	c.metrics = p.Metrics
	c.onStart = p.OnStart
	c.onSample = p.OnSample
	c.onError = p.OnError
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "lifecycle").Value()
	if er, ok := p.Source.(location.ErrorReporter); ok {
		er.OnError(c.sourceError)
	}
	return c
}

// Start moves the controller to StateRunning. It is a no-op returning the
// current state when already running or starting. When permission or the
// provider is missing the controller ends in StatePermissionBlocked and
// Start returns false.
func (c *Controller) Start() (State, bool) {
	c.mu.Lock()
	if c.state == StateRunning || c.state == StateStarting {
		st := c.state
		c.mu.Unlock()
		return st, st == StateRunning
	}
	c.transition(StateStarting, ReasonNone)
	if reason := c.check(); reason != ReasonNone {
		c.transition(StatePermissionBlocked, reason)
		c.mu.Unlock()
		c.flush()
		return StatePermissionBlocked, false
	}
	session := util.GenUUID()
	c.session = session
	if !c.held {
		c.held = c.resource.Acquire()
	}
	if c.onStart != nil {
		c.onStart(session)
	}
	c.mu.Unlock()
	c.flush()

	h, err := c.source.Subscribe(c.forward(session))

	c.mu.Lock()
	if err != nil {
		c.log.Error().Err(err).Str("session", session).Msg("subscribe failed")
		if c.session == session {
			c.session = ""
			c.release()
			c.transition(StatePermissionBlocked, ReasonProviderDisabled)
		}
		st := c.state
		c.mu.Unlock()
		c.flush()
		return st, false
	}
	if c.state != StateStarting || c.session != session {
		// stopped while subscribing
		st := c.state
		c.mu.Unlock()
		c.source.Unsubscribe(h)
		return st, false
	}
	c.handle = h
	c.subbed = true
	c.transition(StateRunning, ReasonNone)
	c.mu.Unlock()
	c.flush()
	return StateRunning, true
}

// Stop unsubscribes from the source, releases the resource and moves to
// StateStopped. It returns false when already stopped. In-flight uploads
// are not awaited.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return false
	}
	h, subbed := c.handle, c.subbed
	c.subbed = false
	c.session = ""
	c.release()
	c.transition(StateStopped, ReasonNone)
	c.mu.Unlock()

	if subbed {
		c.source.Unsubscribe(h)
	}
	// wait for a sample that passed the state check before we flipped it
	c.dmu.Lock()
	c.dmu.Unlock()
	c.flush()
	return true
}

// Close stops the controller on process shutdown.
func (c *Controller) Close() {
	if c.Stop() {
		c.log.Info().Str("event", "close").Msg("stopped on shutdown")
	}
}

// PermissionChanged is the external authorization event. A blocked
// controller retries Start when the new status is granted.
func (c *Controller) PermissionChanged(p location.PermissionStatus) (State, bool) {
	c.bus.Emit(context.Background(), events.TOPIC_PERMISSION, events.PermissionChange{Status: p.String(), At: time.Now()})
	c.log.Info().Str("event", "permission").Str("status", p.String()).Msg("")
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == StatePermissionBlocked && p.Granted() {
		return c.Start()
	}
	return st, st == StateRunning
}

func (c *Controller) IsRunning() bool {
	return c.State() == StateRunning
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) BlockReason() BlockReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Session returns the id of the running session, or "" when not running.
func (c *Controller) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return ""
	}
	return c.session
}

func (c *Controller) forward(session string) location.Callback {
	return func(s location.Sample) {
		c.dmu.Lock()
		defer c.dmu.Unlock()
		c.mu.Lock()
		ok := c.state == StateRunning && c.session == session
		c.mu.Unlock()
		if !ok {
			c.log.Debug().Str("session", session).Msg("sample dropped, not running")
			return
		}
		if c.onSample != nil {
			c.onSample(session, s)
		}
	}
}

func (c *Controller) sourceError(err error) {
	c.mu.Lock()
	session := c.session
	running := c.state == StateRunning
	c.mu.Unlock()
	if !running {
		return
	}
	c.log.Warn().Err(err).Str("session", session).Msg("source error")
	c.bus.Emit(context.Background(), events.TOPIC_ERROR, events.LocationError{Err: err, At: time.Now()})
	if c.onError != nil {
		c.onError(session, err)
	}
}

func (c *Controller) check() BlockReason {
	if !c.source.IsPermissionGranted() {
		if pr, ok := c.source.(location.PermissionReporter); ok {
			return reasonFor(pr.PermissionStatus())
		}
		return ReasonPermissionDenied
	}
	if !c.source.IsProviderEnabled() {
		return ReasonProviderDisabled
	}
	return ReasonNone
}

// release gives the resource back at most once per acquire. Caller holds mu.
func (c *Controller) release() {
	if !c.held {
		return
	}
	c.held = false
	c.resource.Release()
}

// transition records a state change; caller holds mu and calls flush after
// unlocking.
func (c *Controller) transition(to State, reason BlockReason) {
	from := c.state
	c.state = to
	c.reason = reason
	now := time.Now()
	switch to {
	case StateRunning:
		c.stat.StartEv(now)
	case StateStopped:
		c.stat.StopEv(now)
	case StatePermissionBlocked:
		c.stat.BlockEv(now)
	}
	c.metrics.Transition(to.String())
	c.log.Info().Str("event", "transition").Str("from", from.String()).Str("to", to.String()).
		Str("reason", reason.String()).Str("session", c.session).Msg("")
	c.pending = append(c.pending, events.StateChange{
		From:      from.String(),
		To:        to.String(),
		Reason:    reason.String(),
		SessionID: c.session,
		At:        now,
	})
}

// flush publishes recorded transitions outside the state lock so bus
// handlers may query the controller.
func (c *Controller) flush() {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ev := range p {
		c.bus.Emit(context.Background(), events.TOPIC_STATE, ev)
	}
}
