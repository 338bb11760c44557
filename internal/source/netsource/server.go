// Package netsource is a location source fed over the network: devices (or
// the simulator) connect, log in, and push framed JSON fixes. Connections
// arrive on a TCP listener that understands PROXY headers, or as streams of
// a yamux tunnel dialled out to a relay.
package netsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/source/netsource/gt06"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	CONNECTION_CLOSED   string = "connection_closed"
)

var (
	errNotLoggedIn = errors.New("first frame is not a login")
	ErrClosed      = errors.New("source closed")
)

type ServerConfig struct {
	ListenerAddr  string
	ProxyProtocol bool
	TunnelAddr    string
	TunnelToken   string
	LoginTimeout  time.Duration
	IdleTimeout   time.Duration
}

type Server struct {
	*location.Gate

	config   *ServerConfig
	validate *validator.Validate
	log      log.Logger

	mu      sync.Mutex
	subs    map[location.Handle]location.Callback
	next    location.Handle
	errFns  []func(error)
	conns   map[uint64]*peer
	ln      net.Listener
	closed  bool
	cid     uint64
	samples uint64
	invalid uint64

	// dmu delivers one sample at a time across all connections.
	dmu sync.Mutex
	wg  sync.WaitGroup
}

func NewServer(gate *location.Gate, config *ServerConfig) *Server {
	s := &Server{Gate: gate, config: config}
	if s.config.LoginTimeout <= 0 {
		s.config.LoginTimeout = 10 * time.Second
	}
	if s.config.IdleTimeout <= 0 {
		s.config.IdleTimeout = 5 * time.Minute
	}
	s.validate = validator.New()
	s.subs = make(map[location.Handle]location.Callback)
	s.conns = make(map[uint64]*peer)
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "netsource").Value()
	return s
}

func (s *Server) Subscribe(cb location.Callback) (location.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.next++
	s.subs[s.next] = cb
	return s.next, nil
}

func (s *Server) Unsubscribe(h location.Handle) {
	s.mu.Lock()
	delete(s.subs, h)
	s.mu.Unlock()
}

func (s *Server) OnError(fn func(error)) {
	s.mu.Lock()
	s.errFns = append(s.errFns, fn)
	s.mu.Unlock()
}

type Stats struct {
	Connections int    `json:"connections"`
	Samples     uint64 `json:"samples"`
	Invalid     uint64 `json:"invalid"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	return Stats{Connections: n, Samples: atomic.LoadUint64(&s.samples), Invalid: atomic.LoadUint64(&s.invalid)}
}

// ListenAndServe listens on config.ListenerAddr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.ListenerAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenerAddr, err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()
	return s.Serve(ln)
}

// Serve accepts device connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Msgf("starting location listener on %s", ln.Addr())
	for {
		c, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.log.Error().Err(err).Msg("failed to accept new connection")
			return err
		}
		s.serveConn(c, "")
	}
}

// serveConn runs the connection on its own goroutine. Building the Conn
// may block on a PROXY header, so it happens there too.
func (s *Server) serveConn(nc net.Conn, raddr string) {
	cid := atomic.AddUint64(&s.cid, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[cid] = &peer{raw: nc}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		nc.SetReadDeadline(time.Now().Add(s.config.LoginTimeout))
		c := NewConn(nc, raddr, cid)
		s.mu.Lock()
		if p, ok := s.conns[cid]; ok {
			p.c = c
		}
		s.mu.Unlock()
		s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
		err := s.handle(c)
		c.Close()
		s.mu.Lock()
		delete(s.conns, cid)
		s.mu.Unlock()
		in, out := c.Stat()
		s.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(c).Uint64("byte_in", in).Uint64("byte_out", out).Err(err).Msg("")
	}()
}

type peer struct {
	raw net.Conn
	c   *Conn
}

// Peers lists open device connections, oldest first.
func (s *Server) Peers() []Peer {
	s.mu.Lock()
	out := make([]Peer, 0, len(s.conns))
	for _, p := range s.conns {
		if p.c != nil {
			out = append(out, p.c.Peer())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Cid < out[j].Cid })
	return out
}

// handle picks the device dialect from the first byte.
func (s *Server) handle(c *Conn) error {
	c.SetReadDeadline(time.Now().Add(s.config.LoginTimeout))
	b, err := c.Peek(1)
	if err != nil {
		return err
	}
	if gt06.IsStart(b[0]) {
		return s.handleGT06(c)
	}
	msg := NewFrameMessage()
	if err := ReadMessage(c, msg); err != nil {
		return err
	}
	if msg.Protocol != LOGIN {
		s.log.Warn().Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Int("protocol", int(msg.Protocol)).Msg("")
		return errNotLoggedIn
	}
	var login LoginMessage
	if err := s.decode(msg.Payload, &login); err != nil {
		s.log.Warn().Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Err(err).Msg("")
		c.Write([]byte{ACK_REJECT})
		return err
	}
	if _, err := c.Write([]byte{ACK_OK}); err != nil {
		return err
	}
	s.log.Info().Str("event", LOGIN_MESSAGE).EmbedObject(c).Str("serial", login.Serial).Str("device_type", login.DeviceType).Msg("")

	for {
		c.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		if err := ReadMessage(c, msg); err != nil {
			return err
		}
		switch msg.Protocol {
		case LOCATION_UPDATE:
			var m LocationMessage
			if err := s.decode(msg.Payload, &m); err != nil {
				atomic.AddUint64(&s.invalid, 1)
				s.log.Warn().EmbedObject(c).Err(err).Msg("invalid location")
				continue
			}
			s.deliver(m.Sample())
		case PROVIDER_STATUS:
			var m ProviderMessage
			if err := s.decode(msg.Payload, &m); err != nil {
				s.log.Warn().EmbedObject(c).Err(err).Msg("invalid provider status")
				continue
			}
			s.SetProviders(m.GPS, m.Network)
			s.log.Info().EmbedObject(c).Bool("gps", m.GPS).Bool("network", m.Network).Msg("provider status")
		case LOCATION_ERROR:
			var m ErrorMessage
			if err := s.decode(msg.Payload, &m); err != nil {
				s.log.Warn().EmbedObject(c).Err(err).Msg("invalid error report")
				continue
			}
			s.fail(fmt.Errorf("device %s: %s", login.Serial, m.Error))
		default:
			s.log.Warn().EmbedObject(c).Int("protocol", int(msg.Protocol)).Msg("unknown protocol")
		}
	}
}

func (s *Server) decode(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return err
	}
	return s.validate.Struct(v)
}

// deliver pushes a sample to subscribers. Samples are dropped here while
// permission is revoked or their provider is disabled, the way a platform
// stops reporting them.
func (s *Server) deliver(sample location.Sample) {
	if !s.Accepts(sample.Provider) {
		return
	}
	atomic.AddUint64(&s.samples, 1)
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.mu.Lock()
	cbs := make([]location.Callback, 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(sample)
	}
}

func (s *Server) fail(err error) {
	s.mu.Lock()
	fns := append([]func(error){}, s.errFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Close stops accepting, drops every connection and waits for their
// goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for _, p := range s.conns {
		conns = append(conns, p.raw)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}
