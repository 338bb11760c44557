package netsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/yamux"
)

var ErrTunnelRejected = errors.New("tunnel token rejected")

// RunTunnel dials the relay at config.TunnelAddr, authenticates with the
// tunnel token and serves every yamux stream the relay opens as a device
// connection. Each stream starts with the device address and a newline.
// Lost tunnels are re-dialled with exponential backoff until ctx is done.
func (s *Server) RunTunnel(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = time.Minute
	for {
		session, err := backoff.Retry(ctx, func() (*yamux.Session, error) {
			return s.dialTunnel(ctx)
		}, backoff.WithBackOff(eb), backoff.WithMaxElapsedTime(0))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		eb.Reset()
		s.serveTunnel(ctx, session)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Server) dialTunnel(ctx context.Context) (*yamux.Session, error) {
	s.log.Info().Msgf("Dialling tunnel %s", s.config.TunnelAddr)
	var d net.Dialer
	yconn, err := d.DialContext(ctx, "tcp", s.config.TunnelAddr)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to dial yamux server")
		return nil, err
	}
	yconn.SetDeadline(time.Now().Add(s.config.LoginTimeout))
	_, err = yconn.Write([]byte(s.config.TunnelToken))
	if err != nil {
		yconn.Close()
		return nil, fmt.Errorf("send tunnel token: %w", err)
	}
	status := []byte{0}
	_, err = yconn.Read(status)
	if err != nil {
		yconn.Close()
		return nil, fmt.Errorf("read tunnel status: %w", err)
	}
	if status[0] != ACK_OK {
		yconn.Close()
		s.log.Error().Msg("yamux tunnel rejected")
		return nil, backoff.Permanent(ErrTunnelRejected)
	}
	yconn.SetDeadline(time.Time{})
	s.log.Info().Msg("yamux tunnel accepted")
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return nil, err
	}
	return session, nil
}

func (s *Server) serveTunnel(ctx context.Context, session *yamux.Session) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-stop:
		}
	}()
	defer session.Close()
	for {
		tconn, err := session.Accept()
		if err != nil {
			s.log.Warn().Err(err).Msg("tunnel closed")
			return
		}
		go s.serveStream(tconn)
	}
}

func (s *Server) serveStream(tconn net.Conn) {
	tconn.SetReadDeadline(time.Now().Add(s.config.LoginTimeout))
	r := bufio.NewReader(tconn)
	raddr, err := r.ReadString('\n')
	if err != nil {
		s.log.Error().Err(err).Msg("read stream address")
		tconn.Close()
		return
	}
	s.serveConn(&bufferedConn{Conn: tconn, r: r}, raddr[:len(raddr)-1])
}

// bufferedConn keeps bytes the address reader already pulled off the stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
