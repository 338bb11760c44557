package netsource

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// Conn is a device connection; tuple holds the peer address as reported by
// the PROXY header or tunnel, not necessarily the socket peer.
type Conn struct {
	cid      uint64
	tuple    []string
	r        *bufio.Reader
	created  time.Time
	byte_in  uint64
	byte_out uint64
	net.Conn
}

func NewConn(c net.Conn, raddr string, cid uint64) *Conn {
	if raddr == "" {
		raddr = c.RemoteAddr().String()
	}
	sourceip, sourceport, _ := net.SplitHostPort(raddr)
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())
	return &Conn{cid: cid, tuple: []string{sourceip, sourceport, targetip, targetport}, r: bufio.NewReader(c), created: time.Now(), Conn: c}
}

func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) Peer() Peer {
	in, out := c.Stat()
	return Peer{
		Cid:      c.cid,
		Addr:     net.JoinHostPort(c.tuple[0], c.tuple[1]),
		Since:    c.created,
		BytesIn:  in,
		BytesOut: out,
	}
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Strs("socket", c.tuple)
}

// Peer describes one open device connection.
type Peer struct {
	Cid      uint64    `json:"cid"`
	Addr     string    `json:"addr"`
	Since    time.Time `json:"since"`
	BytesIn  uint64    `json:"bytes_in"`
	BytesOut uint64    `json:"bytes_out"`
}
