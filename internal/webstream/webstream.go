// Package webstream is the UI bridge: every websocket connected to it is a
// fanout sink receiving location records and status records as JSON.
package webstream

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"nuha.dev/loctrack/internal/fanout"
)

const (
	DefaultBuffer       = 32
	DefaultWriteTimeout = 10 * time.Second
)

var ErrClosed = errors.New("websocket closed")

// Record is the location event sent to UI listeners.
type Record struct {
	Latitude            float64 `json:"latitude"`
	Longitude           float64 `json:"longitude"`
	Accuracy            float64 `json:"accuracy"`
	Speed               float64 `json:"speed"`
	Timestamp           int64   `json:"timestamp"`
	Altitude            float64 `json:"altitude"`
	Heading             float64 `json:"heading"`
	IsSignificantChange bool    `json:"isSignificantChange"`
	Source              string  `json:"source"`
}

func RecordOf(u fanout.Update) Record {
	s := u.Sample
	return Record{
		Latitude:            s.Latitude,
		Longitude:           s.Longitude,
		Accuracy:            s.Accuracy,
		Speed:               s.Speed,
		Timestamp:           s.Timestamp,
		Altitude:            s.Altitude,
		Heading:             s.Heading,
		IsSignificantChange: u.Significant,
		Source:              s.Provider.String(),
	}
}

// Registry is the part of the fanout the stream needs.
type Registry interface {
	Subscribe(sink fanout.Sink, policy fanout.Policy) string
	Unsubscribe(key string) bool
}

type Config struct {
	Buffer       int
	WriteTimeout time.Duration
}

type WebstreamServer struct {
	reg    Registry
	config Config
	log    log.Logger
}

func NewWebstream(reg Registry, config Config) *WebstreamServer {
	if config.Buffer <= 0 {
		config.Buffer = DefaultBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	o := &WebstreamServer{reg: reg, config: config}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	return o
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("Error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	wc := &WebstreamClient{c: c, log: ws.log, timeout: ws.config.WriteTimeout}
	wc.wch = make(chan interface{}, ws.config.Buffer)
	key := ws.reg.Subscribe(wc, fanout.Always)
	wc.log.Context = log.NewContext(nil).Str("module", "websocket").Str("key", key).Value()
	wc.log.Info().Str("remote", r.RemoteAddr).Msg("ui listener attached")
	defer ws.reg.Unsubscribe(key)

	// the UI never sends anything; CloseRead handles control frames and
	// cancels ctx when the peer goes away
	ctx := c.CloseRead(r.Context())
	err = wc.writeLoop(ctx)
	wc.log.Info().Err(err).Uint64("dropped", atomic.LoadUint64(&wc.dropped)).Msg("ui listener detached")
	if errors.Is(err, context.Canceled) {
		c.Close(websocket.StatusNormalClosure, "")
	}
}

type WebstreamClient struct {
	c       *websocket.Conn
	wch     chan interface{}
	timeout time.Duration
	closed  uint32
	dropped uint64
	log     log.Logger
}

func (wc *WebstreamClient) Name() string {
	return "ui"
}

func (wc *WebstreamClient) Deliver(u fanout.Update) error {
	return wc.push(RecordOf(u))
}

func (wc *WebstreamClient) Status(st fanout.Status) error {
	return wc.push(st)
}

func (wc *WebstreamClient) Closed() bool {
	return atomic.LoadUint32(&wc.closed) == 1
}

// push never blocks the dispatcher; a slow listener loses records.
func (wc *WebstreamClient) push(v interface{}) error {
	if wc.Closed() {
		return ErrClosed
	}
	select {
	case wc.wch <- v:
	default:
		atomic.AddUint64(&wc.dropped, 1)
		wc.log.Debug().Msg("listener too slow, record dropped")
	}
	return nil
}

func (wc *WebstreamClient) writeLoop(ctx context.Context) error {
	defer atomic.StoreUint32(&wc.closed, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-wc.wch:
			wctx, cancel := context.WithTimeout(ctx, wc.timeout)
			err := wsjson.Write(wctx, wc.c, v)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
