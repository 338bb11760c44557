package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/location"
)

// Copier is satisfied by *pgxpool.Pool and *pgx.Conn.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var columns = []string{
	"session_id", "latitude", "longitude", "accuracy", "altitude", "speed",
	"heading", "provider", "significant", "gps_time", "server_time",
}

type Store struct {
	config  *StoreConfig
	wlock   sync.Mutex
	wbuf    buffer
	flushch chan buffer
	db      Copier
	log     log.Logger
	table   string
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	t2  time.Time
	buf []record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, len)}
}

type record struct {
	session string
	s       location.Sample
	signif  bool
	srvt    time.Time
}

func NewStore(db Copier, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	o.table = table
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.flushch = make(chan buffer, 4)
	return o
}

// Run copies full buffers to the database until ctx is done, then writes
// what is left and returns.
func (st *Store) Run(ctx context.Context) error {
	st.log.Info().Str("table", st.table).Msg("starting flusher task")
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			st.Flush()
			st.drain()
			return nil
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		case buf := <-st.flushch:
			st.write(ctx, buf)
		}
	}
}

func (st *Store) Put(session string, s location.Sample, significant bool, srvt time.Time) {
	rec := record{session: session, s: s, signif: significant, srvt: srvt}
	st.wlock.Lock()
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now()
	}
	st.wbuf.buf = append(st.wbuf.buf, rec)
	if len(st.wbuf.buf) >= st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
}

// Flush hands the current buffer to the flusher regardless of its size.
func (st *Store) Flush() {
	st.wlock.Lock()
	if len(st.wbuf.buf) != 0 {
		st.flush()
	}
	st.wlock.Unlock()
}

// flush is called with wlock held. A full flush queue drops the oldest
// pending buffer rather than blocking Put.
func (st *Store) flush() {
	next := st.wbuf.seq + 1
	st.wbuf.t2 = time.Now()
	for {
		select {
		case st.flushch <- st.wbuf:
			st.wbuf = new_buffer(next, st.config.BufSize)
			return
		default:
		}
		select {
		case old := <-st.flushch:
			st.log.Warn().Uint64("seq", old.seq).Int("length", len(old.buf)).Msg("flush queue full, buffer dropped")
		default:
		}
	}
}

func (st *Store) drain() {
	for {
		select {
		case buf := <-st.flushch:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			st.write(ctx, buf)
			cancel()
		default:
			return
		}
	}
}

func (st *Store) write(ctx context.Context, buf buffer) {
	t1 := time.Now()
	_, err := st.db.CopyFrom(ctx,
		pgx.Identifier{st.table},
		columns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{
				d.session, d.s.Latitude, d.s.Longitude, d.s.Accuracy, d.s.Altitude, d.s.Speed,
				d.s.Heading, d.s.Provider.String(), d.signif, d.s.Time().UTC(), d.srvt,
			}, nil
		}))
	if err != nil {
		st.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
	} else {
		st.log.Debug().Str("action", "flush").Uint64("seq", buf.seq).Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	}
}
