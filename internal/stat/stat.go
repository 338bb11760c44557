package stat

import (
	"sync"
	"time"
)

type counter struct {
	base time.Time
	cnt  uint64
}

type time_event struct {
	list [10]time.Time
	idx  int
	n    int
	mu   sync.Mutex
}

// Stat keeps the last lifecycle events of a pipeline and a per-minute count
// of accepted samples.
type Stat struct {
	start  time_event
	stop   time_event
	block  time_event
	mu     sync.Mutex
	buf    [60]counter
	phead  int
	dur    time.Duration
	total  uint64
	signif uint64

	created time.Time
}

func NewStat() *Stat {
	o := &Stat{}
	o.dur = time.Minute
	o.created = time.Now()
	return o
}

func (s *Stat) StartEv(t time.Time) {
	record(&s.start, t)
}
func (s *Stat) StopEv(t time.Time) {
	record(&s.stop, t)
}
func (s *Stat) BlockEv(t time.Time) {
	record(&s.block, t)
}

func record(l *time_event, t time.Time) {
	l.mu.Lock()
	l.list[l.idx] = t
	l.idx = l.idx + 1
	if l.idx == len(l.list) {
		l.idx = 0
	}
	if l.n < len(l.list) {
		l.n++
	}
	l.mu.Unlock()
}

// recent returns recorded times, newest first.
func recent(l *time_event) []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]time.Time, 0, l.n)
	i := l.idx
	for k := 0; k < l.n; k++ {
		i--
		if i < 0 {
			i = len(l.list) - 1
		}
		out = append(out, l.list[i])
	}
	return out
}

func (s *Stat) SampleEv(t time.Time, significant bool) {
	s.mu.Lock()
	s.total++
	if significant {
		s.signif++
	}
	f := t.Truncate(s.dur)
	head := &s.buf[s.phead]
	if f.After(head.base) {
		if head.cnt != 0 {
			s.phead = s.phead + 1
			if s.phead == len(s.buf) {
				s.phead = 0
			}
		}
		s.buf[s.phead].base = f
		s.buf[s.phead].cnt = 1
	} else if f.Equal(head.base) {
		head.cnt++
	}
	s.mu.Unlock()
}

type MinuteCount struct {
	Minute time.Time `json:"minute"`
	Count  uint64    `json:"count"`
}

type Snapshot struct {
	Created     time.Time     `json:"created"`
	Samples     uint64        `json:"samples"`
	Significant uint64        `json:"significant"`
	Starts      []time.Time   `json:"starts"`
	Stops       []time.Time   `json:"stops"`
	Blocks      []time.Time   `json:"blocks"`
	PerMinute   []MinuteCount `json:"per_minute"`
}

func (s *Stat) Snapshot() Snapshot {
	snap := Snapshot{Created: s.created}
	snap.Starts = recent(&s.start)
	snap.Stops = recent(&s.stop)
	snap.Blocks = recent(&s.block)
	s.mu.Lock()
	snap.Samples = s.total
	snap.Significant = s.signif
	i := s.phead
	for k := 0; k < len(s.buf); k++ {
		c := s.buf[i]
		if c.cnt == 0 {
			break
		}
		snap.PerMinute = append(snap.PerMinute, MinuteCount{Minute: c.base, Count: c.cnt})
		i--
		if i < 0 {
			i = len(s.buf) - 1
		}
	}
	s.mu.Unlock()
	return snap
}
