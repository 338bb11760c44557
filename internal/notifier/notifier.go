// Package notifier renders the local notifications shown for a running
// pipeline: one ongoing notification whose text follows the latest fix, and
// one short-lived notification per accepted sample.
package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/location"
)

const (
	ForegroundID    = 999
	ForegroundTitle = "Location Tracking"
	UpdateTitle     = "Location Updated"
	startingText    = "Starting location tracking..."
)

type Notification struct {
	ID      int       `json:"id"`
	Title   string    `json:"title"`
	Text    string    `json:"text"`
	Body    string    `json:"body,omitempty"`
	Ongoing bool      `json:"ongoing"`
	At      time.Time `json:"at"`
}

// Poster shows and removes notifications on whatever surface the host has.
type Poster interface {
	Post(n Notification) error
	Cancel(id int) error
}

// ForegroundText is the ongoing notification text for s.
func ForegroundText(s location.Sample) string {
	return fmt.Sprintf("Lat: %.6f, Lng: %.6f, Accuracy: %.1fm", s.Latitude, s.Longitude, s.Accuracy)
}

// UpdateBody is the expanded text of the per-sample notification.
func UpdateBody(s location.Sample) string {
	return fmt.Sprintf("New Location Update\nLatitude: %.6f\nLongitude: %.6f\nAccuracy: %.1fm\nSpeed: %.1f m/s",
		s.Latitude, s.Longitude, s.Accuracy, s.Speed)
}

// Notifier is a fanout sink. It also takes status records so the ongoing
// notification appears on start and goes away on stop.
type Notifier struct {
	poster Poster
	mu     sync.Mutex
	fg     Notification
	seq    int
}

func New(p Poster) *Notifier {
	return &Notifier{poster: p, seq: ForegroundID}
}

func (n *Notifier) Name() string {
	return "notifier"
}

func (n *Notifier) Deliver(u fanout.Update) error {
	now := time.Now()
	n.mu.Lock()
	n.fg = Notification{ID: ForegroundID, Title: ForegroundTitle, Text: ForegroundText(u.Sample), Ongoing: true, At: now}
	fg := n.fg
	n.seq++
	id := n.seq
	n.mu.Unlock()

	if err := n.poster.Post(fg); err != nil {
		return fmt.Errorf("update foreground: %w", err)
	}
	upd := Notification{
		ID:    id,
		Title: UpdateTitle,
		Text:  fmt.Sprintf("Lat: %.6f, Lng: %.6f", u.Sample.Latitude, u.Sample.Longitude),
		Body:  UpdateBody(u.Sample),
		At:    now,
	}
	if err := n.poster.Post(upd); err != nil {
		return fmt.Errorf("post update: %w", err)
	}
	return nil
}

func (n *Notifier) Status(st fanout.Status) error {
	switch st.Status {
	case "started":
		n.mu.Lock()
		n.fg = Notification{ID: ForegroundID, Title: ForegroundTitle, Text: startingText, Ongoing: true, At: time.Now()}
		fg := n.fg
		n.mu.Unlock()
		return n.poster.Post(fg)
	case "stopped":
		n.mu.Lock()
		n.fg = Notification{}
		n.mu.Unlock()
		return n.poster.Cancel(ForegroundID)
	}
	return nil
}

// Foreground returns the current ongoing notification; the zero value when
// none is shown.
func (n *Notifier) Foreground() Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fg
}

// LogPoster writes notifications to the log, for hosts without a
// notification surface.
type LogPoster struct {
	log log.Logger
}

func NewLogPoster() *LogPoster {
	p := &LogPoster{}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "notifier").Value()
	return p
}

func (p *LogPoster) Post(n Notification) error {
	p.log.Info().Int("id", n.ID).Str("title", n.Title).Str("text", n.Text).Bool("ongoing", n.Ongoing).Msg("notify")
	return nil
}

func (p *LogPoster) Cancel(id int) error {
	p.log.Info().Int("id", id).Msg("notification cancelled")
	return nil
}
