package logstore

import (
	"time"

	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/location"
)

// LogStore writes history to the log instead of a database.
type LogStore struct {
	log log.Logger
}

func NewStore() *LogStore {
	l := &LogStore{}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) Put(session string, s location.Sample, significant bool, srvt time.Time) {
	l.log.Info().Str("session", session).EmbedObject(s).Bool("significant", significant).Time("server_time", srvt).Msg("history")
}
