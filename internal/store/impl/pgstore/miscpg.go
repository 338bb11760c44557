package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/events"
)

type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

// PgMiscStore records lifecycle transitions next to the sample history.
type PgMiscStore struct {
	db    Execer
	table string
	log   log.Logger
}

func NewMiscStore(db Execer, table string) *PgMiscStore {
	m := PgMiscStore{}
	m.db = db
	m.table = table
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "misc_store").Value()
	return &m
}

func (st *PgMiscStore) SaveStateChange(ctx context.Context, ev events.StateChange) {
	sql := fmt.Sprintf(`INSERT INTO %s (session_id,from_state,to_state,reason,event_time) VALUES ($1,$2,$3,$4,$5)`,
		pgx.Identifier{st.table}.Sanitize())
	_, err := st.db.Exec(ctx, sql, ev.SessionID, ev.From, ev.To, ev.Reason, ev.At.UTC())
	if err != nil {
		st.log.Error().Err(err).Str("to", ev.To).Msg("error saving state change")
	}
}

// CreateTables creates the sample and event tables when they do not exist.
func CreateTables(ctx context.Context, db Execer, samples string, states string) error {
	_, err := db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_id  text NOT NULL,
	latitude    double precision NOT NULL,
	longitude   double precision NOT NULL,
	accuracy    double precision,
	altitude    double precision,
	speed       double precision,
	heading     double precision,
	provider    text,
	significant boolean NOT NULL,
	gps_time    timestamptz NOT NULL,
	server_time timestamptz NOT NULL
)`, pgx.Identifier{samples}.Sanitize()))
	if err != nil {
		return fmt.Errorf("create %s: %w", samples, err)
	}
	_, err = db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_id text,
	from_state text NOT NULL,
	to_state   text NOT NULL,
	reason     text,
	event_time timestamptz NOT NULL
)`, pgx.Identifier{states}.Sanitize()))
	if err != nil {
		return fmt.Errorf("create %s: %w", states, err)
	}
	return nil
}
