package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/mustafaturan/bus/v3"
	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"nuha.dev/loctrack/internal/api"
	"nuha.dev/loctrack/internal/config"
	"nuha.dev/loctrack/internal/credstore"
	"nuha.dev/loctrack/internal/events"
	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/filter"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/metrics"
	"nuha.dev/loctrack/internal/natssink"
	"nuha.dev/loctrack/internal/notifier"
	"nuha.dev/loctrack/internal/pipeline"
	"nuha.dev/loctrack/internal/source/netsource"
	"nuha.dev/loctrack/internal/store"
	"nuha.dev/loctrack/internal/store/impl/logstore"
	"nuha.dev/loctrack/internal/store/impl/pgstore"
	"nuha.dev/loctrack/internal/uploader"
	"nuha.dev/loctrack/internal/wakelock"
	"nuha.dev/loctrack/internal/webstream"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the location pipeline",
	Long: `Run the location pipeline. Settings come from defaults, the optional
--config file and LOCTRACK_* environment variables; flags override all.`,
	RunE: runServe,
}

// flagKeys maps serve flags to config keys.
var flagKeys = map[string]string{
	"log-level":       "log_level",
	"autostart":       "autostart",
	"source-address":  "source.listen_addr",
	"api-address":     "api.listen_addr",
	"upload-endpoint": "upload.endpoint",
	"db-url":          "store.db_url",
	"nats-url":        "nats.url",
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a configuration file (yaml, json or toml)")
	serveCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	serveCmd.Flags().Bool("autostart", false, "Start tracking as soon as the daemon is up")
	serveCmd.Flags().String("source-address", ":6000", "Address the device listener binds to")
	serveCmd.Flags().String("api-address", ":3333", "Address the control api binds to")
	serveCmd.Flags().String("upload-endpoint", "", "URL significant locations are posted to")
	serveCmd.Flags().String("db-url", "", "Postgres url for location history")
	serveCmd.Flags().String("nats-url", "", "NATS server url for publishing locations")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	v := config.New(file)
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return config.Load(v)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.DefaultLogger.Level = cfg.Level()
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "locationd").Value()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	eb, err := events.New(0)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	fan, err := fanout.New(&fanout.Config{Salt: cfg.Ids.Salt}, m)
	if err != nil {
		return fmt.Errorf("fanout: %w", err)
	}
	strategy, err := filter.ParseStrategy(cfg.Filter.Strategy)
	if err != nil {
		return err
	}
	flt := filter.New(&filter.Config{Strategy: strategy, Threshold: cfg.Filter.ThresholdM, Interval: cfg.Filter.Interval})
	lock := wakelock.New("locationd", cfg.Wakelock.Duration)

	perm, _ := location.ParsePermissionStatus(cfg.Source.Permission)
	gate := location.NewGate(perm, true, true)
	src := netsource.NewServer(gate, &netsource.ServerConfig{
		ListenerAddr:  cfg.Source.ListenAddr,
		ProxyProtocol: cfg.Source.ProxyProtocol,
		TunnelAddr:    cfg.Source.TunnelAddr,
		TunnelToken:   cfg.Source.TunnelToken,
	})

	svc, err := pipeline.New(&pipeline.Param{
		Source:   src,
		Resource: lock,
		Filter:   flt,
		Fanout:   fan,
		Bus:      eb,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	// Background work that stops with ctx.
	g, gctx := errgroup.WithContext(ctx)
	// Store writers outlive ctx so samples dispatched before the pipeline
	// stops still get flushed.
	storeCtx, storeCancel := context.WithCancel(context.Background())
	defer storeCancel()
	storeDone := make(chan struct{})
	close(storeDone)

	var creds uploader.CredentialSource = credstore.Static{UserID: location.NoUser}
	if cfg.Credentials.File != "" {
		f, err := credstore.Open(cfg.Credentials.File)
		if err != nil {
			return err
		}
		creds = f
		g.Go(func() error {
			return f.Watch(gctx)
		})
	}

	var upSink *uploader.Sink
	if cfg.Upload.Endpoint != "" {
		up := uploader.New(&uploader.Config{
			Endpoint:    cfg.Upload.Endpoint,
			Timeout:     cfg.Upload.Timeout,
			MaxInflight: cfg.Upload.MaxInflight,
		}, m)
		upSink = uploader.NewSink(up, creds, cfg.Upload.MaxInflight)
		fan.Subscribe(upSink, fanout.SignificantOnly)
	} else {
		logger.Warn().Msg("no upload endpoint configured, significant locations stay local")
	}

	fan.Subscribe(notifier.New(notifier.NewLogPoster()), fanout.Always)

	var history store.Store
	if cfg.Store.DbUrl != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Store.DbUrl)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer pool.Close()
		if err := pgstore.CreateTables(ctx, pool, cfg.Store.Table, cfg.Store.EventTable); err != nil {
			return err
		}
		pg := pgstore.NewStore(pool, cfg.Store.Table, &pgstore.StoreConfig{
			BufSize:     cfg.Store.BufSize,
			TickerDur:   cfg.Store.MaxAgeFlush,
			MaxAgeFlush: cfg.Store.MaxAgeFlush,
		})
		storeDone = make(chan struct{})
		go func() {
			defer close(storeDone)
			pg.Run(storeCtx)
		}()
		misc := pgstore.NewMiscStore(pool, cfg.Store.EventTable)
		eb.Handle("store.state", "^lifecycle\\.state$", func(ctx context.Context, ev bus.Event) {
			if sc, ok := ev.Data.(events.StateChange); ok {
				misc.SaveStateChange(ctx, sc)
			}
		})
		history = pg
	} else {
		history = logstore.NewStore()
	}
	fan.Subscribe(store.Sink{Store: history}, fanout.Always)

	var nc *nats.Conn
	if cfg.Nats.Url != "" {
		nc, err = natssink.Connect(cfg.Nats.Url, "locationd")
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		fan.Subscribe(natssink.New(nc, cfg.Nats.Subject), fanout.SignificantOnly)
	}

	ws := webstream.NewWebstream(fan, webstream.Config{})
	srv := api.NewApi(&api.Param{
		Service:    svc,
		Permission: gate,
		Monitor:    src,
		Events:     ws,
		Metrics:    m.Handler(),
	}, &api.ApiConfig{ListenAddr: cfg.Api.ListenAddr, TokenHash: cfg.Api.TokenHash})

	if cfg.Source.ListenAddr != "" {
		g.Go(func() error {
			return src.ListenAndServe(gctx)
		})
	}
	if cfg.Source.TunnelAddr != "" {
		g.Go(func() error {
			return src.RunTunnel(gctx)
		})
	}
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if cfg.Autostart {
		if !svc.StartService() {
			st := svc.Status()
			logger.Warn().Str("state", st.State).Str("reason", st.Reason).Msg("autostart did not reach running")
		}
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info().Msg("shutting down")
	svc.Close()
	src.Close()
	if upSink != nil {
		if e := upSink.Close(shutdownTimeout); e != nil {
			logger.Warn().Err(e).Msg("uploads still in flight")
		}
	}
	storeCancel()
	<-storeDone
	eb.Remove("store.state")
	if nc != nil {
		nc.Drain()
	}
	return err
}
