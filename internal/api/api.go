// Package api exposes the host control operations over HTTP: start, stop,
// status and permission changes, plus the UI event stream and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/lifecycle"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/pipeline"
	"nuha.dev/loctrack/internal/source/netsource"
	"nuha.dev/loctrack/internal/util"
)

type ApiConfig struct {
	ListenAddr string
	// TokenHash is a bcrypt hash of the control token. Empty disables the check.
	TokenHash string
}

// Service is the pipeline as the API drives it.
type Service interface {
	StartService() bool
	StopService() bool
	IsServiceRunning() bool
	PermissionChanged(p location.PermissionStatus) (lifecycle.State, bool)
	Status() pipeline.Status
}

// PermissionSetter is the source-side switch the OS authorization lands in.
type PermissionSetter interface {
	SetPermission(p location.PermissionStatus)
}

// SourceMonitor reports on the device side of a network source.
type SourceMonitor interface {
	Stats() netsource.Stats
	Peers() []netsource.Peer
}

type Param struct {
	Service    Service
	Permission PermissionSetter
	Monitor    SourceMonitor
	Events     http.Handler
	Metrics    http.Handler
}

type sourceResponse struct {
	Stats netsource.Stats  `json:"stats"`
	Peers []netsource.Peer `json:"peers"`
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	svc    Service
	perm   PermissionSetter
	mon    SourceMonitor
	vld    *validator.Validate
	log    log.Logger
}

type startResponse struct {
	Ok     bool   `json:"ok"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type permissionRequest struct {
	Status string `json:"status" validate:"required,oneof=not_determined denied restricted when_in_use always"`
}

type errorResponse struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error"`
}

func NewApi(p *Param, config *ApiConfig) *Api {
	api := &Api{config: config}
	api.svc = p.Service
	api.perm = p.Permission
	api.mon = p.Monitor
	api.vld = validator.New()
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(api.tokenVerify)
		r.Post("/service/start", api.start)
		r.Post("/service/stop", api.stop)
		r.Get("/service/status", api.status)
		r.Post("/permission", api.permission)
		if p.Monitor != nil {
			r.Get("/source", api.source)
		}
	})
	if p.Events != nil {
		r.With(api.streamTokenVerify).Get("/events", p.Events.ServeHTTP)
	}
	if p.Metrics != nil {
		r.Get("/metrics", p.Metrics.ServeHTTP)
	}
	api.r = r

	api.s = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           api.r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until ctx is done, then shuts down gracefully.
func (api *Api) Run(ctx context.Context) error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	errc := make(chan error, 1)
	go func() {
		errc <- api.s.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := api.s.Shutdown(sctx)
	if e := <-errc; e != nil && !errors.Is(e, http.ErrServerClosed) {
		return e
	}
	return err
}

func (api *Api) tokenVerify(next http.Handler) http.Handler {
	return api.requireToken(next, false)
}

// streamTokenVerify also takes the token from the "token" query parameter,
// since browsers cannot set headers on a websocket upgrade.
func (api *Api) streamTokenVerify(next http.Handler) http.Handler {
	return api.requireToken(next, true)
}

func (api *Api) requireToken(next http.Handler, fromQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.config.TokenHash != "" {
			tok := util.BearerToken(r)
			if tok == "" && fromQuery {
				tok = r.URL.Query().Get("token")
			}
			if tok == "" || !util.CheckPwd(api.config.TokenHash, tok) {
				api.log.Debug().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("invalid control token")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (api *Api) start(w http.ResponseWriter, r *http.Request) {
	ok := api.svc.StartService()
	st := api.svc.Status()
	api.log.Info().Bool("ok", ok).Str("state", st.State).Str("reason", st.Reason).Msg("start requested")
	util.JsonWrite(w, startResponse{Ok: ok, State: st.State, Reason: st.Reason})
}

func (api *Api) stop(w http.ResponseWriter, r *http.Request) {
	ok := api.svc.StopService()
	st := api.svc.Status()
	api.log.Info().Bool("ok", ok).Str("state", st.State).Msg("stop requested")
	util.JsonWrite(w, startResponse{Ok: ok, State: st.State})
}

func (api *Api) status(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, api.svc.Status())
}

func (api *Api) permission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		util.JsonWriteStatus(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := api.vld.Struct(req); err != nil {
		util.JsonWriteStatus(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	p, _ := location.ParsePermissionStatus(req.Status)
	if api.perm != nil {
		api.perm.SetPermission(p)
	}
	state, ok := api.svc.PermissionChanged(p)
	st := api.svc.Status()
	util.JsonWrite(w, startResponse{Ok: ok, State: state.String(), Reason: st.Reason})
}

func (api *Api) source(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, sourceResponse{Stats: api.mon.Stats(), Peers: api.mon.Peers()})
}
