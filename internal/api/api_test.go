package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/loctrack/internal/lifecycle"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/pipeline"
	"nuha.dev/loctrack/internal/source/netsource"
	"nuha.dev/loctrack/internal/util"
)

type fakeService struct {
	mu      sync.Mutex
	state   lifecycle.State
	reason  string
	perm    location.PermissionStatus
	starts  int
	stops   int
	permChg []location.PermissionStatus
}

func (f *fakeService) StartService() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if !f.perm.Granted() {
		f.state = lifecycle.StatePermissionBlocked
		f.reason = "permission_denied"
		return false
	}
	if f.state == lifecycle.StateRunning {
		return false
	}
	f.state = lifecycle.StateRunning
	f.reason = ""
	return true
}

func (f *fakeService) StopService() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.state == lifecycle.StateStopped {
		return false
	}
	f.state = lifecycle.StateStopped
	f.reason = ""
	return true
}

func (f *fakeService) IsServiceRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == lifecycle.StateRunning
}

func (f *fakeService) PermissionChanged(p location.PermissionStatus) (lifecycle.State, bool) {
	f.mu.Lock()
	f.permChg = append(f.permChg, p)
	f.perm = p
	blocked := f.state == lifecycle.StatePermissionBlocked
	f.mu.Unlock()
	if blocked && p.Granted() {
		ok := f.StartService()
		return lifecycle.StateRunning, ok
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, false
}

func (f *fakeService) Status() pipeline.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pipeline.Status{
		Running:  f.state == lifecycle.StateRunning,
		State:    f.state.String(),
		Reason:   f.reason,
		Strategy: "distance",
	}
}

type fakeGate struct {
	p location.PermissionStatus
}

func (g *fakeGate) SetPermission(p location.PermissionStatus) { g.p = p }

type fakeMonitor struct{}

func (fakeMonitor) Stats() netsource.Stats {
	return netsource.Stats{Connections: 1, Samples: 12, Invalid: 2}
}

func (fakeMonitor) Peers() []netsource.Peer {
	return []netsource.Peer{{Cid: 1, Addr: "10.0.0.7:5123", BytesIn: 300, BytesOut: 4}}
}

func newTestApi(svc *fakeService, gate *fakeGate, hash string) *httptest.Server {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("loctrack_samples_total 0\n"))
	})
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("stream"))
	})
	api := NewApi(&Param{Service: svc, Permission: gate, Monitor: fakeMonitor{}, Metrics: metrics, Events: events}, &ApiConfig{TokenHash: hash})
	return httptest.NewServer(api.Handler())
}

func post(t *testing.T, url, body, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	if resp.StatusCode != http.StatusUnauthorized {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestStartStop(t *testing.T) {
	svc := &fakeService{perm: location.PermissionAlways}
	srv := newTestApi(svc, &fakeGate{}, "")
	defer srv.Close()

	resp, out := post(t, srv.URL+"/service/start", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "running", out["state"])

	_, out = post(t, srv.URL+"/service/start", "", "")
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "running", out["state"])

	_, out = post(t, srv.URL+"/service/stop", "", "")
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "stopped", out["state"])
}

func TestStartBlocked(t *testing.T) {
	svc := &fakeService{perm: location.PermissionDenied}
	srv := newTestApi(svc, &fakeGate{}, "")
	defer srv.Close()

	_, out := post(t, srv.URL+"/service/start", "", "")
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "permission_blocked", out["state"])
	assert.Equal(t, "permission_denied", out["reason"])
}

func TestPermissionChange(t *testing.T) {
	svc := &fakeService{perm: location.PermissionDenied}
	gate := &fakeGate{}
	srv := newTestApi(svc, gate, "")
	defer srv.Close()

	post(t, srv.URL+"/service/start", "", "")
	resp, out := post(t, srv.URL+"/permission", `{"status":"always"}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "running", out["state"])
	assert.Equal(t, location.PermissionAlways, gate.p)
	assert.Equal(t, []location.PermissionStatus{location.PermissionAlways}, svc.permChg)
}

func TestPermissionInvalid(t *testing.T) {
	svc := &fakeService{}
	srv := newTestApi(svc, &fakeGate{}, "")
	defer srv.Close()

	for _, body := range []string{`{"status":"sometimes"}`, `{}`, `not json`} {
		resp, out := post(t, srv.URL+"/permission", body, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.NotEmpty(t, out["error"], body)
	}
	assert.Empty(t, svc.permChg)
}

func TestStatus(t *testing.T) {
	svc := &fakeService{perm: location.PermissionAlways}
	srv := newTestApi(svc, &fakeGate{}, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/service/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st pipeline.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "stopped", st.State)
	assert.False(t, st.Running)
	assert.Equal(t, "distance", st.Strategy)
}

func TestTokenRequired(t *testing.T) {
	svc := &fakeService{perm: location.PermissionAlways}
	srv := newTestApi(svc, &fakeGate{}, util.CryptPwd("s3cret"))
	defer srv.Close()

	resp, _ := post(t, srv.URL+"/service/start", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = post(t, srv.URL+"/service/start", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, svc.starts)

	resp, out := post(t, srv.URL+"/service/start", "", "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", out["state"])

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestEventsTokenRequired(t *testing.T) {
	srv := newTestApi(&fakeService{}, &fakeGate{}, util.CryptPwd("s3cret"))
	defer srv.Close()

	get := func(url, bearer string) (int, string) {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	code, _ := get(srv.URL+"/events", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(srv.URL+"/events?token=wrong", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := get(srv.URL+"/events?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stream", body)
	code, body = get(srv.URL+"/events", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stream", body)

	// the query parameter is only honoured for the event stream
	code, _ = get(srv.URL+"/service/status?token=s3cret", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestSource(t *testing.T) {
	srv := newTestApi(&fakeService{}, &fakeGate{}, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/source")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out sourceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.EqualValues(t, 12, out.Stats.Samples)
	require.Len(t, out.Peers, 1)
	assert.Equal(t, "10.0.0.7:5123", out.Peers[0].Addr)
}
