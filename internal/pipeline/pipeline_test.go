package pipeline

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/loctrack/internal/credstore"
	"nuha.dev/loctrack/internal/fanout"
	"nuha.dev/loctrack/internal/filter"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/metrics"
	"nuha.dev/loctrack/internal/source/manual"
	"nuha.dev/loctrack/internal/uploader"
	"nuha.dev/loctrack/internal/wakelock"
)

type uiSink struct {
	mu       sync.Mutex
	updates  []fanout.Update
	statuses []fanout.Status
}

func (u *uiSink) Name() string { return "ui" }

func (u *uiSink) Deliver(up fanout.Update) error {
	u.mu.Lock()
	u.updates = append(u.updates, up)
	u.mu.Unlock()
	return nil
}

func (u *uiSink) Status(st fanout.Status) error {
	u.mu.Lock()
	u.statuses = append(u.statuses, st)
	u.mu.Unlock()
	return nil
}

func (u *uiSink) snapshot() ([]fanout.Update, []fanout.Status) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]fanout.Update{}, u.updates...), append([]fanout.Status{}, u.statuses...)
}

func (u *uiSink) hasStatus(status string) bool {
	_, sts := u.snapshot()
	for _, st := range sts {
		if st.Status == status {
			return true
		}
	}
	return false
}

type harness struct {
	svc     *Service
	src     *manual.Source
	ui      *uiSink
	lock    *wakelock.Lock
	uploads *int32
	sink    *uploader.Sink
}

func newHarness(t *testing.T, perm location.PermissionStatus) *harness {
	t.Helper()
	var uploads int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploads, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	m := metrics.New()
	f, err := fanout.New(&fanout.Config{Salt: "t"}, m)
	require.NoError(t, err)
	ui := &uiSink{}
	f.Subscribe(ui, fanout.Always)
	up := uploader.New(&uploader.Config{Endpoint: srv.URL}, m)
	sink := uploader.NewSink(up, credstore.Static{UserID: 9, Token: "tok"}, 4)
	f.Subscribe(sink, fanout.SignificantOnly)

	src := manual.New(perm)
	lock := wakelock.New("test", time.Minute)
	svc, err := New(&Param{
		Source:   src,
		Resource: lock,
		Filter:   filter.New(&filter.Config{}),
		Fanout:   f,
		Metrics:  m,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.Close()
		sink.Close(time.Second)
	})
	return &harness{svc: svc, src: src, ui: ui, lock: lock, uploads: &uploads, sink: sink}
}

func at(lat, lon float64) location.Sample {
	return location.Sample{Latitude: lat, Longitude: lon, Accuracy: 5, Timestamp: time.Now().UnixMilli()}
}

func TestSignificantChangeScenario(t *testing.T) {
	h := newHarness(t, location.PermissionAlways)
	require.True(t, h.svc.StartService())

	h.src.Push(at(1, 1))
	h.src.Push(at(1, 1.0009))
	h.src.Push(at(1, 1.00005))

	ups, _ := h.ui.snapshot()
	require.Len(t, ups, 3)
	assert.Equal(t, []bool{true, true, false}, []bool{ups[0].Significant, ups[1].Significant, ups[2].Significant})
	assert.Equal(t, h.svc.Controller().Session(), ups[0].SessionID)

	require.NoError(t, h.sink.Close(time.Second))
	assert.EqualValues(t, 2, atomic.LoadInt32(h.uploads))

	st := h.svc.Status()
	assert.True(t, st.Running)
	assert.EqualValues(t, 3, st.Stats.Samples)
	assert.EqualValues(t, 2, st.Stats.Significant)
	assert.Equal(t, 2, st.Sinks)
	assert.Equal(t, "distance", st.Strategy)
}

func TestBlockedStartDoesNotSubscribe(t *testing.T) {
	h := newHarness(t, location.PermissionDenied)
	assert.False(t, h.svc.StartService())
	assert.False(t, h.svc.IsServiceRunning())
	assert.Equal(t, 0, h.src.Subscribers())
	assert.False(t, h.lock.IsHeld())

	st := h.svc.Status()
	assert.Equal(t, "permission_blocked", st.State)
	assert.Equal(t, "permission_denied", st.Reason)
}

func TestIdempotentStartStop(t *testing.T) {
	h := newHarness(t, location.PermissionAlways)
	assert.True(t, h.svc.StartService())
	assert.True(t, h.svc.StartService())
	assert.Equal(t, 1, h.src.Subscribers())
	assert.True(t, h.svc.StopService())
	assert.False(t, h.svc.StopService())
	assert.Equal(t, 0, h.src.Subscribers())
	assert.Equal(t, wakelock.Stats{Acquired: 1, Released: 1}, h.lock.Stats())
}

func TestNothingDispatchedAfterStop(t *testing.T) {
	h := newHarness(t, location.PermissionAlways)
	h.svc.StartService()
	h.src.Push(at(1, 1))
	h.svc.StopService()
	h.src.Push(at(2, 2))
	ups, _ := h.ui.snapshot()
	assert.Len(t, ups, 1)
}

func TestNewSessionResetsFilter(t *testing.T) {
	h := newHarness(t, location.PermissionAlways)
	h.svc.StartService()
	h.src.Push(at(1, 1))
	h.svc.StopService()
	h.svc.StartService()
	h.src.Push(at(1, 1))
	ups, _ := h.ui.snapshot()
	require.Len(t, ups, 2)
	assert.True(t, ups[1].Significant)
	assert.NotEqual(t, ups[0].SessionID, ups[1].SessionID)
}

func TestStatusRecords(t *testing.T) {
	h := newHarness(t, location.PermissionNotDetermined)
	assert.False(t, h.svc.StartService())

	h.src.SetPermission(location.PermissionAlways)
	_, ok := h.svc.PermissionChanged(location.PermissionAlways)
	require.True(t, ok)
	h.src.Fail(errors.New("kCLErrorLocationUnknown"))
	assert.True(t, h.svc.IsServiceRunning())
	h.svc.StopService()

	assert.Eventually(t, func() bool {
		return h.ui.hasStatus("authorization_changed") && h.ui.hasStatus("started") &&
			h.ui.hasStatus("error") && h.ui.hasStatus("stopped")
	}, time.Second, 5*time.Millisecond)

	_, sts := h.ui.snapshot()
	for _, st := range sts {
		switch st.Status {
		case "authorization_changed":
			assert.Equal(t, "always", st.AuthorizationStatus)
		case "error":
			assert.Equal(t, "kCLErrorLocationUnknown", st.Error)
		case "started":
			assert.Equal(t, msgStarted, st.Message)
		}
	}
}
