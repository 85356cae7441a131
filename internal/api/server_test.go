package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fluxripper/internal/db"
	"github.com/banshee-data/fluxripper/internal/fluxdev"
	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/mfm"
	"github.com/banshee-data/fluxripper/internal/monitoring"
	"github.com/banshee-data/fluxripper/internal/testutil"
	"github.com/banshee-data/fluxripper/internal/timeutil"
	"github.com/banshee-data/fluxripper/internal/version"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type testServer struct {
	srv   *Server
	mux   http.Handler
	sim   *fluxdev.Sim
	store *db.DB
	dir   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	src := fluxdev.NewSynthetic(fluxdev.DefaultClockHz)
	src.JitterTicks = 8
	src.Speeds = []float64{1.0, 1.002, 0.998}
	sim := fluxdev.NewSim(fluxdev.Options{Source: src})
	clock := timeutil.NewMockClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	e, err := fluxstat.NewEngine(fluxstat.Options{
		Device:    sim,
		Histogram: sim.Histogram(),
		Drive:     sim,
		Decoder:   mfm.NewDecoder(),
		Clock:     clock,
		Logf:      func(string, ...interface{}) {},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := db.NewDB(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := NewServer(Options{Engine: e, Store: store, ExportDir: filepath.Join(dir, "exports"), Clock: clock})
	return &testServer{srv: srv, mux: LoggingMiddleware(srv.ServeMux()), sim: sim, store: store, dir: dir}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := testutil.NewTestRecorder()
	ts.mux.ServeHTTP(w, testutil.NewJSONRequest(method, path, body))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	return testutil.DecodeJSON[T](t, w)
}

// capture runs a full capture of track 4 head 0.
func (ts *testServer) capture(t *testing.T) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/fluxstat/config", `{"pass_count": 4}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	w = ts.do(t, http.MethodPost, "/api/fluxstat/capture/start", `{"drive":0,"track":4,"head":0}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)
	w = ts.do(t, http.MethodPost, "/api/fluxstat/capture/wait?timeout_ms=1000", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fluxstat.ErrInvalidConfig, http.StatusBadRequest},
		{fluxstat.ErrInvalidArgument, http.StatusBadRequest},
		{fluxstat.ErrStaleCapture, http.StatusGone},
		{fluxstat.ErrNoData, http.StatusNotFound},
		{fluxstat.ErrSectorNotFound, http.StatusNotFound},
		{db.ErrRunNotFound, http.StatusNotFound},
		{fluxstat.ErrBusy, http.StatusConflict},
		{fluxstat.ErrCaptureAborted, http.StatusConflict},
		{fluxstat.ErrTimeout, http.StatusGatewayTimeout},
		{fluxstat.ErrOverflow, http.StatusInsufficientStorage},
		{os.ErrPermission, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestConfigEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/fluxstat/config", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, fluxstat.DefaultRecoveryConfig(), decode[fluxstat.RecoveryConfig](t, w))

	w = ts.do(t, http.MethodPost, "/api/fluxstat/config", `{"pass_count": 16, "encoding": "fm"}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	got := decode[fluxstat.RecoveryConfig](t, w)
	assert.Equal(t, 16, got.PassCount)
	assert.Equal(t, fluxstat.EncodingFM, got.Encoding)
	assert.Equal(t, fluxstat.DefaultMaxCorrectionBits, got.MaxCorrectionBits, "omitted fields keep their values")

	w = ts.do(t, http.MethodPost, "/api/fluxstat/config", `{"pass_count": 1}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	w = ts.do(t, http.MethodPost, "/api/fluxstat/config", `{"bogus": 1}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	w = ts.do(t, http.MethodDelete, "/api/fluxstat/config", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestStatusAndVersion(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/fluxstat/status", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	st := decode[fluxstat.SessionStatus](t, w)
	assert.Equal(t, fluxstat.StateIdle, st.State)
	assert.Equal(t, fluxstat.DefaultPasses, st.TotalPasses)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/version", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, version.Get(), decode[version.Info](t, w))
}

func TestResultBeforeCapture(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{
		"/api/fluxstat/capture/result",
		"/api/fluxstat/recover/1",
		"/api/fluxstat/bits",
	} {
		w := ts.do(t, http.MethodGet, path, "")
		testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
	}
	w := ts.do(t, http.MethodPost, "/api/fluxstat/capture/wait?timeout_ms=5", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestCaptureAndAnalyze(t *testing.T) {
	ts := newTestServer(t)
	ts.capture(t)

	w := ts.do(t, http.MethodGet, "/api/fluxstat/capture/progress", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	prog := decode[progressResponse](t, w)
	assert.Equal(t, fluxstat.StateDone, prog.State)
	assert.Equal(t, 4, prog.Total)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/capture/result", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	sum := decode[captureSummary](t, w)
	assert.Equal(t, 4, sum.Track)
	require.Len(t, sum.Passes, 4)
	assert.InDelta(t, 300, float64(sum.Passes[0].RPM), 2)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/passes/2?intervals=true", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	pass := decode[passResponse](t, w)
	assert.Equal(t, 2, pass.Index)
	assert.Equal(t, int(pass.FluxCount), len(pass.Intervals))
	assert.Equal(t, pass.FluxCount*4, pass.Size)
	w = ts.do(t, http.MethodGet, "/api/fluxstat/passes/9", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = ts.do(t, http.MethodPost, "/api/fluxstat/analyze", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	an := decode[analyzeResponse](t, w)
	require.NotNil(t, an.Result)
	assert.Equal(t, 9, an.Result.SectorsRecovered)
	require.NotEmpty(t, an.RunID)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/recover/4", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	sec := decode[fluxstat.SectorResult](t, w)
	assert.Equal(t, fluxdev.SectorData(4, 0, 4, 512), sec.Data)
	w = ts.do(t, http.MethodGet, "/api/fluxstat/recover/10", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
	w = ts.do(t, http.MethodGet, "/api/fluxstat/recover/x", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/bits?offset=4000&count=64&mode=agreement", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	bits := decode[bitsResponse](t, w)
	assert.Len(t, bits.Bits, 64)
	assert.Len(t, bits.Map, 64)
	assert.NotContains(t, bits.Map, "?")
	w = ts.do(t, http.MethodGet, "/api/fluxstat/bits?mode=bogus", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	w = ts.do(t, http.MethodGet, "/api/fluxstat/bits?count=100000", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/correlate?offset=4000&count=16", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Len(t, decode[[]fluxstat.Correlation](t, w), 16)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/runs?track=4", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	runs := decode[[]db.Run](t, w)
	require.Len(t, runs, 1)
	assert.Equal(t, an.RunID, runs[0].ID)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/runs/"+an.RunID, "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	run := decode[db.Run](t, w)
	require.NotNil(t, run.Result)
	assert.Equal(t, 9, run.Result.SectorCount)

	w = ts.do(t, http.MethodDelete, "/api/fluxstat/runs/"+an.RunID, "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNoContent)
	w = ts.do(t, http.MethodGet, "/api/fluxstat/runs/"+an.RunID, "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestCaptureConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.sim.SetStall(true)

	w := ts.do(t, http.MethodPost, "/api/fluxstat/capture/start", `{"track":1}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)
	w = ts.do(t, http.MethodPost, "/api/fluxstat/capture/start", `{"track":1}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusConflict)
	w = ts.do(t, http.MethodPost, "/api/fluxstat/config", `{"pass_count": 3}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusConflict)
	w = ts.do(t, http.MethodPost, "/api/fluxstat/clear", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusConflict)
	w = ts.do(t, http.MethodPost, "/api/fluxstat/capture/wait?timeout_ms=3", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusGatewayTimeout)

	w = ts.do(t, http.MethodPost, "/api/fluxstat/capture/abort", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	st := decode[fluxstat.SessionStatus](t, w)
	assert.Equal(t, fluxstat.StateAborted, st.State)

	w = ts.do(t, http.MethodPost, "/api/fluxstat/capture/start", `{"head":2}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	w = ts.do(t, http.MethodPost, "/api/fluxstat/capture/start", `not json`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestStaleCaptureAfterClear(t *testing.T) {
	ts := newTestServer(t)
	ts.capture(t)
	w := ts.do(t, http.MethodPost, "/api/fluxstat/analyze", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	w = ts.do(t, http.MethodGet, "/api/fluxstat/confidence/chart", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	w = ts.do(t, http.MethodPost, "/api/fluxstat/clear", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	st := decode[fluxstat.SessionStatus](t, w)
	assert.Equal(t, fluxstat.StateIdle, st.State)
	assert.False(t, st.HasData)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/confidence/chart", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestHistogramEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/fluxstat/histogram/chart", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
	w = ts.do(t, http.MethodGet, "/api/fluxstat/histogram/rate", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)

	ts.capture(t)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/histogram", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	stats := decode[fluxstat.IntervalHistogram](t, w)
	assert.Positive(t, stats.TotalCount)
	// The shortest MFM interval is 800 ticks at 200MHz.
	assert.InDelta(t, 200, stats.PeakBin, 6)

	w = ts.do(t, http.MethodGet, fmt.Sprintf("/api/fluxstat/histogram/bin/%d", stats.PeakBin), "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	bin := decode[map[string]float64](t, w)
	assert.Equal(t, float64(stats.PeakCount), bin["count"])
	assert.Equal(t, float64(fluxstat.BinCentre(stats.PeakBin)), bin["centre_ticks"])
	w = ts.do(t, http.MethodGet, "/api/fluxstat/histogram/bin/256", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = ts.do(t, http.MethodGet, "/api/fluxstat/histogram/rate", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	rate := decode[map[string]interface{}](t, w)
	assert.InEpsilon(t, 250000, rate["data_rate"], 0.05)
	assert.Equal(t, "mfm", rate["encoding"])

	w = ts.do(t, http.MethodGet, "/api/fluxstat/histogram/chart", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Flux Interval Histogram")

	w = ts.do(t, http.MethodGet, "/api/fluxstat/histogram/plot.png", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = ts.do(t, http.MethodPost, "/api/fluxstat/histogram/export", `{"name":"../../etc/evil"}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	out := decode[map[string]string](t, w)
	assert.Equal(t, filepath.Join(ts.dir, "exports"), filepath.Dir(out["path"]))
	_, err := os.Stat(out["path"])
	assert.NoError(t, err)

	w = ts.do(t, http.MethodPost, "/api/fluxstat/histogram/snapshot", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	w = ts.do(t, http.MethodGet, "/api/fluxstat/histogram/snapshot", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, stats, decode[fluxstat.IntervalHistogram](t, w))

	w = ts.do(t, http.MethodPost, "/api/fluxstat/histogram/clear", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Zero(t, decode[fluxstat.IntervalHistogram](t, w).TotalCount)
}

func TestRunsWithoutStore(t *testing.T) {
	ts := newTestServer(t)
	srv := NewServer(Options{Engine: ts.srv.engine})
	w := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/fluxstat/runs", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}
