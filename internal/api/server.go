package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/fluxripper/internal/db"
	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/httputil"
	"github.com/banshee-data/fluxripper/internal/monitoring"
	"github.com/banshee-data/fluxripper/internal/timeutil"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Options configures a Server. Store and ExportDir are optional.
type Options struct {
	Engine *fluxstat.Engine
	Store  *db.DB
	// ExportDir receives PNG exports. Empty disables the export endpoint.
	ExportDir string
	Clock     timeutil.Clock
}

type Server struct {
	engine    *fluxstat.Engine
	store     *db.DB
	exportDir string
	clock     timeutil.Clock

	mu        sync.Mutex
	lastTrack *fluxstat.TrackResult
	lastGen   uint64
}

func NewServer(opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		engine:    opts.Engine,
		store:     opts.Store,
		exportDir: opts.ExportDir,
		clock:     clock,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/fluxstat/config", s.handleConfig)
	mux.HandleFunc("/api/fluxstat/status", s.handleStatus)
	mux.HandleFunc("/api/fluxstat/version", s.handleVersion)
	mux.HandleFunc("/api/fluxstat/clear", s.handleClear)

	mux.HandleFunc("/api/fluxstat/capture/start", s.handleCaptureStart)
	mux.HandleFunc("/api/fluxstat/capture/abort", s.handleCaptureAbort)
	mux.HandleFunc("/api/fluxstat/capture/progress", s.handleCaptureProgress)
	mux.HandleFunc("/api/fluxstat/capture/wait", s.handleCaptureWait)
	mux.HandleFunc("/api/fluxstat/capture/result", s.handleCaptureResult)
	mux.HandleFunc("/api/fluxstat/passes/{i}", s.handlePass)

	mux.HandleFunc("/api/fluxstat/histogram", s.handleHistogram)
	mux.HandleFunc("/api/fluxstat/histogram/bin/{i}", s.handleHistogramBin)
	mux.HandleFunc("/api/fluxstat/histogram/snapshot", s.handleHistogramSnapshot)
	mux.HandleFunc("/api/fluxstat/histogram/clear", s.handleHistogramClear)
	mux.HandleFunc("/api/fluxstat/histogram/rate", s.handleHistogramRate)
	mux.HandleFunc("/api/fluxstat/histogram/chart", s.handleHistogramChart)
	mux.HandleFunc("/api/fluxstat/histogram/plot.png", s.handleHistogramPlot)
	mux.HandleFunc("/api/fluxstat/histogram/export", s.handleHistogramExport)

	mux.HandleFunc("/api/fluxstat/analyze", s.handleAnalyze)
	mux.HandleFunc("/api/fluxstat/recover/{n}", s.handleRecover)
	mux.HandleFunc("/api/fluxstat/bits", s.handleBits)
	mux.HandleFunc("/api/fluxstat/correlate", s.handleCorrelate)
	mux.HandleFunc("/api/fluxstat/confidence/chart", s.handleConfidenceChart)

	mux.HandleFunc("/api/fluxstat/runs", s.handleRuns)
	mux.HandleFunc("/api/fluxstat/runs/{id}", s.handleRun)
	return mux
}

// statusFor maps engine and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fluxstat.ErrInvalidConfig), errors.Is(err, fluxstat.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, fluxstat.ErrStaleCapture):
		return http.StatusGone
	case errors.Is(err, fluxstat.ErrSectorNotFound), errors.Is(err, db.ErrRunNotFound),
		errors.Is(err, fluxstat.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, fluxstat.ErrBusy), errors.Is(err, fluxstat.ErrCaptureAborted):
		return http.StatusConflict
	case errors.Is(err, fluxstat.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, fluxstat.ErrOverflow):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteJSONError(w, statusFor(err), err.Error())
}

// intParam reads an integer query parameter, returning def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid " + name + ": " + v)
	}
	return n, nil
}

// capture returns the current session's frozen capture.
func (s *Server) capture() (*fluxstat.MultipassCapture, error) {
	return s.engine.Result()
}
