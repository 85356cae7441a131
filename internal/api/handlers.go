package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fluxripper/internal/config"
	"github.com/banshee-data/fluxripper/internal/db"
	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/httputil"
	"github.com/banshee-data/fluxripper/internal/monitoring"
	"github.com/banshee-data/fluxripper/internal/version"
)

const (
	defaultWait   = 30 * time.Second
	maxWait       = 10 * time.Minute
	defaultBits   = 256
	maxBitsWindow = 65536
)

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.engine.Config())
	case http.MethodPost:
		// Fields omitted from the body keep their current values.
		rf := config.FromRecoveryConfig(s.engine.Config())
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(rf); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid config: %v", err))
			return
		}
		if err := rf.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := s.engine.Configure(rf.ToRecoveryConfig()); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.engine.Config())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Status())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.engine.Clear(); err != nil {
		writeError(w, err)
		return
	}
	s.mu.Lock()
	s.lastTrack = nil
	s.mu.Unlock()
	httputil.WriteJSONOK(w, s.engine.Status())
}

type captureRequest struct {
	Drive int `json:"drive"`
	Track int `json:"track"`
	Head  int `json:"head"`
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req captureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.engine.Start(req.Drive, req.Track, req.Head); err != nil {
		writeError(w, err)
		return
	}
	monitoring.Logf("capture started: drive %d track %d head %d", req.Drive, req.Track, req.Head)
	httputil.WriteJSON(w, http.StatusAccepted, s.engine.Status())
}

func (s *Server) handleCaptureAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.engine.Abort(); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Status())
}

type progressResponse struct {
	State   fluxstat.State `json:"state"`
	Current int            `json:"current_pass"`
	Total   int            `json:"total_passes"`
}

func (s *Server) handleCaptureProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	cur, total := s.engine.Progress()
	httputil.WriteJSONOK(w, progressResponse{State: s.engine.Poll(), Current: cur, Total: total})
}

func (s *Server) handleCaptureWait(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	ms, err := intParam(r, "timeout_ms", int(defaultWait/time.Millisecond))
	if err != nil || ms <= 0 {
		httputil.BadRequest(w, "timeout_ms must be a positive integer")
		return
	}
	timeout := min(time.Duration(ms)*time.Millisecond, maxWait)
	if err := s.engine.Wait(r.Context(), timeout); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Status())
}

type passSummary struct {
	fluxstat.CapturePass
	RPM uint32 `json:"rpm"`
}

type captureSummary struct {
	Drive       int           `json:"drive"`
	Track       int           `json:"track"`
	Head        int           `json:"head"`
	PassCount   int           `json:"pass_count"`
	TotalFlux   uint32        `json:"total_flux"`
	MinFlux     uint32        `json:"min_flux"`
	MaxFlux     uint32        `json:"max_flux"`
	TotalTime   uint32        `json:"total_time"`
	ClockHz     uint32        `json:"clock_hz"`
	Generation  uint64        `json:"generation"`
	AverageRPM  uint32        `json:"average_rpm"`
	IndexMean   float64       `json:"index_mean"`
	IndexStdDev float64       `json:"index_stddev"`
	Passes      []passSummary `json:"passes"`
}

func summarize(c *fluxstat.MultipassCapture) captureSummary {
	mean, sd := c.IndexPeriodStats()
	out := captureSummary{
		Drive: c.Drive, Track: c.Track, Head: c.Head,
		PassCount: c.PassCount,
		TotalFlux: c.TotalFlux, MinFlux: c.MinFlux, MaxFlux: c.MaxFlux,
		TotalTime: c.TotalTime, ClockHz: c.ClockHz, Generation: c.Generation,
		AverageRPM: c.AverageRPM(), IndexMean: mean, IndexStdDev: sd,
	}
	for i := range c.Passes {
		p := &c.Passes[i]
		out.Passes = append(out.Passes, passSummary{CapturePass: *p, RPM: p.RPM(c.ClockHz)})
	}
	return out
}

func (s *Server) handleCaptureResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	c, err := s.capture()
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, summarize(c))
}

type passResponse struct {
	passSummary
	Addr      uint32   `json:"addr"`
	Size      uint32   `json:"size"`
	Intervals []uint32 `json:"intervals,omitempty"`
}

func (s *Server) handlePass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	i, err := strconv.Atoi(r.PathValue("i"))
	if err != nil {
		httputil.BadRequest(w, "pass index must be an integer")
		return
	}
	c, err := s.capture()
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := c.Pass(i)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, size, err := s.engine.PassData(i)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := passResponse{
		passSummary: passSummary{CapturePass: *p, RPM: p.RPM(c.ClockHz)},
		Addr:        addr,
		Size:        size,
	}
	if r.URL.Query().Get("intervals") == "true" {
		resp.Intervals = p.Intervals()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.HistogramStats())
}

func (s *Server) handleHistogramBin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	i, err := strconv.Atoi(r.PathValue("i"))
	if err != nil {
		httputil.BadRequest(w, "bin must be an integer")
		return
	}
	n, err := s.engine.ReadBin(i)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"bin":          i,
		"count":        n,
		"centre_ticks": fluxstat.BinCentre(i),
	})
}

func (s *Server) handleHistogramSnapshot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		httputil.WriteJSONOK(w, s.engine.HistogramSnapshot())
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.engine.SnapshotStats())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleHistogramClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.engine.ClearHistogram()
	httputil.WriteJSONOK(w, s.engine.HistogramStats())
}

func (s *Server) handleHistogramRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	rate, err := s.engine.EstimateRateBPS()
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"data_rate": rate,
		"encoding":  s.engine.Config().Encoding,
	})
}

type analyzeResponse struct {
	RunID  string                `json:"run_id,omitempty"`
	Result *fluxstat.TrackResult `json:"result"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	c, err := s.capture()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.AnalyzeTrack(c)
	if err != nil {
		writeError(w, err)
		return
	}
	s.mu.Lock()
	s.lastTrack, s.lastGen = res, c.Generation
	s.mu.Unlock()

	resp := analyzeResponse{Result: res}
	if s.store != nil {
		run := db.NewRun(c, s.engine.Config(), res, s.clock.Now())
		if err := s.store.InsertRun(r.Context(), run); err != nil {
			monitoring.Logf("failed to store run for track %d head %d: %v", c.Track, c.Head, err)
		} else {
			resp.RunID = run.ID
		}
	}
	monitoring.Logf("track %d head %d: %d/%d sectors recovered, confidence %d%%",
		res.Track, res.Head, res.SectorsRecovered, res.SectorCount, res.OverallConfidence)
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		httputil.BadRequest(w, "sector must be an integer")
		return
	}
	c, err := s.capture()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.RecoverSector(c, n)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

// window reads offset and count query parameters.
func window(r *http.Request) (offset, count int, err error) {
	if offset, err = intParam(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	if count, err = intParam(r, "count", defaultBits); err != nil {
		return 0, 0, err
	}
	if count > maxBitsWindow {
		return 0, 0, fmt.Errorf("count must not exceed %d", maxBitsWindow)
	}
	return offset, count, nil
}

type bitsResponse struct {
	Offset int                    `json:"offset"`
	Count  int                    `json:"count"`
	Mode   string                 `json:"mode"`
	Map    string                 `json:"map"`
	Bits   []fluxstat.BitAnalysis `json:"bits"`
}

func (s *Server) handleBits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	offset, count, err := window(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	c, err := s.capture()
	if err != nil {
		writeError(w, err)
		return
	}
	mode := r.URL.Query().Get("mode")
	var bits []fluxstat.BitAnalysis
	switch mode {
	case "", "literal":
		mode = "literal"
		bits, err = s.engine.AnalyzeBits(c, offset, count)
	case "agreement":
		bits, err = s.engine.AnalyzeAgreement(c, offset, count)
	default:
		httputil.BadRequest(w, "mode must be literal or agreement")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, bitsResponse{
		Offset: offset, Count: count, Mode: mode,
		Map:  fluxstat.ConfidenceMap(bits),
		Bits: bits,
	})
}

func (s *Server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	offset, count, err := window(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	c, err := s.capture()
	if err != nil {
		writeError(w, err)
		return
	}
	corr, err := s.engine.Correlate(c, offset, count)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, corr)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "run store not configured")
		return
	}
	track, err := intParam(r, "track", -1)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), track, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.NotFound(w, "run store not configured")
		return
	}
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		run, err := s.store.GetRun(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, run)
	case http.MethodDelete:
		if err := s.store.DeleteRun(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}
