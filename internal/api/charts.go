package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/httputil"
	"github.com/banshee-data/fluxripper/internal/security"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// histogramBins is the occupied span of the live histogram.
type histogramBins struct {
	first, last int
	counts      [fluxstat.HistogramBins]uint32
}

func (s *Server) readBins() (histogramBins, bool) {
	h := histogramBins{first: -1}
	for i := range h.counts {
		n, err := s.engine.ReadBin(i)
		if err != nil {
			continue
		}
		h.counts[i] = n
		if n > 0 {
			if h.first < 0 {
				h.first = i
			}
			h.last = i
		}
	}
	return h, h.first >= 0
}

// binNS converts a bin centre to nanoseconds at clockHz.
func binNS(i int, clockHz uint32) float64 {
	if clockHz == 0 {
		return float64(fluxstat.BinCentre(i))
	}
	return float64(fluxstat.BinCentre(i)) * 1e9 / float64(clockHz)
}

// handleHistogramChart renders the interval histogram as an HTML bar chart.
func (s *Server) handleHistogramChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	bins, ok := s.readBins()
	if !ok {
		httputil.NotFound(w, "histogram is empty")
		return
	}
	stats := s.engine.HistogramStats()
	clock := s.engine.ClockHz()

	x := make([]string, 0, bins.last-bins.first+1)
	y := make([]opts.BarData, 0, bins.last-bins.first+1)
	for i := bins.first; i <= bins.last; i++ {
		x = append(x, fmt.Sprintf("%.0f", binNS(i, clock)))
		y = append(y, opts.BarData{Value: bins.counts[i]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Flux Interval Histogram", Width: "100%", Height: "640px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Flux Interval Histogram",
			Subtitle: fmt.Sprintf("intervals=%d peak=%.0fns overflow=%d", stats.TotalCount, binNS(stats.PeakBin, clock), stats.OverflowCount),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Interval (ns)", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Count"}),
	)
	bar.SetXAxis(x).AddSeries("intervals", y)

	writeChart(w, bar)
}

// handleConfidenceChart renders per-sector confidence from the last
// analysis of the current capture.
func (s *Server) handleConfidenceChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s.mu.Lock()
	res, gen := s.lastTrack, s.lastGen
	s.mu.Unlock()
	if res == nil || gen != s.engine.Status().Generation {
		httputil.NotFound(w, "no analysis for the current capture; POST /api/fluxstat/analyze first")
		return
	}

	x := make([]string, 0, len(res.Sectors))
	minData := make([]opts.BarData, 0, len(res.Sectors))
	avgData := make([]opts.BarData, 0, len(res.Sectors))
	for _, sec := range res.Sectors {
		x = append(x, fmt.Sprintf("%d (%s)", sec.Sector, sec.Status))
		minData = append(minData, opts.BarData{Value: sec.ConfidenceMin})
		avgData = append(avgData, opts.BarData{Value: sec.ConfidenceAvg})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sector Confidence", Width: "100%", Height: "640px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("Track %d Head %d", res.Track, res.Head),
			Subtitle: fmt.Sprintf("recovered=%d/%d weak=%d partial=%d failed=%d overall=%d%%",
				res.SectorsRecovered, res.SectorCount, res.SectorsWeak, res.SectorsPartial, res.SectorsFailed, res.OverallConfidence),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Confidence (%)", Min: 0, Max: 100}),
	)
	bar.SetXAxis(x).
		AddSeries("min", minData).
		AddSeries("avg", avgData)

	writeChart(w, bar)
}

func writeChart(w http.ResponseWriter, c components.Charter) {
	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(c)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// histogramPlot draws the occupied histogram span with gonum/plot.
func (s *Server) histogramPlot() (*plot.Plot, error) {
	bins, ok := s.readBins()
	if !ok {
		return nil, fmt.Errorf("histogram is empty: %w", fluxstat.ErrNoData)
	}
	clock := s.engine.ClockHz()
	pts := make(plotter.XYs, 0, bins.last-bins.first+1)
	for i := bins.first; i <= bins.last; i++ {
		pts = append(pts, plotter.XY{X: binNS(i, clock), Y: float64(bins.counts[i])})
	}

	p := plot.New()
	p.Title.Text = "Flux Interval Histogram"
	p.X.Label.Text = "Interval (ns)"
	p.Y.Label.Text = "Count"
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("histogram line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())
	return p, nil
}

func (s *Server) handleHistogramPlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	p, err := s.histogramPlot()
	if err != nil {
		writeError(w, err)
		return
	}
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

type exportRequest struct {
	Name string `json:"name"`
}

// handleHistogramExport saves the histogram plot as a PNG in the export
// directory.
func (s *Server) handleHistogramExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.exportDir == "" {
		httputil.NotFound(w, "export directory not configured")
		return
	}
	var req exportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request: %v", err))
		return
	}
	st := s.engine.Status()
	if req.Name == "" {
		req.Name = fmt.Sprintf("histogram_t%02d_h%d", st.Track, st.Head)
	}
	p, err := s.histogramPlot()
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := security.ExportPath(s.exportDir, req.Name, ".png")
	if errors.Is(err, security.ErrPathEscape) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("save plot: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"path": path})
}
