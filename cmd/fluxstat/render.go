package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
)

const (
	barWidth   = 20
	mapRowBits = 64
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F0F0F0"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
	strongStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#52C41A"))
	weakStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#C89A3A"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F"))
	summaryStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder(), true).
			BorderForeground(lipgloss.Color("#4A4A4A"))
)

// confidenceBar draws a fixed-width bar such as [###############-----] 75%.
func confidenceBar(pct int) string {
	pct = max(0, min(pct, 100))
	filled := (pct*barWidth + 50) / 100
	bar := strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)
	return fmt.Sprintf("[%s] %3d%%", styleForConfidence(pct).Render(bar), pct)
}

func styleForConfidence(pct int) lipgloss.Style {
	switch {
	case pct >= fluxstat.ConfStrong:
		return strongStyle
	case pct >= fluxstat.ConfWeak:
		return weakStyle
	default:
		return badStyle
	}
}

func styleForStatus(s fluxstat.SectorStatus) lipgloss.Style {
	switch s {
	case fluxstat.SectorOK:
		return strongStyle
	case fluxstat.SectorWeak, fluxstat.SectorPartial:
		return weakStyle
	default:
		return badStyle
	}
}

// renderMap prints the confidence map in rows of mapRowBits, each prefixed
// with its bit offset, followed by the legend.
func renderMap(w io.Writer, offset int, m string) {
	for i := 0; i < len(m); i += mapRowBits {
		row := m[i:min(i+mapRowBits, len(m))]
		var b strings.Builder
		for _, c := range row {
			switch c {
			case '0', '1':
				b.WriteString(strongStyle.Render(string(c)))
			case '+', '-':
				b.WriteString(weakStyle.Render(string(c)))
			default:
				b.WriteString(badStyle.Render(string(c)))
			}
		}
		fmt.Fprintf(w, "%s  %s\n", mutedStyle.Render(fmt.Sprintf("%8d", offset+i)), b.String())
	}
	fmt.Fprintln(w, mutedStyle.Render("legend: 0/1 strong, -/+ weak 0/1, ? ambiguous"))
}

// renderTrack prints the per-sector table and the track summary.
func renderTrack(w io.Writer, res *fluxstat.TrackResult) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Track %d Head %d", res.Track, res.Head)))
	fmt.Fprintln(w, mutedStyle.Render("  SEC  STATUS   CRC  MIN   AVG                            WEAK  FIXED"))
	for _, s := range res.Sectors {
		crc := badStyle.Render("bad")
		if s.CRCOK {
			crc = strongStyle.Render("ok ")
		}
		fmt.Fprintf(w, "  %3d  %s  %s  %3d%%  %s  %4d  %5d\n",
			s.Sector,
			styleForStatus(s.Status).Render(fmt.Sprintf("%-7s", s.Status)),
			crc, s.ConfidenceMin, confidenceBar(s.ConfidenceAvg),
			s.WeakBitCount, s.CorrectedCount)
	}
	summary := fmt.Sprintf("%d/%d sectors recovered  weak %d  partial %d  failed %d\nconfidence %s",
		res.SectorsRecovered, res.SectorCount, res.SectorsWeak, res.SectorsPartial, res.SectorsFailed,
		confidenceBar(res.OverallConfidence))
	fmt.Fprintln(w, summaryStyle.Render(summary))
}

// renderHistogram prints histogram statistics. rate is zero when it could
// not be estimated.
func renderHistogram(w io.Writer, h fluxstat.IntervalHistogram, clockHz uint32, rate uint32) {
	fmt.Fprintln(w, headerStyle.Render("Flux interval histogram"))
	fmt.Fprintf(w, "  transitions  %s\n", humanize.Comma(int64(h.TotalCount)))
	fmt.Fprintf(w, "  overflow     %s\n", humanize.Comma(int64(h.OverflowCount)))
	fmt.Fprintf(w, "  min / mean / max  %d / %d / %d ticks\n", h.IntervalMin, h.MeanInterval, h.IntervalMax)
	fmt.Fprintf(w, "  peak bin     %d (%s transitions, %s)\n",
		h.PeakBin, humanize.Comma(int64(h.PeakCount)), ticksToDuration(fluxstat.BinCentre(h.PeakBin), clockHz))
	if rate > 0 {
		fmt.Fprintf(w, "  data rate    %s\n", humanize.SIWithDigits(float64(rate), 1, "bps"))
	}
}

func ticksToDuration(ticks, clockHz uint32) string {
	if clockHz == 0 {
		return fmt.Sprintf("%d ticks", ticks)
	}
	return fmt.Sprintf("%.0f ns", float64(ticks)*1e9/float64(clockHz))
}

// passRow is the subset of a pass summary the capture table shows.
type passRow struct {
	Index     int    `json:"index"`
	FluxCount uint32 `json:"flux_count"`
	IndexTime uint32 `json:"index_time"`
	DataSize  uint32 `json:"data_size"`
	RPM       uint32 `json:"rpm"`
}

type captureView struct {
	Drive       int       `json:"drive"`
	Track       int       `json:"track"`
	Head        int       `json:"head"`
	PassCount   int       `json:"pass_count"`
	TotalFlux   uint32    `json:"total_flux"`
	ClockHz     uint32    `json:"clock_hz"`
	AverageRPM  uint32    `json:"average_rpm"`
	IndexStdDev float64   `json:"index_stddev"`
	Passes      []passRow `json:"passes"`
}

func renderCapture(w io.Writer, c captureView) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Capture drive %d track %d head %d: %d passes",
		c.Drive, c.Track, c.Head, c.PassCount)))
	fmt.Fprintln(w, mutedStyle.Render("  PASS        FLUX      SIZE  RPM"))
	for _, p := range c.Passes {
		fmt.Fprintf(w, "  %4d  %10s  %8s  %3d\n",
			p.Index, humanize.Comma(int64(p.FluxCount)), humanize.IBytes(uint64(p.DataSize)), p.RPM)
	}
	fmt.Fprintf(w, "  total %s transitions, %d RPM average, index jitter %.1f ticks\n",
		humanize.Comma(int64(c.TotalFlux)), c.AverageRPM, c.IndexStdDev)
}

func renderStatus(w io.Writer, st fluxstat.SessionStatus) {
	var line string
	switch {
	case st.State == fluxstat.StateCapturing:
		line = weakStyle.Render(fmt.Sprintf("capturing pass %d/%d", st.CurrentPass+1, st.TotalPasses))
	case st.HasData:
		line = strongStyle.Render(fmt.Sprintf("data available: %d passes", st.PassesDone))
	case st.Overflow:
		line = badStyle.Render("capture overflowed")
	default:
		line = mutedStyle.Render("no data")
	}
	fmt.Fprintf(w, "state %s  drive %d track %d head %d  %s\n", st.State, st.Drive, st.Track, st.Head, line)
}
