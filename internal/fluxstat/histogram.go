package fluxstat

import (
	"fmt"
	"sync"
)

// HistogramBins is the number of interval bins; HistogramBinShift is the
// number of low tick bits dropped when binning an interval.
const (
	HistogramBins     = 256
	HistogramBinShift = 2
)

// IntervalHistogram is the summary of flux interval lengths, in ticks.
type IntervalHistogram struct {
	TotalCount    uint32 `json:"total_count"`
	IntervalMin   uint32 `json:"interval_min"`
	IntervalMax   uint32 `json:"interval_max"`
	PeakBin       int    `json:"peak_bin"`
	PeakCount     uint32 `json:"peak_count"`
	MeanInterval  uint32 `json:"mean_interval"`
	OverflowCount uint32 `json:"overflow_count"`
}

// BinCentre is the interval in ticks at the centre of bin i.
func BinCentre(i int) uint32 {
	return uint32(i)<<HistogramBinShift + (1<<HistogramBinShift)/2
}

// BinFor returns the bin an interval falls into, or -1 when it is beyond
// the last bin.
func BinFor(interval uint32) int {
	b := interval >> HistogramBinShift
	if b >= HistogramBins {
		return -1
	}
	return int(b)
}

// Histogram is a software interval histogram implementing HistogramDevice.
// Devices without histogram hardware feed it from their flux stream.
type Histogram struct {
	mu       sync.Mutex
	enabled  bool
	bins     [HistogramBins]uint32
	total    uint32
	overflow uint32
	min, max uint32
	sum      uint64
	snap     IntervalHistogram
}

// NewHistogram returns an empty, disabled histogram.
func NewHistogram() *Histogram {
	return &Histogram{}
}

// Clear resets all bins, statistics and the snapshot.
func (h *Histogram) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bins = [HistogramBins]uint32{}
	h.total, h.overflow, h.min, h.max, h.sum = 0, 0, 0, 0, 0
	h.snap = IntervalHistogram{}
}

// Enable starts or stops accumulation.
func (h *Histogram) Enable(on bool) {
	h.mu.Lock()
	h.enabled = on
	h.mu.Unlock()
}

// Enabled reports whether Add currently records intervals.
func (h *Histogram) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// Add records one interval. It is a no-op while disabled. Intervals beyond
// the last bin are counted in the total and in OverflowCount only.
func (h *Histogram) Add(interval uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return
	}
	h.total++
	h.sum += uint64(interval)
	if h.total == 1 || interval < h.min {
		h.min = interval
	}
	if interval > h.max {
		h.max = interval
	}
	if b := BinFor(interval); b >= 0 {
		h.bins[b]++
	} else {
		h.overflow++
	}
}

// AddIntervals records every interval in xs.
func (h *Histogram) AddIntervals(xs []uint32) {
	for _, x := range xs {
		h.Add(x)
	}
}

// Bin returns the count in bin i, or zero when i is out of range.
func (h *Histogram) Bin(i int) uint32 {
	if i < 0 || i >= HistogramBins {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bins[i]
}

// Stats computes the live statistics. Ties for the peak go to the lowest bin.
func (h *Histogram) Stats() IntervalHistogram {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked()
}

func (h *Histogram) statsLocked() IntervalHistogram {
	s := IntervalHistogram{
		TotalCount:    h.total,
		IntervalMin:   h.min,
		IntervalMax:   h.max,
		OverflowCount: h.overflow,
	}
	if h.total > 0 {
		s.MeanInterval = uint32(h.sum / uint64(h.total))
	}
	for i, n := range h.bins {
		if n > s.PeakCount {
			s.PeakBin, s.PeakCount = i, n
		}
	}
	return s
}

// Snapshot latches the live statistics.
func (h *Histogram) Snapshot() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap = h.statsLocked()
}

// SnapshotStats returns the values latched by the last Snapshot.
func (h *Histogram) SnapshotStats() IntervalHistogram {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// EstimateRate converts the histogram peak into a data rate in bits per
// second. The peak interval is taken as one bit cell for MFM, M2FM and GCR
// and as half a bit cell for FM, where every bit carries a clock pulse.
func EstimateRate(s IntervalHistogram, clockHz uint32, enc Encoding) (uint32, error) {
	if s.TotalCount == 0 || s.PeakCount == 0 {
		return 0, fmt.Errorf("empty histogram: %w", ErrNoData)
	}
	if clockHz == 0 {
		return 0, fmt.Errorf("%w: zero clock frequency", ErrInvalidArgument)
	}
	intervalNS := float64(BinCentre(s.PeakBin)) * 1e9 / float64(clockHz)
	rate := 1e9 / intervalNS
	if enc == EncodingFM {
		rate /= 2
	}
	return uint32(rate + 0.5), nil
}
