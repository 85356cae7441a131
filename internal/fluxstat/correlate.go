package fluxstat

import (
	"fmt"
	"math"
	"sort"
)

// trackLayout is the reference cell grid of a capture and, for every pass,
// where each reference sync mark landed in that pass.
type trackLayout struct {
	generation uint64
	ref        int
	stream     *Bitstream
	passes     []passAnchors
}

type passAnchors struct {
	// ratio scales reference ticks to this pass's ticks.
	ratio float64
	// times[j] is the time of reference sync j in this pass.
	times []float64
}

// buildLayout decodes every pass, chooses the reference pass (most sectors
// found, lowest index on a tie) and anchors each pass to the reference sync
// marks. Passes that fail to decode still contribute transitions; their
// anchors are extrapolated from the index ratio.
func buildLayout(c *MultipassCapture, dec Decoder, enc Encoding, rate uint32, logf func(string, ...interface{})) (*trackLayout, error) {
	streams := make([]*Bitstream, len(c.Passes))
	ref := -1
	var lastErr error
	for i := range c.Passes {
		bs, err := dec.Decode(&c.Passes[i], c.ClockHz, enc, rate)
		if err != nil {
			lastErr = err
			logf("pass %d: decode failed: %v", i, err)
			continue
		}
		streams[i] = bs
		if ref < 0 || len(bs.Sectors) > len(streams[ref].Sectors) {
			ref = i
		}
	}
	if ref < 0 {
		if lastErr == nil {
			lastErr = ErrNoData
		}
		return nil, fmt.Errorf("no pass could be decoded: %w", lastErr)
	}

	refStream := streams[ref]
	refIndex := float64(c.Passes[ref].IndexTime)
	window := syncWindow(refStream, refIndex)

	layout := &trackLayout{
		generation: c.Generation,
		ref:        ref,
		stream:     refStream,
		passes:     make([]passAnchors, len(c.Passes)),
	}
	for k := range c.Passes {
		ratio := 1.0
		if refIndex > 0 && c.Passes[k].IndexTime > 0 {
			ratio = float64(c.Passes[k].IndexTime) / refIndex
		}
		pa := passAnchors{ratio: ratio, times: make([]float64, len(refStream.Syncs))}
		var residual float64
		for j, s := range refStream.Syncs {
			want := refStream.Cells[s.Cell].Time * ratio
			if k == ref {
				pa.times[j] = refStream.Cells[s.Cell].Time
				continue
			}
			if t, ok := nearestSync(streams[k], s.Kind, want, window); ok {
				residual = t - want
				pa.times[j] = t
				continue
			}
			pa.times[j] = want + residual
		}
		layout.passes[k] = pa
	}
	return layout, nil
}

// syncWindow is how far a pass's sync mark may sit from its scaled
// reference position and still be taken as the same mark.
func syncWindow(bs *Bitstream, indexTime float64) float64 {
	limit := 0.02 * indexTime
	if limit <= 0 {
		limit = math.Inf(1)
	}
	last := map[SyncKind]float64{}
	w := limit
	for _, s := range bs.Syncs {
		t := bs.Cells[s.Cell].Time
		if prev, ok := last[s.Kind]; ok {
			w = min(w, 0.45*(t-prev))
		}
		last[s.Kind] = t
	}
	return w
}

func nearestSync(bs *Bitstream, kind SyncKind, want, window float64) (float64, bool) {
	if bs == nil {
		return 0, false
	}
	best, found := 0.0, false
	for _, s := range bs.Syncs {
		if s.Kind != kind {
			continue
		}
		t := bs.Cells[s.Cell].Time
		if d := math.Abs(t - want); d <= window && (!found || d < math.Abs(best-want)) {
			best, found = t, true
		}
	}
	return best, found
}

// anchorFor returns the index of the last reference sync at or before cell,
// or -1 when the cell precedes every sync.
func (l *trackLayout) anchorFor(cell int) int {
	syncs := l.stream.Syncs
	j := sort.Search(len(syncs), func(i int) bool { return syncs[i].Cell > cell })
	return j - 1
}

// welford accumulates a running mean and variance.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
}

func (w *welford) stddev() float64 {
	if w.n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n))
}

// correlate gathers cross-pass transition evidence for count cells starting
// at cell offset. Each pass is walked from the nearest preceding anchor so
// that the phase tracker is settled by the time the range begins.
func correlate(c *MultipassCapture, l *trackLayout, offset, count, tolerancePercent int) ([]Correlation, error) {
	cells := l.stream.Cells
	if offset < 0 || count < 0 || offset+count > len(cells) {
		return nil, fmt.Errorf("%w: cells [%d,%d) outside grid of %d", ErrInvalidArgument, offset, offset+count, len(cells))
	}
	tol := l.stream.CellPeriod * float64(tolerancePercent) / 100
	acc := make([]welford, count)

	j := l.anchorFor(offset)
	startCell := 0
	if j >= 0 {
		startCell = l.stream.Syncs[j].Cell
	}
	refBase := cells[startCell].Time

	for k := range c.Passes {
		ts := c.Passes[k].ts
		pa := l.passes[k]
		passBase := refBase * pa.ratio
		if j >= 0 {
			passBase = pa.times[j]
		}
		ptr := sort.Search(len(ts), func(i int) bool { return float64(ts[i]) >= passBase-tol })
		var phase float64
		for p := startCell; p < offset+count; p++ {
			expected := passBase + (cells[p].Time-refBase)*pa.ratio + phase
			for ptr < len(ts) && float64(ts[ptr]) < expected-tol {
				ptr++
			}
			if ptr >= len(ts) {
				break
			}
			t := float64(ts[ptr])
			if t > expected+tol {
				continue
			}
			dt := t - expected
			phase += dt / 2
			ptr++
			if p >= offset {
				acc[p-offset].add(cells[p].Time + dt/pa.ratio)
			}
		}
	}

	out := make([]Correlation, count)
	for i := range out {
		out[i] = Correlation{
			TimeMean:    cells[offset+i].Time,
			TimeStdDev:  acc[i].stddev(),
			HitCount:    acc[i].n,
			TotalPasses: len(c.Passes),
		}
		if acc[i].n > 0 {
			out[i].TimeMean = acc[i].mean
		}
	}
	return out, nil
}
