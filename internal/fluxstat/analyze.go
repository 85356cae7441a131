package fluxstat

import "fmt"

// ClearHistogram empties the interval histogram.
func (e *Engine) ClearHistogram() {
	e.hist.Clear()
}

// HistogramStats returns the live histogram statistics.
func (e *Engine) HistogramStats() IntervalHistogram {
	return e.hist.Stats()
}

// ReadBin returns the count in bin i.
func (e *Engine) ReadBin(i int) (uint32, error) {
	if i < 0 || i >= HistogramBins {
		return 0, fmt.Errorf("%w: bin %d outside [0,%d)", ErrInvalidArgument, i, HistogramBins)
	}
	return e.hist.Bin(i), nil
}

// HistogramSnapshot latches the live statistics and returns them.
func (e *Engine) HistogramSnapshot() IntervalHistogram {
	e.hist.Snapshot()
	return e.hist.SnapshotStats()
}

// SnapshotStats returns the statistics latched by the last snapshot.
func (e *Engine) SnapshotStats() IntervalHistogram {
	return e.hist.SnapshotStats()
}

// EstimateRateBPS estimates the data rate from the histogram peak using the
// configured encoding.
func (e *Engine) EstimateRateBPS() (uint32, error) {
	enc := e.Config().Encoding
	return EstimateRate(e.hist.Stats(), e.dev.ClockHz(), enc)
}

// ClockHz is the capture device's timestamp clock.
func (e *Engine) ClockHz() uint32 {
	return e.dev.ClockHz()
}

// layoutFor validates c against the current session and returns its
// decoded layout along with the configuration to analyse it with.
func (e *Engine) layoutFor(c *MultipassCapture) (*trackLayout, RecoveryConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	if c == nil {
		return nil, cfg, fmt.Errorf("analyse: %w", ErrNoData)
	}
	if c.Generation != e.generation {
		return nil, cfg, fmt.Errorf("capture %d, session %d: %w", c.Generation, e.generation, ErrStaleCapture)
	}
	if len(c.Passes) == 0 {
		return nil, cfg, fmt.Errorf("capture has no passes: %w", ErrNoData)
	}
	if e.layout != nil && e.layout.generation == c.Generation {
		return e.layout, cfg, nil
	}

	rate := cfg.DataRate
	if rate == 0 {
		est, err := EstimateRate(e.hist.Stats(), c.ClockHz, cfg.Encoding)
		if err != nil {
			e.logf("rate estimate unavailable, assuming %d bps: %v", DefaultDataRate, err)
			est = DefaultDataRate
		}
		rate = est
	}
	l, err := buildLayout(c, e.dec, cfg.Encoding, rate, e.logf)
	if err != nil {
		return nil, cfg, err
	}
	e.layout = l
	return l, cfg, nil
}

// Correlate returns per-cell transition evidence for count cells of the
// reference grid starting at offset.
func (e *Engine) Correlate(c *MultipassCapture, offset, count int) ([]Correlation, error) {
	l, cfg, err := e.layoutFor(c)
	if err != nil {
		return nil, err
	}
	return correlate(c, l, offset, count, cfg.TolerancePercent)
}

// AnalyzeBits classifies count cells starting at offset by transition
// frequency.
func (e *Engine) AnalyzeBits(c *MultipassCapture, offset, count int) ([]BitAnalysis, error) {
	return e.analyzeBits(c, offset, count, Classify)
}

// AnalyzeAgreement classifies count cells by agreement with the majority,
// so consistent absence of a transition reads as a strong 0.
func (e *Engine) AnalyzeAgreement(c *MultipassCapture, offset, count int) ([]BitAnalysis, error) {
	return e.analyzeBits(c, offset, count, ClassifyAgreement)
}

func (e *Engine) analyzeBits(c *MultipassCapture, offset, count int, classify func(Correlation, int) BitAnalysis) ([]BitAnalysis, error) {
	l, cfg, err := e.layoutFor(c)
	if err != nil {
		return nil, err
	}
	corr, err := correlate(c, l, offset, count, cfg.TolerancePercent)
	if err != nil {
		return nil, err
	}
	bits := make([]BitAnalysis, len(corr))
	for i, cr := range corr {
		bits[i] = classify(cr, cfg.ConfidenceThreshold)
	}
	return bits, nil
}

// CellCount is the length of the reference cell grid of c.
func (e *Engine) CellCount(c *MultipassCapture) (int, error) {
	l, _, err := e.layoutFor(c)
	if err != nil {
		return 0, err
	}
	return len(l.stream.Cells), nil
}

// ReferencePass is the index of the pass whose decode defines the grid.
func (e *Engine) ReferencePass(c *MultipassCapture) (int, error) {
	l, _, err := e.layoutFor(c)
	if err != nil {
		return 0, err
	}
	return l.ref, nil
}

// RecoverSector recovers the sector numbered n.
func (e *Engine) RecoverSector(c *MultipassCapture, n int) (*SectorResult, error) {
	l, cfg, err := e.layoutFor(c)
	if err != nil {
		return nil, err
	}
	for _, loc := range l.stream.Sectors {
		if loc.Sector != n {
			continue
		}
		res, err := recoverSector(c, l, loc, cfg)
		if err != nil {
			return nil, err
		}
		return &res, nil
	}
	return nil, fmt.Errorf("sector %d on track %d head %d: %w", n, c.Track, c.Head, ErrSectorNotFound)
}

// AnalyzeTrack recovers every sector found on the reference pass.
func (e *Engine) AnalyzeTrack(c *MultipassCapture) (*TrackResult, error) {
	l, cfg, err := e.layoutFor(c)
	if err != nil {
		return nil, err
	}
	locs := sortSectors(l.stream.Sectors)
	sectors := make([]SectorResult, 0, len(locs))
	for _, loc := range locs {
		res, err := recoverSector(c, l, loc, cfg)
		if err != nil {
			e.logf("track %d head %d: %v", c.Track, c.Head, err)
			res = SectorResult{Sector: loc.Sector, Cylinder: loc.Cylinder, Head: loc.Head, Size: loc.Size, Status: SectorFailed}
		}
		sectors = append(sectors, res)
	}
	r := SummarizeTrack(c.Track, c.Head, sectors)
	e.logf("track %d head %d: %d/%d sectors recovered, %d partial, %d failed, confidence %d%%",
		r.Track, r.Head, r.SectorsRecovered, r.SectorCount, r.SectorsPartial, r.SectorsFailed, r.OverallConfidence)
	return r, nil
}
