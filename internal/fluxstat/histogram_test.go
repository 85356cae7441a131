package fluxstat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogram_RoundTrip(t *testing.T) {
	t.Parallel()
	h := NewHistogram()
	h.Clear()

	h.Add(400) // disabled: ignored
	assert.Zero(t, h.Stats().TotalCount)

	h.Enable(true)
	intervals := map[uint32]int{800: 120, 1200: 45, 1600: 80, 803: 3, 2000: 2}
	total := 0
	for iv, n := range intervals {
		for range n {
			h.Add(iv)
		}
		total += n
	}

	s := h.Stats()
	assert.Equal(t, uint32(total), s.TotalCount)
	assert.Equal(t, BinFor(800), s.PeakBin)
	assert.Equal(t, uint32(123), s.PeakCount)
	assert.Equal(t, uint32(800), s.IntervalMin)
	assert.Equal(t, uint32(2000), s.IntervalMax)
	// 1200, 1600 and 2000 tick intervals lie beyond the last bin.
	assert.Equal(t, uint32(45+80+2), s.OverflowCount)
	assert.Equal(t, uint32(123), h.Bin(200))
	assert.Zero(t, h.Bin(-1))
	assert.Zero(t, h.Bin(HistogramBins))
}

func TestHistogram_Snapshot(t *testing.T) {
	t.Parallel()
	h := NewHistogram()
	h.Enable(true)
	h.AddIntervals([]uint32{100, 100, 200})
	h.Snapshot()
	h.AddIntervals([]uint32{200, 200, 200})

	snap := h.SnapshotStats()
	assert.Equal(t, uint32(3), snap.TotalCount)
	assert.Equal(t, BinFor(100), snap.PeakBin)

	live := h.Stats()
	assert.Equal(t, uint32(6), live.TotalCount)
	assert.Equal(t, BinFor(200), live.PeakBin)
	assert.Equal(t, uint32(166), live.MeanInterval)

	h.Clear()
	assert.Equal(t, IntervalHistogram{}, h.Stats())
	assert.Equal(t, IntervalHistogram{}, h.SnapshotStats())
	assert.True(t, h.Enabled())
}

func TestHistogram_PeakTieGoesLow(t *testing.T) {
	t.Parallel()
	h := NewHistogram()
	h.Enable(true)
	h.AddIntervals([]uint32{600, 600, 300, 300})
	assert.Equal(t, BinFor(300), h.Stats().PeakBin)
}

func TestEstimateRate(t *testing.T) {
	t.Parallel()
	const clock = 200_000_000
	// A 4us interval is 800 ticks at 200 MHz.
	peak := IntervalHistogram{TotalCount: 1000, PeakBin: BinFor(800), PeakCount: 600}

	rate, err := EstimateRate(peak, clock, EncodingMFM)
	require.NoError(t, err)
	assert.InEpsilon(t, 250000, float64(rate), 0.05)

	rate, err = EstimateRate(peak, clock, EncodingFM)
	require.NoError(t, err)
	assert.InEpsilon(t, 125000, float64(rate), 0.05)

	_, err = EstimateRate(IntervalHistogram{}, clock, EncodingMFM)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = EstimateRate(peak, 0, EncodingMFM)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBinCentre(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint32(802), BinCentre(200))
	assert.Equal(t, 200, BinFor(803))
	assert.Equal(t, -1, BinFor(1024))
	assert.Equal(t, 255, BinFor(1023))
}
