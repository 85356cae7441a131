package fluxstat

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// CapturePass is one frozen revolution. The timestamp buffer is private; use
// Len, At, Timestamps or Intervals to read it.
type CapturePass struct {
	Index     int    `json:"index"`
	FluxCount uint32 `json:"flux_count"`
	IndexTime uint32 `json:"index_time"`
	StartTime uint32 `json:"start_time"`
	DataSize  uint32 `json:"data_size"`
	BaseAddr  uint32 `json:"base_addr"`

	ts []uint32
}

// NewCapturePass builds a pass from decoded timestamps. Timestamps must be
// non-decreasing.
func NewCapturePass(index int, indexTime uint32, ts []uint32) (*CapturePass, error) {
	for i := 1; i < len(ts); i++ {
		if ts[i] < ts[i-1] {
			return nil, fmt.Errorf("pass %d: timestamp %d out of order: %w", index, i, ErrNoData)
		}
	}
	owned := make([]uint32, len(ts))
	copy(owned, ts)
	return &CapturePass{
		Index:     index,
		FluxCount: uint32(len(ts)),
		IndexTime: indexTime,
		DataSize:  uint32(len(ts)) * 4,
		ts:        owned,
	}, nil
}

// Len returns the number of flux transitions in the pass.
func (p *CapturePass) Len() int { return len(p.ts) }

// At returns timestamp i. ok is false when i is out of range.
func (p *CapturePass) At(i int) (ts uint32, ok bool) {
	if i < 0 || i >= len(p.ts) {
		return 0, false
	}
	return p.ts[i], true
}

// Timestamps returns a copy of the pass timestamps.
func (p *CapturePass) Timestamps() []uint32 {
	out := make([]uint32, len(p.ts))
	copy(out, p.ts)
	return out
}

// Intervals returns the spacing between consecutive transitions. The first
// interval is measured from the index pulse.
func (p *CapturePass) Intervals() []uint32 {
	out := make([]uint32, len(p.ts))
	var prev uint32
	for i, t := range p.ts {
		out[i] = t - prev
		prev = t
	}
	return out
}

// RPM returns the rotational speed implied by this pass.
func (p *CapturePass) RPM(clockHz uint32) uint32 {
	return CalculateRPM(p.IndexTime, clockHz)
}

// decodePassBuffer converts a little-endian timestamp buffer.
func decodePassBuffer(buf []byte, count uint32) ([]uint32, error) {
	need := int(count) * 4
	if len(buf) < need {
		return nil, fmt.Errorf("pass buffer holds %d bytes, need %d: %w", len(buf), need, ErrNoData)
	}
	ts := make([]uint32, count)
	for i := range ts {
		ts[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return ts, nil
}

// MultipassCapture is the frozen result of one capture session. Values
// returned by the engine must be treated as read-only.
type MultipassCapture struct {
	Drive      int           `json:"drive"`
	Track      int           `json:"track"`
	Head       int           `json:"head"`
	PassCount  int           `json:"pass_count"`
	TotalFlux  uint32        `json:"total_flux"`
	MinFlux    uint32        `json:"min_flux"`
	MaxFlux    uint32        `json:"max_flux"`
	TotalTime  uint32        `json:"total_time"`
	BaseAddr   uint32        `json:"base_addr"`
	ClockHz    uint32        `json:"clock_hz"`
	Generation uint64        `json:"generation"`
	Passes     []CapturePass `json:"passes"`
}

// Pass returns pass i.
func (c *MultipassCapture) Pass(i int) (*CapturePass, error) {
	if i < 0 || i >= len(c.Passes) {
		return nil, fmt.Errorf("%w: pass %d out of range [0,%d)", ErrInvalidArgument, i, len(c.Passes))
	}
	return &c.Passes[i], nil
}

// IndexPeriodStats returns the mean and standard deviation of the index
// period across passes, in ticks. The spread is a direct measure of wow.
func (c *MultipassCapture) IndexPeriodStats() (mean, stddev float64) {
	if len(c.Passes) == 0 {
		return 0, 0
	}
	periods := make([]float64, len(c.Passes))
	for i := range c.Passes {
		periods[i] = float64(c.Passes[i].IndexTime)
	}
	if len(periods) == 1 {
		return periods[0], 0
	}
	return stat.MeanStdDev(periods, nil)
}

// AverageRPM is the rotational speed from the mean index period.
func (c *MultipassCapture) AverageRPM() uint32 {
	mean, _ := c.IndexPeriodStats()
	return CalculateRPM(uint32(math.Round(mean)), c.ClockHz)
}

// CalculateRPM converts an index-to-index period in clock ticks to
// revolutions per minute. A zero period yields zero.
func CalculateRPM(indexClocks, clockHz uint32) uint32 {
	if indexClocks == 0 {
		return 0
	}
	return uint32(uint64(clockHz) * 60 / uint64(indexClocks))
}
