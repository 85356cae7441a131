package fluxdev

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/mfm"
)

// WeakBit inverts a data bit of a sector on selected passes, the way a
// marginal region of media reads differently from one revolution to the
// next. The sector's stored CRC is unaffected.
type WeakBit struct {
	Sector int
	Bit    int
	Passes []int
}

// Synthetic renders IBM-format tracks through the mfm encoder.
type Synthetic struct {
	ClockHz         uint32
	DataRate        uint32
	Encoding        fluxstat.Encoding
	SectorsPerTrack int
	SizeCode        int
	// Speeds scales the index period per pass, cycling. Empty means 1.
	Speeds []float64
	// JitterTicks is the peak timing noise added to each transition.
	JitterTicks float64
	Seed        uint64
	Weak        []WeakBit
}

// NewSynthetic returns a double-density MFM source of nine 512-byte
// sectors per track.
func NewSynthetic(clockHz uint32) *Synthetic {
	return &Synthetic{
		ClockHz:         clockHz,
		DataRate:        fluxstat.DefaultDataRate,
		Encoding:        fluxstat.EncodingMFM,
		SectorsPerTrack: 9,
		SizeCode:        2,
	}
}

// SectorData is the deterministic content written to a sector.
func SectorData(track, head, sector, size int) []byte {
	r := rand.New(rand.NewPCG(uint64(track)<<16|uint64(head)<<8|uint64(sector), 0x666c7578))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(r.UintN(256))
	}
	return data
}

// Sectors returns the sectors written to a track on the given pass.
func (s *Synthetic) Sectors(track, head, pass int) []mfm.Sector {
	size := 128 << s.SizeCode
	out := make([]mfm.Sector, s.SectorsPerTrack)
	for i := range out {
		n := i + 1
		var flips []int
		for _, w := range s.Weak {
			if w.Sector != n || w.Bit < 0 || w.Bit >= size*8 {
				continue
			}
			if slices.Contains(w.Passes, pass) {
				flips = append(flips, w.Bit)
			}
		}
		out[i] = mfm.Sector{
			Cylinder: track,
			Head:     head,
			Sector:   n,
			SizeCode: s.SizeCode,
			Data:     SectorData(track, head, n, size),
			Flips:    flips,
		}
	}
	return out
}

// Revolution implements TrackSource.
func (s *Synthetic) Revolution(drive, track, head, pass int) ([]uint32, uint32, error) {
	tr := mfm.Track{
		Encoding: s.Encoding,
		Sectors:  s.Sectors(track, head, pass),
		Layout:   mfm.DefaultLayout(s.Encoding),
	}
	cells, err := tr.Cells()
	if err != nil {
		return nil, 0, fmt.Errorf("render track %d head %d: %w", track, head, err)
	}
	scale := 1.0
	if len(s.Speeds) > 0 {
		scale = s.Speeds[pass%len(s.Speeds)]
	}
	if math.IsNaN(scale) || scale <= 0 {
		return nil, 0, fmt.Errorf("%w: speed %v", fluxstat.ErrInvalidArgument, scale)
	}
	var jitter func(int) float64
	if s.JitterTicks > 0 {
		r := rand.New(rand.NewPCG(s.Seed, uint64(pass)))
		peak := s.JitterTicks
		jitter = func(int) float64 { return (r.Float64()*2 - 1) * peak }
	}
	ts, idx := mfm.Timestamps(cells, mfm.CellPeriod(s.ClockHz, s.DataRate), scale, jitter)
	return ts, idx, nil
}
