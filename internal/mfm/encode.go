package mfm

import (
	"bytes"
	"fmt"
	"math"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
)

// Sector is one sector to synthesise.
type Sector struct {
	Cylinder int
	Head     int
	Sector   int
	SizeCode int
	Data     []byte
	Deleted  bool
	// Flips lists data bit positions that read inverted on this
	// revolution. The stored CRC still covers Data.
	Flips []int
}

// Layout holds gap and sync run lengths in bytes.
type Layout struct {
	Gap4a int
	Gap1  int
	Gap2  int
	Gap3  int
	Gap4b int
	Sync  int
}

// DefaultLayout returns IBM System/34 (MFM) or System/3740 (FM) gaps.
func DefaultLayout(enc fluxstat.Encoding) Layout {
	if enc == fluxstat.EncodingFM {
		return Layout{Gap4a: 40, Gap1: 26, Gap2: 11, Gap3: 27, Gap4b: 170, Sync: 6}
	}
	return Layout{Gap4a: 80, Gap1: 50, Gap2: 22, Gap3: 84, Gap4b: 182, Sync: 12}
}

// Track is a complete track image.
type Track struct {
	Encoding fluxstat.Encoding
	Sectors  []Sector
	Layout   Layout
}

type writer struct {
	fm    bool
	cells []bool
	prev  bool
}

func (w *writer) raw(word uint16) {
	for i := 15; i >= 0; i-- {
		w.cells = append(w.cells, word>>i&1 == 1)
	}
	w.prev = word&1 == 1
}

func (w *writer) byte(b byte) {
	if w.fm {
		w.raw(RawWord(b, 0xFF))
		return
	}
	for i := 7; i >= 0; i-- {
		d := b>>i&1 == 1
		w.cells = append(w.cells, !w.prev && !d, d)
		w.prev = d
	}
}

func (w *writer) bytes(bs []byte) {
	for _, b := range bs {
		w.byte(b)
	}
}

func (w *writer) fill(b byte, n int) {
	for range n {
		w.byte(b)
	}
}

// mark writes an address mark and returns the CRC preamble it implies.
func (w *writer) mark(m byte) []byte {
	if w.fm {
		w.raw(RawWord(m, markClockFM))
		return []byte{m}
	}
	for range 3 {
		w.raw(SyncWord)
	}
	w.byte(m)
	return []byte{0xA1, 0xA1, 0xA1, m}
}

func (w *writer) crc(pre, body []byte) {
	c := CRC16(CRC16(CRCInit, pre), body)
	w.byte(byte(c >> 8))
	w.byte(byte(c))
}

// flipped returns data with the given bit positions inverted, MSB first.
func flipped(data []byte, bits []int) []byte {
	if len(bits) == 0 {
		return data
	}
	out := bytes.Clone(data)
	for _, b := range bits {
		if b >= 0 && b < len(out)*8 {
			out[b/8] ^= 0x80 >> (b % 8)
		}
	}
	return out
}

// Cells renders the track as channel cells, true where a transition is
// written.
func (t Track) Cells() ([]bool, error) {
	if t.Encoding != fluxstat.EncodingMFM && t.Encoding != fluxstat.EncodingFM {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, t.Encoding)
	}
	w := &writer{fm: t.Encoding == fluxstat.EncodingFM}
	gap := byte(0x4E)
	if w.fm {
		gap = 0xFF
	}
	l := t.Layout
	w.fill(gap, l.Gap4a)
	w.fill(gap, l.Gap1)
	for _, s := range t.Sectors {
		if s.SizeCode < 0 || s.SizeCode > 5 || len(s.Data) != 128<<s.SizeCode {
			return nil, fmt.Errorf("%w: sector %d has %d bytes for size code %d",
				fluxstat.ErrInvalidArgument, s.Sector, len(s.Data), s.SizeCode)
		}
		id := []byte{byte(s.Cylinder), byte(s.Head), byte(s.Sector), byte(s.SizeCode)}
		w.fill(0x00, l.Sync)
		pre := w.mark(MarkID)
		w.bytes(id)
		w.crc(pre, id)
		w.fill(gap, l.Gap2)

		w.fill(0x00, l.Sync)
		dm := byte(MarkData)
		if s.Deleted {
			dm = MarkDeleted
		}
		pre = w.mark(dm)
		w.bytes(flipped(s.Data, s.Flips))
		w.crc(pre, s.Data)
		w.fill(gap, l.Gap3)
	}
	w.fill(gap, l.Gap4b)
	return w.cells, nil
}

// Timestamps places a transition at the centre of every set cell. Cell j is
// centred at (j+1)*period*scale ticks after the index pulse; jitter, when
// non-nil, adds an offset in ticks. The index period covers one cell past
// the end of the track.
func Timestamps(cells []bool, period, scale float64, jitter func(cell int) float64) (ts []uint32, indexTime uint32) {
	var prev uint32
	for j, on := range cells {
		if !on {
			continue
		}
		t := float64(j+1) * period * scale
		if jitter != nil {
			t += jitter(j)
		}
		v := uint32(math.Max(0, math.Round(t)))
		v = max(v, prev)
		ts = append(ts, v)
		prev = v
	}
	return ts, uint32(math.Round(float64(len(cells)+1) * period * scale))
}
