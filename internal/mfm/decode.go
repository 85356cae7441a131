package mfm

import (
	"errors"
	"fmt"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
)

// Address marks.
const (
	MarkIndex   = 0xFC
	MarkID      = 0xFE
	MarkData    = 0xFB
	MarkDeleted = 0xF8

	// SyncWord is A1 with its clock bit between data bits 4 and 5 missing.
	SyncWord     uint16 = 0x4489
	syncClockMFM        = 0x0A
	markClockFM         = 0xC7
)

// ErrUnsupportedEncoding is returned for encodings this package cannot
// decode.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// cellsPerByte is the channel length of one FM or MFM byte.
const cellsPerByte = 16

// dataMarkReach bounds how far past an ID field the matching data mark may
// appear, in bytes.
const dataMarkReach = 64

// RawWord interleaves clock and data bits, clock first, into the 16 channel
// cells that carry one byte.
func RawWord(data, clock byte) uint16 {
	var w uint16
	for i := 7; i >= 0; i-- {
		w = w<<2 | uint16(clock>>i&1)<<1 | uint16(data>>i&1)
	}
	return w
}

// CellPeriod is the channel cell length in ticks for a data rate in bits
// per second. FM and MFM both spend two cells per data bit.
func CellPeriod(clockHz, dataRate uint32) float64 {
	return float64(clockHz) / (2 * float64(dataRate))
}

// Decoder implements fluxstat.Decoder for FM and MFM.
type Decoder struct{}

// NewDecoder returns a Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Decode clocks pass into channel cells and finds its address marks and
// sectors. Only sectors whose ID CRC is valid and whose data field lies
// entirely within the pass are reported.
func (d *Decoder) Decode(pass *fluxstat.CapturePass, clockHz uint32, enc fluxstat.Encoding, dataRate uint32) (*fluxstat.Bitstream, error) {
	if enc != fluxstat.EncodingMFM && enc != fluxstat.EncodingFM {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}
	if clockHz == 0 || dataRate == 0 {
		return nil, fmt.Errorf("%w: clock %d Hz, rate %d bps", fluxstat.ErrInvalidArgument, clockHz, dataRate)
	}
	period := CellPeriod(clockHz, dataRate)
	cells := Cells(pass.Timestamps(), period)
	if len(cells) == 0 {
		return nil, fmt.Errorf("pass %d has no transitions: %w", pass.Index, fluxstat.ErrNoData)
	}
	bs := &fluxstat.Bitstream{CellPeriod: period, Cells: cells}
	if enc == fluxstat.EncodingMFM {
		scanMFM(bs)
	} else {
		scanFM(bs)
	}
	return bs, nil
}

// Cells runs the PLL over absolute transition times.
func Cells(ts []uint32, period float64) []fluxstat.Cell {
	p := newPLL(ts, period)
	out := make([]fluxstat.Cell, 0, len(ts)*3)
	for {
		centre, flux, ok := p.cell()
		if !ok {
			return out
		}
		out = append(out, fluxstat.Cell{Time: centre, Flux: flux})
	}
}

// readByte decodes the data bits of the 16 cells starting at cell.
func readByte(cells []fluxstat.Cell, cell int) byte {
	var b byte
	for i := 0; i < 8; i++ {
		b <<= 1
		if cells[cell+2*i+1].Flux {
			b |= 1
		}
	}
	return b
}

func readBytes(cells []fluxstat.Cell, cell, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = readByte(cells, cell+i*cellsPerByte)
	}
	return out
}

// idField is a decoded, CRC-valid sector ID.
type idField struct {
	c, h, r, n int
	end        int
}

type markHit struct {
	start int // first cell of the sync pattern
	body  int // first cell after the mark byte
	mark  byte
}

func scanMFM(bs *fluxstat.Bitstream) {
	cells := bs.Cells
	var hits []markHit
	var reg uint16
	run, lastEnd := 0, -1
	for i, c := range cells {
		reg <<= 1
		if c.Flux {
			reg |= 1
		}
		if i < cellsPerByte-1 || reg != SyncWord {
			continue
		}
		if lastEnd == i-cellsPerByte {
			run++
		} else {
			run = 1
		}
		lastEnd = i
		if run != 3 || i+1+cellsPerByte > len(cells) {
			continue
		}
		hits = append(hits, markHit{
			start: i - 3*cellsPerByte + 1,
			body:  i + 1 + cellsPerByte,
			mark:  readByte(cells, i+1),
		})
	}
	collect(bs, hits, func(mark byte) []byte {
		return []byte{0xA1, 0xA1, 0xA1, mark}
	})
}

func scanFM(bs *fluxstat.Bitstream) {
	cells := bs.Cells
	patterns := map[uint16]byte{
		RawWord(MarkID, markClockFM):      MarkID,
		RawWord(MarkData, markClockFM):    MarkData,
		RawWord(MarkDeleted, markClockFM): MarkDeleted,
	}
	var hits []markHit
	var reg uint16
	for i, c := range cells {
		reg <<= 1
		if c.Flux {
			reg |= 1
		}
		if i < cellsPerByte-1 {
			continue
		}
		if mark, ok := patterns[reg]; ok {
			hits = append(hits, markHit{start: i - cellsPerByte + 1, body: i + 1, mark: mark})
		}
	}
	collect(bs, hits, func(mark byte) []byte { return []byte{mark} })
}

// collect pairs ID fields with the data field that follows them.
func collect(bs *fluxstat.Bitstream, hits []markHit, preamble func(byte) []byte) {
	cells := bs.Cells
	var pending *idField
	for _, h := range hits {
		switch h.mark {
		case MarkID:
			bs.Syncs = append(bs.Syncs, fluxstat.SyncMark{Cell: h.start, Kind: fluxstat.SyncID})
			pending = nil
			if h.body+6*cellsPerByte > len(cells) {
				continue
			}
			f := readBytes(cells, h.body, 6)
			want := uint16(f[4])<<8 | uint16(f[5])
			if CRC16(CRC16(CRCInit, preamble(MarkID)), f[:4]) != want {
				continue
			}
			pending = &idField{c: int(f[0]), h: int(f[1]), r: int(f[2]), n: int(f[3]), end: h.body + 6*cellsPerByte}
		case MarkData, MarkDeleted:
			bs.Syncs = append(bs.Syncs, fluxstat.SyncMark{Cell: h.start, Kind: fluxstat.SyncData})
			id := pending
			pending = nil
			if id == nil || h.start-id.end > dataMarkReach*cellsPerByte || id.n > 5 {
				continue
			}
			size := 128 << id.n
			if h.body+(size+2)*cellsPerByte > len(cells) {
				continue
			}
			pre := preamble(h.mark)
			bs.Sectors = append(bs.Sectors, fluxstat.SectorLocation{
				Cylinder:   id.c,
				Head:       id.h,
				Sector:     id.r,
				Size:       size,
				DataCell:   h.body,
				CheckBytes: 2,
				Checksum: func(data []byte) uint32 {
					return uint32(CRC16(CRC16(CRCInit, pre), data))
				},
			})
		}
	}
}

// SectorData reads a sector directly from one decoded pass and reports
// whether its stored CRC matches.
func SectorData(bs *fluxstat.Bitstream, loc fluxstat.SectorLocation) ([]byte, bool) {
	raw := readBytes(bs.Cells, loc.DataCell, loc.Size+loc.CheckBytes)
	data := raw[:loc.Size]
	var want uint32
	for _, b := range raw[loc.Size:] {
		want = want<<8 | uint32(b)
	}
	return data, loc.Checksum(data) == want
}
