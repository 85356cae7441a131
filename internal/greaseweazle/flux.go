package greaseweazle

import (
	"fmt"
	"math"
)

// Flux stream opcodes following an 0xFF byte.
const (
	opIndex   byte = 1
	opSpace   byte = 2
	opAstable byte = 3
)

// Flux is a decoded stream: absolute transition and index times in sample
// ticks from the start of the read.
type Flux struct {
	Transitions []uint64
	Index       []uint64
}

// n28 decodes a 28-bit value packed into the upper seven bits of four bytes.
func n28(b []byte) uint64 {
	return uint64(b[0]>>1) |
		uint64(b[1]>>1)<<7 |
		uint64(b[2]>>1)<<14 |
		uint64(b[3]>>1)<<21
}

// DecodeStream decodes a READ_FLUX stream. The stream ends at a zero byte;
// one is not required.
func DecodeStream(b []byte) (*Flux, error) {
	f := &Flux{}
	var ticks, pending uint64
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c == 0:
			return f, nil
		case c == 0xff:
			if i+6 > len(b) {
				return nil, fmt.Errorf("%w: truncated opcode at %d", ErrProtocol, i)
			}
			op, val := b[i+1], n28(b[i+2:i+6])
			i += 6
			switch op {
			case opIndex:
				f.Index = append(f.Index, ticks+pending+val)
			case opSpace:
				pending += val
			case opAstable:
			default:
				return nil, fmt.Errorf("%w: bad opcode %d at %d", ErrProtocol, op, i-6)
			}
		case c < 250:
			pending += uint64(c)
			ticks += pending
			pending = 0
			f.Transitions = append(f.Transitions, ticks)
			i++
		default:
			if i+2 > len(b) {
				return nil, fmt.Errorf("%w: truncated interval at %d", ErrProtocol, i)
			}
			pending += 250 + uint64(c-250)*255 + uint64(b[i+1]) - 1
			ticks += pending
			pending = 0
			f.Transitions = append(f.Transitions, ticks)
			i += 2
		}
	}
	return f, nil
}

// Revolution is one index-to-index span of a stream.
type Revolution struct {
	// Timestamps are transition times in ticks after the opening index.
	Timestamps []uint32
	IndexTime  uint32
}

// Revolutions splits f into the first n complete index-to-index spans.
func (f *Flux) Revolutions(n int) ([]Revolution, error) {
	if len(f.Index) < n+1 {
		return nil, fmt.Errorf("%w: %d index pulses for %d revolutions", ErrNoIndex, len(f.Index), n)
	}
	revs := make([]Revolution, n)
	j := 0
	for k := range revs {
		start, end := f.Index[k], f.Index[k+1]
		if end-start > math.MaxUint32 {
			return nil, fmt.Errorf("%w: revolution %d spans %d ticks", ErrProtocol, k, end-start)
		}
		for j < len(f.Transitions) && f.Transitions[j] <= start {
			j++
		}
		var ts []uint32
		for ; j < len(f.Transitions) && f.Transitions[j] <= end; j++ {
			ts = append(ts, uint32(f.Transitions[j]-start))
		}
		revs[k] = Revolution{Timestamps: ts, IndexTime: uint32(end - start)}
	}
	return revs, nil
}
