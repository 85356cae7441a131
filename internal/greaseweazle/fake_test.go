package greaseweazle

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
)

// fakeAdapter emulates the adapter firmware behind a Port. Responses are
// queued as each command is written.
type fakeAdapter struct {
	mu   sync.Mutex
	cond *sync.Cond
	out  bytes.Buffer

	sampleFreq uint32
	stream     []byte
	acks       map[byte]byte
	fluxStatus byte
	hold       bool
	held       []byte
	closed     bool
	commands   [][]byte
}

func newFakeAdapter(sampleFreq uint32) *fakeAdapter {
	f := &fakeAdapter{sampleFreq: sampleFreq, acks: map[byte]byte{}}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeAdapter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	pkt := append([]byte(nil), p...)
	f.commands = append(f.commands, pkt)
	cmd := pkt[0]
	ack := f.acks[cmd]
	if cmd == CmdGetFluxStatus && ack == AckOkay {
		ack = f.fluxStatus
	}
	f.out.Write([]byte{cmd, ack})
	if ack == AckOkay {
		switch cmd {
		case CmdGetInfo:
			var info [infoSize]byte
			info[0], info[1], info[2], info[3] = 1, 6, 1, 22
			binary.LittleEndian.PutUint32(info[4:8], f.sampleFreq)
			info[8], info[9], info[10] = 4, 1, 1
			f.out.Write(info[:])
		case CmdReadFlux:
			if f.hold {
				f.held = f.stream
			} else {
				f.out.Write(f.stream)
			}
		}
	}
	f.cond.Broadcast()
	return len(p), nil
}

func (f *fakeAdapter) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.out.Len() == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.out.Len() == 0 {
		return 0, io.EOF
	}
	return f.out.Read(p)
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

// release delivers a held flux stream.
func (f *fakeAdapter) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = false
	f.out.Write(f.held)
	f.held = nil
	f.cond.Broadcast()
}

func (f *fakeAdapter) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.commands...)
}

// streamWriter encodes a READ_FLUX stream.
type streamWriter struct {
	buf   bytes.Buffer
	ticks uint64
}

func putN28(b *bytes.Buffer, v uint64) {
	b.WriteByte(1 | byte(v<<1)&0xfe)
	b.WriteByte(1 | byte(v>>6)&0xfe)
	b.WriteByte(1 | byte(v>>13)&0xfe)
	b.WriteByte(1 | byte(v>>20)&0xfe)
}

// flux emits a transition at absolute time t.
func (w *streamWriter) flux(t uint64) {
	v := t - w.ticks
	w.ticks = t
	if v >= 1525 {
		w.buf.Write([]byte{0xff, opSpace})
		putN28(&w.buf, v-249)
		v = 249
	}
	if v < 250 {
		w.buf.WriteByte(byte(v))
		return
	}
	w.buf.WriteByte(byte(250 + (v-250)/255))
	w.buf.WriteByte(byte((v-250)%255 + 1))
}

// index emits an index pulse at absolute time t, which must not precede
// the last transition.
func (w *streamWriter) index(t uint64) {
	w.buf.Write([]byte{0xff, opIndex})
	putN28(&w.buf, t-w.ticks)
}

func (w *streamWriter) bytes() []byte {
	return append(w.buf.Bytes(), 0)
}

// encodeRevolutions lays revolutions end to end with a short lead-in and
// tail, the way a real read straddles the index pulses.
func encodeRevolutions(revs []Revolution) []byte {
	var w streamWriter
	for t := uint64(300); t < 1500; t += 300 {
		w.flux(t)
	}
	start := uint64(1600)
	w.index(start)
	for _, r := range revs {
		for _, ts := range r.Timestamps {
			w.flux(start + uint64(ts))
		}
		start += uint64(r.IndexTime)
		w.index(start)
	}
	w.flux(start + 200)
	w.flux(start + 5000)
	return w.bytes()
}
