// Package fluxdev provides a simulated multi-pass capture device. It
// implements fluxstat.CaptureDevice and fluxstat.Drive and feeds a software
// interval histogram the way the capture hardware does.
package fluxdev

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
)

// Defaults for the simulated capture engine.
const (
	DefaultClockHz    = 200_000_000
	DefaultPassStride = 512 * 1024
	DefaultBaseAddr   = 0x4000_0000
)

// ErrDeviceBusy is returned by Start while a capture is running. It matches
// fluxstat.ErrBusy.
var ErrDeviceBusy = fmt.Errorf("device busy: %w", fluxstat.ErrBusy)

// TrackSource produces one revolution of flux for the selected position.
type TrackSource interface {
	// Revolution returns transition timestamps in ticks from the index
	// pulse, and the index period.
	Revolution(drive, track, head, pass int) (ts []uint32, indexTime uint32, err error)
}

// Options configures a Sim.
type Options struct {
	ClockHz    uint32
	PassStride uint32
	BaseAddr   uint32
	Source     TrackSource
	// StepsPerPass is the number of Status calls each pass takes.
	StepsPerPass int
	// MaxTrack bounds Select; zero means 83.
	MaxTrack int
}

// Sim is a simulated capture device. Progress advances on Status calls, so
// tests and poll loops drive it deterministically.
type Sim struct {
	opts Options
	hist *fluxstat.Histogram

	mu          sync.Mutex
	sel         struct{ drive, track, head int }
	busy        bool
	done        bool
	failed      bool
	overflow    bool
	stall       bool
	ignoreAbort bool
	target      int
	steps       int
	passes      [][]uint32
	index       []uint32
	start       []uint32
	elapsed     uint32
	totals      fluxstat.CaptureTotals
	starts      int
}

// NewSim returns an idle simulated device.
func NewSim(opts Options) *Sim {
	if opts.ClockHz == 0 {
		opts.ClockHz = DefaultClockHz
	}
	if opts.PassStride == 0 {
		opts.PassStride = DefaultPassStride
	}
	if opts.BaseAddr == 0 {
		opts.BaseAddr = DefaultBaseAddr
	}
	if opts.StepsPerPass <= 0 {
		opts.StepsPerPass = 1
	}
	if opts.MaxTrack == 0 {
		opts.MaxTrack = 83
	}
	return &Sim{opts: opts, hist: fluxstat.NewHistogram()}
}

// Histogram is the interval histogram fed by captured passes.
func (s *Sim) Histogram() *fluxstat.Histogram { return s.hist }

// SetStall freezes or resumes capture progress.
func (s *Sim) SetStall(on bool) {
	s.mu.Lock()
	s.stall = on
	s.mu.Unlock()
}

// SetIgnoreAbort makes Abort leave the device busy.
func (s *Sim) SetIgnoreAbort(on bool) {
	s.mu.Lock()
	s.ignoreAbort = on
	s.mu.Unlock()
}

// Starts counts calls to Start that began a capture.
func (s *Sim) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Select positions the simulated drive.
func (s *Sim) Select(drive, track, head int) error {
	if drive < 0 || drive > 3 || head < 0 || head > 1 || track < 0 || track > s.opts.MaxTrack {
		return fmt.Errorf("%w: drive %d track %d head %d", fluxstat.ErrInvalidArgument, drive, track, head)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel.drive, s.sel.track, s.sel.head = drive, track, head
	return nil
}

// Start begins a capture of passCount revolutions.
func (s *Sim) Start(passCount int) error {
	if passCount < 1 || passCount > fluxstat.MaxPasses {
		return fmt.Errorf("%w: pass count %d", fluxstat.ErrInvalidArgument, passCount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrDeviceBusy
	}
	s.busy, s.done, s.failed, s.overflow = true, false, false, false
	s.target, s.steps = passCount, 0
	s.passes, s.index, s.start = nil, nil, nil
	s.elapsed = 0
	s.totals = fluxstat.CaptureTotals{}
	s.starts++
	return nil
}

// Abort stops the capture unless SetIgnoreAbort is on.
func (s *Sim) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ignoreAbort {
		s.busy = false
	}
	return nil
}

// Status advances the capture by one step and returns the status register.
func (s *Sim) Status() fluxstat.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy && !s.stall {
		s.steps++
		if s.steps >= s.opts.StepsPerPass {
			s.steps = 0
			s.capturePass()
		}
	}
	return fluxstat.DeviceStatus{
		Busy:        s.busy,
		Done:        s.done,
		Error:       s.failed,
		Overflow:    s.overflow,
		CurrentPass: len(s.passes),
		PassesDone:  len(s.passes),
	}
}

func (s *Sim) capturePass() {
	if s.opts.Source == nil {
		s.fail(false)
		return
	}
	pass := len(s.passes)
	ts, idx, err := s.opts.Source.Revolution(s.sel.drive, s.sel.track, s.sel.head, pass)
	if err != nil {
		s.fail(false)
		return
	}
	if uint64(len(ts))*4 > uint64(s.opts.PassStride) {
		s.fail(true)
		return
	}
	var prev uint32
	for _, t := range ts {
		s.hist.Add(t - prev)
		prev = t
	}

	n := uint32(len(ts))
	if pass == 0 || n < s.totals.MinFlux {
		s.totals.MinFlux = n
	}
	s.totals.MaxFlux = max(s.totals.MaxFlux, n)
	s.totals.TotalFlux += n
	s.totals.TotalTime += idx

	s.passes = append(s.passes, ts)
	s.index = append(s.index, idx)
	s.start = append(s.start, s.elapsed)
	s.elapsed += idx
	if len(s.passes) == s.target {
		s.busy, s.done = false, true
	}
}

func (s *Sim) fail(overflow bool) {
	s.busy, s.failed, s.overflow = false, true, overflow
}

func (s *Sim) pass(i int) ([]uint32, bool) {
	if i < 0 || i >= len(s.passes) {
		return nil, false
	}
	return s.passes[i], true
}

// PassFluxCount is the number of transitions in pass i.
func (s *Sim) PassFluxCount(i int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, _ := s.pass(i)
	return uint32(len(ts))
}

// PassIndexTime is the index period of pass i in ticks.
func (s *Sim) PassIndexTime(i int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.index) {
		return 0
	}
	return s.index[i]
}

// PassStartTime is the tick at which pass i began.
func (s *Sim) PassStartTime(i int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.start) {
		return 0
	}
	return s.start[i]
}

// Totals returns the whole-capture counters.
func (s *Sim) Totals() fluxstat.CaptureTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

func (s *Sim) BaseAddr() uint32   { return s.opts.BaseAddr }
func (s *Sim) PassStride() uint32 { return s.opts.PassStride }
func (s *Sim) ClockHz() uint32    { return s.opts.ClockHz }

// ReadPass returns pass i as little-endian timestamps.
func (s *Sim) ReadPass(i int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.pass(i)
	if !ok {
		return nil, fmt.Errorf("pass %d: %w", i, fluxstat.ErrNoData)
	}
	buf := make([]byte, len(ts)*4)
	for j, t := range ts {
		binary.LittleEndian.PutUint32(buf[j*4:], t)
	}
	return buf, nil
}
