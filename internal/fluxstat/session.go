package fluxstat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/fluxripper/internal/monitoring"
	"github.com/banshee-data/fluxripper/internal/timeutil"
)

const (
	pollInterval = time.Millisecond
	abortTimeout = time.Second
)

// Options wires an Engine to its collaborators. Device, Histogram and
// Decoder are required.
type Options struct {
	Device    CaptureDevice
	Histogram HistogramDevice
	Drive     Drive
	Decoder   Decoder
	Clock     timeutil.Clock
	Logf      func(format string, v ...interface{})
}

// Engine owns one capture session at a time together with the interval
// histogram and the analysis cache derived from the frozen capture.
type Engine struct {
	dev   CaptureDevice
	hist  HistogramDevice
	drive Drive
	dec   Decoder
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	mu             sync.Mutex
	cfg            RecoveryConfig
	state          State
	abortRequested bool
	generation     uint64
	discarded      bool // cleared or aborted since the last Start
	sel            struct{ drive, track, head int }
	total          int
	capture        *MultipassCapture
	layout         *trackLayout
}

// NewEngine returns an idle engine with DefaultRecoveryConfig.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Device == nil || opts.Histogram == nil || opts.Decoder == nil {
		return nil, fmt.Errorf("%w: device, histogram and decoder are required", ErrInvalidArgument)
	}
	e := &Engine{
		dev:   opts.Device,
		hist:  opts.Histogram,
		drive: opts.Drive,
		dec:   opts.Decoder,
		clock: opts.Clock,
		logf:  opts.Logf,
		cfg:   DefaultRecoveryConfig(),
	}
	if e.clock == nil {
		e.clock = timeutil.RealClock{}
	}
	if e.logf == nil {
		e.logf = monitoring.Component("fluxstat")
	}
	return e, nil
}

// Configure replaces the configuration. It fails with ErrBusy while a
// capture is running.
func (e *Engine) Configure(cfg RecoveryConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capturingLocked() {
		return fmt.Errorf("configure: %w", ErrBusy)
	}
	e.cfg = cfg
	e.layout = nil
	return nil
}

// Config returns the current configuration.
func (e *Engine) Config() RecoveryConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// capturingLocked refreshes the session state and reports whether a capture
// is still running.
func (e *Engine) capturingLocked() bool {
	st := e.dev.Status()
	e.advanceLocked(st)
	return e.state == StateCapturing || st.Busy
}

func (e *Engine) advanceLocked(st DeviceStatus) {
	prev := e.state
	e.state = nextState(e.state, st, e.abortRequested)
	if prev == StateCapturing && e.state != StateCapturing {
		e.hist.Enable(false)
		e.logf("capture %d on drive %d track %d head %d: %s (%d passes)",
			e.generation, e.sel.drive, e.sel.track, e.sel.head, e.state, st.PassesDone)
	}
}

// Start selects the drive, resets the histogram and begins a new capture
// with the configured pass count. Any capture snapshot from an earlier
// session becomes stale.
func (e *Engine) Start(drive, track, head int) error {
	if drive < 0 || track < 0 || head < 0 {
		return fmt.Errorf("%w: drive %d track %d head %d", ErrInvalidArgument, drive, track, head)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capturingLocked() {
		return fmt.Errorf("start: %w", ErrBusy)
	}
	if e.drive != nil {
		if err := e.drive.Select(drive, track, head); err != nil {
			return fmt.Errorf("select drive %d track %d head %d: %w", drive, track, head, err)
		}
	}
	e.hist.Clear()
	e.hist.Enable(true)
	if err := e.dev.Start(e.cfg.PassCount); err != nil {
		e.hist.Enable(false)
		return fmt.Errorf("start capture: %w", err)
	}
	e.generation++
	e.capture = nil
	e.layout = nil
	e.discarded = false
	e.abortRequested = false
	e.state = StateCapturing
	e.total = e.cfg.PassCount
	e.sel.drive, e.sel.track, e.sel.head = drive, track, head
	e.logf("capture %d started: drive %d track %d head %d, %d passes",
		e.generation, drive, track, head, e.total)
	return nil
}

// Abort stops the running capture and waits up to one second for the
// device to go idle. The session's capture, complete or not, is discarded.
func (e *Engine) Abort() error {
	e.mu.Lock()
	e.abortRequested = true
	if e.state == StateCapturing || e.state == StateDone {
		e.state = StateAborted
	}
	e.discardLocked()
	err := e.dev.Abort()
	e.hist.Enable(false)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("abort capture: %w", err)
	}

	deadline := e.clock.Now().Add(abortTimeout)
	for e.dev.Status().Busy {
		if !e.clock.Now().Before(deadline) {
			return fmt.Errorf("device busy %s after abort: %w", abortTimeout, ErrTimeout)
		}
		e.clock.Sleep(pollInterval)
	}
	return nil
}

// Progress reports the pass being captured and the number requested. It
// never blocks on the capture.
func (e *Engine) Progress() (current, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.dev.Status()
	total = e.total
	if total == 0 {
		total = e.cfg.PassCount
	}
	if st.Busy {
		return st.CurrentPass, total
	}
	return st.PassesDone, total
}

// Poll advances the session state from the device status and returns it.
func (e *Engine) Poll() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advanceLocked(e.dev.Status())
	return e.state
}

// Wait polls until the capture finishes, the timeout elapses, the session
// is aborted or ctx is done.
func (e *Engine) Wait(ctx context.Context, timeout time.Duration) error {
	deadline := e.clock.Now().Add(timeout)
	for {
		e.mu.Lock()
		st := e.dev.Status()
		e.advanceLocked(st)
		state := e.state
		e.mu.Unlock()

		switch state {
		case StateDone:
			return nil
		case StateAborted:
			return ErrCaptureAborted
		case StateError:
			if st.Overflow {
				return fmt.Errorf("capture failed: %w", ErrOverflow)
			}
			return fmt.Errorf("device reported an error: %w", ErrCaptureAborted)
		case StateIdle:
			return fmt.Errorf("no capture started: %w", ErrNoData)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.clock.Now().Before(deadline) {
			return fmt.Errorf("capture still running after %s: %w", timeout, ErrTimeout)
		}
		e.clock.Sleep(pollInterval)
	}
}

// Result freezes the completed capture. Repeated calls within one session
// return the same snapshot.
func (e *Engine) Result() (*MultipassCapture, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.dev.Status()
	e.advanceLocked(st)
	if e.discarded {
		return nil, fmt.Errorf("capture discarded: %w", ErrNoData)
	}
	if st.Overflow {
		return nil, fmt.Errorf("capture result: %w", ErrOverflow)
	}
	if !st.Done {
		return nil, fmt.Errorf("capture not complete: %w", ErrNoData)
	}
	if e.capture != nil && e.capture.Generation == e.generation {
		return e.capture, nil
	}

	n := min(st.PassesDone, MaxPasses)
	if n == 0 {
		return nil, fmt.Errorf("device reported no passes: %w", ErrNoData)
	}
	totals := e.dev.Totals()
	base, stride := e.dev.BaseAddr(), e.dev.PassStride()
	c := &MultipassCapture{
		Drive:      e.sel.drive,
		Track:      e.sel.track,
		Head:       e.sel.head,
		PassCount:  n,
		TotalFlux:  totals.TotalFlux,
		MinFlux:    totals.MinFlux,
		MaxFlux:    totals.MaxFlux,
		TotalTime:  totals.TotalTime,
		BaseAddr:   base,
		ClockHz:    e.dev.ClockHz(),
		Generation: e.generation,
		Passes:     make([]CapturePass, 0, n),
	}
	for i := 0; i < n; i++ {
		count := e.dev.PassFluxCount(i)
		if stride > 0 && uint64(count)*4 > uint64(stride) {
			return nil, fmt.Errorf("pass %d holds %d transitions, stride is %d bytes: %w", i, count, stride, ErrOverflow)
		}
		raw, err := e.dev.ReadPass(i)
		if err != nil {
			return nil, fmt.Errorf("read pass %d: %w", i, err)
		}
		ts, err := decodePassBuffer(raw, count)
		if err != nil {
			return nil, fmt.Errorf("pass %d: %w", i, err)
		}
		p, err := NewCapturePass(i, e.dev.PassIndexTime(i), ts)
		if err != nil {
			return nil, err
		}
		p.StartTime = e.dev.PassStartTime(i)
		p.BaseAddr = base + uint32(i)*stride
		c.Passes = append(c.Passes, *p)
	}
	e.capture = c
	e.layout = nil
	return c, nil
}

// PassData returns where pass i sits in capture memory and its length in
// bytes.
func (e *Engine) PassData(i int) (addr, size uint32, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.dev.Status()
	if !st.Done || e.discarded {
		return 0, 0, fmt.Errorf("pass %d: %w", i, ErrNoData)
	}
	if i < 0 || i >= st.PassesDone || i >= MaxPasses {
		return 0, 0, fmt.Errorf("%w: pass %d of %d", ErrInvalidArgument, i, st.PassesDone)
	}
	return e.dev.BaseAddr() + uint32(i)*e.dev.PassStride(), e.dev.PassFluxCount(i) * 4, nil
}

// SessionStatus is a point-in-time view of the engine.
type SessionStatus struct {
	State       State  `json:"state"`
	CurrentPass int    `json:"current_pass"`
	TotalPasses int    `json:"total_passes"`
	PassesDone  int    `json:"passes_done"`
	HasData     bool   `json:"has_data"`
	Overflow    bool   `json:"overflow"`
	Generation  uint64 `json:"generation"`
	Drive       int    `json:"drive"`
	Track       int    `json:"track"`
	Head        int    `json:"head"`
}

// Status reports the session state without blocking.
func (e *Engine) Status() SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.dev.Status()
	e.advanceLocked(st)
	total := e.total
	if total == 0 {
		total = e.cfg.PassCount
	}
	return SessionStatus{
		State:       e.state,
		CurrentPass: st.CurrentPass,
		TotalPasses: total,
		PassesDone:  st.PassesDone,
		HasData:     st.Done && !st.Overflow && !e.discarded,
		Overflow:    st.Overflow,
		Generation:  e.generation,
		Drive:       e.sel.drive,
		Track:       e.sel.track,
		Head:        e.sel.head,
	}
}

// Clear drops the cached capture and analysis and empties the histogram.
// Earlier snapshots become stale.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capturingLocked() {
		return fmt.Errorf("clear: %w", ErrBusy)
	}
	e.discardLocked()
	e.state = StateIdle
	e.hist.Clear()
	return nil
}

// discardLocked drops the session's capture. Snapshots already handed out
// become stale and Result reports ErrNoData until the next Start.
func (e *Engine) discardLocked() {
	if !e.discarded {
		e.generation++
	}
	e.discarded = true
	e.capture = nil
	e.layout = nil
}
