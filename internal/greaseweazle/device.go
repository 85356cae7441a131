package greaseweazle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/monitoring"
)

// DefaultPassStride is the per-pass buffer size reported to the engine.
const DefaultPassStride = 4 * 1024 * 1024

// ErrDeviceBusy is returned while a capture or drain is in progress. It
// matches fluxstat.ErrBusy.
var ErrDeviceBusy = fmt.Errorf("device busy: %w", fluxstat.ErrBusy)

// Device adapts a Greaseweazle to fluxstat.CaptureDevice and fluxstat.Drive.
// Captures run on a goroutine; the interval histogram is computed in
// software as each capture completes.
type Device struct {
	client *Client
	info   Info
	hist   *fluxstat.Histogram
	logf   func(string, ...interface{})

	mu       sync.Mutex
	unit     int
	motorOn  bool
	running  bool // goroutine owns the port
	busy     bool
	done     bool
	failed   bool
	overflow bool
	aborted  bool
	revs     []Revolution
	starts   []uint32
	totals   fluxstat.CaptureTotals
	finished chan struct{}
}

// NewDevice queries the adapter and selects the IBM PC bus.
func NewDevice(client *Client) (*Device, error) {
	info, err := client.GetInfo()
	if err != nil {
		return nil, fmt.Errorf("get info: %w", err)
	}
	if info.SampleFreq == 0 {
		return nil, fmt.Errorf("%w: zero sample frequency", ErrProtocol)
	}
	if err := client.SetBusType(BusIBMPC); err != nil {
		return nil, fmt.Errorf("set bus type: %w", err)
	}
	d := &Device{
		client: client,
		info:   info,
		hist:   fluxstat.NewHistogram(),
		logf:   monitoring.Component("greaseweazle"),
		unit:   -1,
	}
	d.logf("firmware %d.%d model %d.%d sample clock %d Hz",
		info.FirmwareMajor, info.FirmwareMinor, info.HWModel, info.HWSubmodel, info.SampleFreq)
	return d, nil
}

// Info returns the firmware information read at open.
func (d *Device) Info() Info { return d.info }

// Histogram is the software interval histogram fed by completed captures.
func (d *Device) Histogram() *fluxstat.Histogram { return d.hist }

// Select drives unit, spins its motor, seeks to track and picks head.
func (d *Device) Select(unit, track, head int) error {
	if unit < 0 || unit > 2 || head < 0 || head > 1 || track < 0 || track > 85 {
		return fmt.Errorf("%w: drive %d track %d head %d", fluxstat.ErrInvalidArgument, unit, track, head)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrDeviceBusy
	}
	if d.unit != unit {
		if err := d.client.Select(unit); err != nil {
			return fmt.Errorf("select unit %d: %w", unit, err)
		}
		d.unit, d.motorOn = unit, false
	}
	if !d.motorOn {
		if err := d.client.Motor(unit, true); err != nil {
			return fmt.Errorf("motor on: %w", err)
		}
		d.motorOn = true
	}
	if err := d.client.Seek(track); err != nil {
		return fmt.Errorf("seek %d: %w", track, err)
	}
	if err := d.client.Head(head); err != nil {
		return fmt.Errorf("head %d: %w", head, err)
	}
	return nil
}

// Start begins reading passCount revolutions in the background.
func (d *Device) Start(passCount int) error {
	if passCount < 1 || passCount > fluxstat.MaxPasses {
		return fmt.Errorf("%w: pass count %d", fluxstat.ErrInvalidArgument, passCount)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrDeviceBusy
	}
	d.running, d.busy = true, true
	d.done, d.failed, d.overflow, d.aborted = false, false, false, false
	d.revs, d.starts = nil, nil
	d.totals = fluxstat.CaptureTotals{}
	d.finished = make(chan struct{})
	go d.capture(passCount, d.finished)
	return nil
}

func (d *Device) capture(passCount int, finished chan struct{}) {
	defer close(finished)
	stream, err := d.client.ReadFlux(passCount)
	var revs []Revolution
	if err == nil {
		var f *Flux
		if f, err = DecodeStream(stream); err == nil {
			revs, err = f.Revolutions(passCount)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.busy = false
	if d.aborted {
		d.logf("discarded aborted capture of %d revolutions", passCount)
		return
	}
	if err != nil {
		d.failed = true
		d.overflow = errors.Is(err, ErrFluxOverflow)
		d.logf("capture failed: %v", err)
		return
	}
	var elapsed uint32
	for i, r := range revs {
		n := uint32(len(r.Timestamps))
		if i == 0 || n < d.totals.MinFlux {
			d.totals.MinFlux = n
		}
		d.totals.MaxFlux = max(d.totals.MaxFlux, n)
		d.totals.TotalFlux += n
		d.totals.TotalTime += r.IndexTime
		d.starts = append(d.starts, elapsed)
		elapsed += r.IndexTime

		var prev uint32
		for _, t := range r.Timestamps {
			d.hist.Add(t - prev)
			prev = t
		}
	}
	d.revs = revs
	d.done = true
}

// Abort marks the running capture as abandoned. The adapter cannot stop a
// read mid-stream, so the stream is drained and discarded in the background.
// Status stays busy and Start reports ErrDeviceBusy until the drain ends.
func (d *Device) Abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy {
		d.aborted = true
	}
	return nil
}

// WaitIdle blocks until no capture goroutine is running.
func (d *Device) WaitIdle() {
	d.mu.Lock()
	ch := d.finished
	d.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// Status reports progress. Passes are only known once the stream is decoded.
func (d *Device) Status() fluxstat.DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fluxstat.DeviceStatus{
		Busy:        d.busy,
		Done:        d.done,
		Error:       d.failed,
		Overflow:    d.overflow,
		CurrentPass: len(d.revs),
		PassesDone:  len(d.revs),
	}
}

func (d *Device) rev(i int) (Revolution, bool) {
	if i < 0 || i >= len(d.revs) {
		return Revolution{}, false
	}
	return d.revs[i], true
}

// PassFluxCount is the number of transitions in pass i.
func (d *Device) PassFluxCount(i int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, _ := d.rev(i)
	return uint32(len(r.Timestamps))
}

// PassIndexTime is the index period of pass i in sample ticks.
func (d *Device) PassIndexTime(i int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, _ := d.rev(i)
	return r.IndexTime
}

// PassStartTime is the tick at which pass i began, from the first index.
func (d *Device) PassStartTime(i int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.starts) {
		return 0
	}
	return d.starts[i]
}

// Totals returns the whole-capture counters.
func (d *Device) Totals() fluxstat.CaptureTotals {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totals
}

func (d *Device) BaseAddr() uint32   { return 0 }
func (d *Device) PassStride() uint32 { return DefaultPassStride }
func (d *Device) ClockHz() uint32    { return d.info.SampleFreq }

// ReadPass returns pass i as little-endian timestamps.
func (d *Device) ReadPass(i int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rev(i)
	if !ok {
		return nil, fmt.Errorf("pass %d: %w", i, fluxstat.ErrNoData)
	}
	buf := make([]byte, len(r.Timestamps)*4)
	for j, t := range r.Timestamps {
		binary.LittleEndian.PutUint32(buf[j*4:], t)
	}
	return buf, nil
}

// Close stops the motor, releases the drive and closes the port.
func (d *Device) Close() error {
	d.WaitIdle()
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	if d.unit >= 0 {
		if d.motorOn {
			errs = append(errs, d.client.Motor(d.unit, false))
		}
		errs = append(errs, d.client.Deselect())
	}
	errs = append(errs, d.client.Close())
	return errors.Join(errs...)
}
