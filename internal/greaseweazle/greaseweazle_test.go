package greaseweazle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fluxripper/internal/fluxdev"
	"github.com/banshee-data/fluxripper/internal/fluxstat"
	"github.com/banshee-data/fluxripper/internal/mfm"
	"github.com/banshee-data/fluxripper/internal/timeutil"
)

const testSampleFreq = 72_000_000

func TestPortOptionsNormalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 115200, opts.BaudRate)
	assert.Equal(t, 8, opts.DataBits)
	assert.Equal(t, 1, opts.StopBits)
	assert.Equal(t, "N", opts.Parity)
	assert.Equal(t, 3*time.Second, opts.ReadTimeout)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)

	mode, err := PortOptions{Parity: "even", StopBits: 2}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 115200, mode.BaudRate)
}

func TestDecodeStream(t *testing.T) {
	var w streamWriter
	w.flux(100)  // direct
	w.flux(400)  // 300: two-byte
	w.index(450) // 50 after the last transition
	w.flux(1900) // 1500: two-byte upper range
	w.flux(9000) // 7100: space then direct
	f, err := DecodeStream(w.bytes())
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 400, 1900, 9000}, f.Transitions)
	assert.Equal(t, []uint64{450}, f.Index)
}

func TestDecodeStreamErrors(t *testing.T) {
	_, err := DecodeStream([]byte{0xff, opIndex, 1})
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = DecodeStream([]byte{0xff, 9, 1, 1, 1, 1})
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = DecodeStream([]byte{252})
	assert.ErrorIs(t, err, ErrProtocol)

	// Bytes after the terminator are ignored.
	f, err := DecodeStream([]byte{10, 0, 0xff})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10}, f.Transitions)
}

func TestRevolutions(t *testing.T) {
	revs := []Revolution{
		{Timestamps: []uint32{100, 250, 900}, IndexTime: 1000},
		{Timestamps: []uint32{50, 999}, IndexTime: 1001},
	}
	f, err := DecodeStream(encodeRevolutions(revs))
	require.NoError(t, err)
	got, err := f.Revolutions(2)
	require.NoError(t, err)
	assert.Equal(t, revs, got)

	_, err = f.Revolutions(3)
	assert.ErrorIs(t, err, ErrNoIndex)
}

func TestClientCommands(t *testing.T) {
	fw := newFakeAdapter(testSampleFreq)
	c := NewClient(fw)

	info, err := c.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, uint32(testSampleFreq), info.SampleFreq)
	assert.Equal(t, uint8(1), info.FirmwareMajor)
	assert.True(t, info.MainFirmware)

	require.NoError(t, c.Seek(-1))
	require.NoError(t, c.Motor(1, true))
	assert.Equal(t, [][]byte{
		{CmdGetInfo, 3, 0},
		{CmdSeek, 3, 0xff},
		{CmdMotor, 4, 1, 1},
	}, fw.sent())

	assert.Error(t, c.Seek(200))
	_, err = c.ReadFlux(0)
	assert.Error(t, err)
}

func TestClientAckErrors(t *testing.T) {
	fw := newFakeAdapter(testSampleFreq)
	fw.acks[CmdSeek] = AckNoTrk0
	fw.acks[CmdReadFlux] = AckNoIndex
	c := NewClient(fw)

	err := c.Seek(0)
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, AckNoTrk0, ackErr.Code)
	assert.Contains(t, err.Error(), "track 0 not found")

	_, err = c.ReadFlux(2)
	assert.ErrorIs(t, err, ErrNoIndex)
	assert.NotErrorIs(t, err, ErrFluxOverflow)
}

func TestClientReadFlux(t *testing.T) {
	fw := newFakeAdapter(testSampleFreq)
	fw.stream = encodeRevolutions([]Revolution{{Timestamps: []uint32{10, 20}, IndexTime: 30}})
	c := NewClient(fw)

	stream, err := c.ReadFlux(1)
	require.NoError(t, err)
	assert.Equal(t, fw.stream, stream)
	sent := fw.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, []byte{CmdReadFlux, 8, 0, 0, 0, 0, 2, 0}, sent[0])
	assert.Equal(t, []byte{CmdGetFluxStatus, 2}, sent[1])
}

func newTestDevice(t *testing.T, fw *fakeAdapter) *Device {
	t.Helper()
	d, err := NewDevice(NewClient(fw))
	require.NoError(t, err)
	d.logf = func(string, ...interface{}) {}
	return d
}

func TestDeviceSelect(t *testing.T) {
	fw := newFakeAdapter(testSampleFreq)
	d := newTestDevice(t, fw)

	require.NoError(t, d.Select(0, 5, 1))
	require.NoError(t, d.Select(0, 6, 0))
	assert.Equal(t, [][]byte{
		{CmdGetInfo, 3, 0},
		{CmdSetBusType, 3, BusIBMPC},
		{CmdSelect, 3, 0},
		{CmdMotor, 4, 0, 1},
		{CmdSeek, 3, 5},
		{CmdHead, 3, 1},
		{CmdSeek, 3, 6},
		{CmdHead, 3, 0},
	}, fw.sent())

	assert.ErrorIs(t, d.Select(0, 0, 2), fluxstat.ErrInvalidArgument)

	require.NoError(t, d.Close())
	sent := fw.sent()
	assert.Equal(t, []byte{CmdMotor, 4, 0, 0}, sent[len(sent)-2])
	assert.Equal(t, []byte{CmdDeselect, 2}, sent[len(sent)-1])
}

func TestDeviceCapture(t *testing.T) {
	fw := newFakeAdapter(testSampleFreq)
	revs := []Revolution{
		{Timestamps: []uint32{288, 576, 1008}, IndexTime: 1200},
		{Timestamps: []uint32{300, 590}, IndexTime: 1210},
	}
	fw.stream = encodeRevolutions(revs)
	d := newTestDevice(t, fw)
	d.hist.Enable(true)

	require.NoError(t, d.Start(2))
	d.WaitIdle()

	st := d.Status()
	assert.True(t, st.Done)
	assert.False(t, st.Busy)
	assert.Equal(t, 2, st.PassesDone)
	assert.Equal(t, uint32(3), d.PassFluxCount(0))
	assert.Equal(t, uint32(1210), d.PassIndexTime(1))
	assert.Equal(t, uint32(1200), d.PassStartTime(1))
	assert.Equal(t, fluxstat.CaptureTotals{TotalFlux: 5, MinFlux: 2, MaxFlux: 3, TotalTime: 2410}, d.Totals())
	assert.Equal(t, uint32(5), d.hist.Stats().TotalCount)

	buf, err := d.ReadPass(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{44, 1, 0, 0, 78, 2, 0, 0}, buf)
	_, err = d.ReadPass(2)
	assert.ErrorIs(t, err, fluxstat.ErrNoData)
}

func TestDeviceCaptureOverflow(t *testing.T) {
	fw := newFakeAdapter(testSampleFreq)
	fw.stream = encodeRevolutions([]Revolution{{Timestamps: []uint32{10}, IndexTime: 20}})
	fw.fluxStatus = AckFluxOverflow
	d := newTestDevice(t, fw)

	require.NoError(t, d.Start(1))
	d.WaitIdle()
	st := d.Status()
	assert.True(t, st.Error)
	assert.True(t, st.Overflow)
	assert.False(t, st.Done)
}

func TestDeviceAbortDrains(t *testing.T) {
	fw := newFakeAdapter(testSampleFreq)
	fw.stream = encodeRevolutions([]Revolution{{Timestamps: []uint32{10}, IndexTime: 20}})
	fw.hold = true
	d := newTestDevice(t, fw)

	require.NoError(t, d.Start(1))
	assert.True(t, d.Status().Busy)
	require.NoError(t, d.Abort())
	assert.True(t, d.Status().Busy)
	assert.ErrorIs(t, d.Start(1), ErrDeviceBusy)
	assert.ErrorIs(t, d.Start(1), fluxstat.ErrBusy)
	assert.ErrorIs(t, d.Select(0, 0, 0), ErrDeviceBusy)

	fw.release()
	d.WaitIdle()
	st := d.Status()
	assert.False(t, st.Busy)
	assert.False(t, st.Done)
	assert.Zero(t, st.PassesDone)

	require.NoError(t, d.Start(1))
	d.WaitIdle()
	assert.True(t, d.Status().Done)
}

func TestEngineAbortWaitsForDrain(t *testing.T) {
	fw := newFakeAdapter(testSampleFreq)
	fw.stream = encodeRevolutions([]Revolution{
		{Timestamps: []uint32{288, 576}, IndexTime: 1200},
		{Timestamps: []uint32{290, 580}, IndexTime: 1201},
	})
	fw.hold = true
	d := newTestDevice(t, fw)

	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, err := fluxstat.NewEngine(fluxstat.Options{
		Device:    d,
		Histogram: d.Histogram(),
		Drive:     d,
		Decoder:   mfm.NewDecoder(),
		Clock:     clock,
		Logf:      func(string, ...interface{}) {},
	})
	require.NoError(t, err)
	cfg := fluxstat.DefaultRecoveryConfig()
	cfg.PassCount = 2
	require.NoError(t, e.Configure(cfg))

	require.NoError(t, e.Start(0, 1, 0))
	assert.ErrorIs(t, e.Abort(), fluxstat.ErrTimeout)
	assert.Len(t, clock.Sleeps(), 1000)
	assert.ErrorIs(t, e.Start(0, 1, 0), fluxstat.ErrBusy)

	fw.release()
	d.WaitIdle()
	require.NoError(t, e.Start(0, 1, 0))
	d.WaitIdle()
	require.NoError(t, e.Wait(context.Background(), time.Second))
	c, err := e.Result()
	require.NoError(t, err)
	assert.Len(t, c.Passes, 2)
}

func TestDeviceWithEngine(t *testing.T) {
	src := fluxdev.NewSynthetic(testSampleFreq)
	src.Speeds = []float64{1.0, 1.003, 0.998, 1.001}
	src.JitterTicks = 4
	src.Seed = 3

	var revs []Revolution
	for pass := 0; pass < 4; pass++ {
		ts, idx, err := src.Revolution(0, 2, 0, pass)
		require.NoError(t, err)
		revs = append(revs, Revolution{Timestamps: ts, IndexTime: idx})
	}
	fw := newFakeAdapter(testSampleFreq)
	fw.stream = encodeRevolutions(revs)
	d := newTestDevice(t, fw)

	e, err := fluxstat.NewEngine(fluxstat.Options{
		Device:    d,
		Histogram: d.Histogram(),
		Drive:     d,
		Decoder:   mfm.NewDecoder(),
		Logf:      func(string, ...interface{}) {},
	})
	require.NoError(t, err)
	cfg := fluxstat.DefaultRecoveryConfig()
	cfg.PassCount = 4
	require.NoError(t, e.Configure(cfg))

	require.NoError(t, e.Start(0, 2, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx, 10*time.Second))
	c, err := e.Result()
	require.NoError(t, err)
	assert.Equal(t, uint32(testSampleFreq), c.ClockHz)
	assert.InDelta(t, 300, float64(c.AverageRPM()), 5)

	rate, err := e.EstimateRateBPS()
	require.NoError(t, err)
	assert.InEpsilon(t, 250000, float64(rate), 0.05)

	track, err := e.AnalyzeTrack(c)
	require.NoError(t, err)
	assert.Equal(t, 9, track.SectorCount)
	assert.Equal(t, 9, track.SectorsRecovered)
	for _, s := range track.Sectors {
		assert.Equal(t, fluxdev.SectorData(2, 0, s.Sector, 512), s.Data, "sector %d", s.Sector)
	}
}
