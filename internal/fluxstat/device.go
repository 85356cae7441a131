package fluxstat

// DeviceStatus mirrors the capture engine status register.
type DeviceStatus struct {
	Busy     bool
	Done     bool
	Error    bool
	Overflow bool
	// CurrentPass is the zero-based pass being captured while Busy.
	CurrentPass int
	// PassesDone counts completed passes.
	PassesDone int
}

// CaptureTotals are the whole-capture counters latched by the device.
type CaptureTotals struct {
	TotalFlux uint32
	MinFlux   uint32
	MaxFlux   uint32
	TotalTime uint32
}

// CaptureDevice is the multi-pass capture hardware. Implementations must be
// safe for use from multiple goroutines.
type CaptureDevice interface {
	// Start begins capturing passCount consecutive revolutions.
	Start(passCount int) error
	// Abort requests the current capture to stop. It does not wait.
	Abort() error
	Status() DeviceStatus
	PassFluxCount(i int) uint32
	PassIndexTime(i int) uint32
	PassStartTime(i int) uint32
	Totals() CaptureTotals
	// BaseAddr is the address of pass 0; pass i starts PassStride bytes later.
	BaseAddr() uint32
	PassStride() uint32
	// ReadPass returns pass i as little-endian uint32 tick timestamps
	// measured from that pass's index pulse.
	ReadPass(i int) ([]byte, error)
	// ClockHz is the timestamp clock frequency.
	ClockHz() uint32
}

// HistogramDevice is the flux interval histogram block.
type HistogramDevice interface {
	Clear()
	Enable(on bool)
	// Snapshot latches the live statistics into the snapshot registers.
	Snapshot()
	Bin(i int) uint32
	Stats() IntervalHistogram
	SnapshotStats() IntervalHistogram
}

// Drive positions the mechanism before a capture.
type Drive interface {
	Select(drive, track, head int) error
}

// Cell is one nominal channel cell of a decoded revolution.
type Cell struct {
	// Time is the cell centre in ticks from the index pulse.
	Time float64
	// Flux reports whether a transition fell inside the cell window.
	Flux bool
}

// SyncKind tells address marks apart so anchors are only matched against
// marks of the same type.
type SyncKind uint8

const (
	SyncID SyncKind = iota + 1
	SyncData
)

// SyncMark is a recognised address mark.
type SyncMark struct {
	Cell int
	Kind SyncKind
}

// Checksum computes the check word for a sector's data field.
type Checksum func(data []byte) uint32

// SectorLocation describes where a sector's data field sits on the cell grid.
type SectorLocation struct {
	Cylinder int
	Head     int
	Sector   int
	Size     int
	// DataCell is the first cell of the data field.
	DataCell int
	// CheckBytes is the length of the stored check word following the data.
	CheckBytes int
	Checksum   Checksum
}

// Bitstream is the decoder's view of one revolution.
type Bitstream struct {
	CellPeriod float64
	Cells      []Cell
	Syncs      []SyncMark
	Sectors    []SectorLocation
}

// Decoder turns one pass of flux timestamps into a cell grid with sync
// anchors and sector boundaries.
type Decoder interface {
	Decode(pass *CapturePass, clockHz uint32, enc Encoding, dataRate uint32) (*Bitstream, error)
}
