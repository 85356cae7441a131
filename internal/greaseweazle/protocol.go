// Package greaseweazle drives a Greaseweazle USB flux adapter over its CDC
// serial protocol and exposes it as a fluxstat capture device.
package greaseweazle

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Command opcodes.
const (
	CmdGetInfo       byte = 0
	CmdSeek          byte = 2
	CmdHead          byte = 3
	CmdMotor         byte = 6
	CmdReadFlux      byte = 7
	CmdGetFluxStatus byte = 9
	CmdSelect        byte = 12
	CmdDeselect      byte = 13
	CmdSetBusType    byte = 14
	CmdReset         byte = 16
)

// Bus types for CmdSetBusType.
const (
	BusIBMPC   byte = 1
	BusShugart byte = 2
)

// Ack codes.
const (
	AckOkay          byte = 0
	AckBadCommand    byte = 1
	AckNoIndex       byte = 2
	AckNoTrk0        byte = 3
	AckFluxOverflow  byte = 4
	AckFluxUnderflow byte = 5
	AckWrprot        byte = 6
	AckNoUnit        byte = 7
	AckNoBus         byte = 8
	AckBadUnit       byte = 9
	AckBadPin        byte = 10
	AckBadCylinder   byte = 11
)

var ackNames = map[byte]string{
	AckBadCommand:    "bad command",
	AckNoIndex:       "no index",
	AckNoTrk0:        "track 0 not found",
	AckFluxOverflow:  "flux overflow",
	AckFluxUnderflow: "flux underflow",
	AckWrprot:        "disk is write protected",
	AckNoUnit:        "no drive unit selected",
	AckNoBus:         "no bus type selected",
	AckBadUnit:       "invalid unit number",
	AckBadPin:        "invalid pin",
	AckBadCylinder:   "invalid cylinder",
}

var (
	// ErrProtocol reports a malformed or unexpected response.
	ErrProtocol = errors.New("greaseweazle protocol error")
	// ErrFluxOverflow is matched by an AckError carrying AckFluxOverflow.
	ErrFluxOverflow = errors.New("flux overflow")
	// ErrNoIndex is matched by an AckError carrying AckNoIndex.
	ErrNoIndex = errors.New("no index")
)

// AckError is a non-zero acknowledgement from the adapter.
type AckError struct {
	Cmd  byte
	Code byte
}

func (e *AckError) Error() string {
	name, ok := ackNames[e.Code]
	if !ok {
		name = fmt.Sprintf("unknown error %d", e.Code)
	}
	return fmt.Sprintf("command %d: %s", e.Cmd, name)
}

// Is matches the overflow and index sentinels.
func (e *AckError) Is(target error) bool {
	switch target {
	case ErrFluxOverflow:
		return e.Code == AckFluxOverflow
	case ErrNoIndex:
		return e.Code == AckNoIndex
	}
	return false
}

// Info is the firmware information block returned by GET_INFO.
type Info struct {
	FirmwareMajor uint8  `json:"firmware_major"`
	FirmwareMinor uint8  `json:"firmware_minor"`
	MainFirmware  bool   `json:"main_firmware"`
	MaxCmd        uint8  `json:"max_cmd"`
	SampleFreq    uint32 `json:"sample_freq"`
	HWModel       uint8  `json:"hw_model"`
	HWSubmodel    uint8  `json:"hw_submodel"`
	USBSpeed      uint8  `json:"usb_speed"`
}

const infoSize = 32

// Client issues commands to the adapter. Commands are serialised.
type Client struct {
	mu   sync.Mutex
	port Port
	r    *bufio.Reader
}

// NewClient wraps an open port.
func NewClient(port Port) *Client {
	return &Client{port: port, r: bufio.NewReaderSize(port, 64*1024)}
}

// Close closes the underlying port.
func (c *Client) Close() error {
	return c.port.Close()
}

// command sends cmd with params and checks the two-byte acknowledgement.
// The caller holds c.mu.
func (c *Client) command(cmd byte, params ...byte) error {
	pkt := make([]byte, 0, 2+len(params))
	pkt = append(pkt, cmd, byte(2+len(params)))
	pkt = append(pkt, params...)
	if _, err := c.port.Write(pkt); err != nil {
		return fmt.Errorf("write command %d: %w", cmd, err)
	}
	var ack [2]byte
	if _, err := io.ReadFull(c.r, ack[:]); err != nil {
		return fmt.Errorf("read ack for command %d: %w", cmd, err)
	}
	if ack[0] != cmd {
		return fmt.Errorf("%w: ack for command %d, expected %d", ErrProtocol, ack[0], cmd)
	}
	if ack[1] != AckOkay {
		return &AckError{Cmd: cmd, Code: ack[1]}
	}
	return nil
}

// GetInfo reads the firmware information block.
func (c *Client) GetInfo() (Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.command(CmdGetInfo, 0); err != nil {
		return Info{}, err
	}
	var b [infoSize]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return Info{}, fmt.Errorf("read info: %w", err)
	}
	return Info{
		FirmwareMajor: b[0],
		FirmwareMinor: b[1],
		MainFirmware:  b[2] != 0,
		MaxCmd:        b[3],
		SampleFreq:    binary.LittleEndian.Uint32(b[4:8]),
		HWModel:       b[8],
		HWSubmodel:    b[9],
		USBSpeed:      b[10],
	}, nil
}

// SetBusType selects the floppy interface type.
func (c *Client) SetBusType(bus byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command(CmdSetBusType, bus)
}

// Select asserts the drive select line for unit.
func (c *Client) Select(unit int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command(CmdSelect, byte(unit))
}

// Deselect releases every drive select line.
func (c *Client) Deselect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command(CmdDeselect)
}

// Motor switches the spindle motor of unit.
func (c *Client) Motor(unit int, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state byte
	if on {
		state = 1
	}
	return c.command(CmdMotor, byte(unit), state)
}

// Seek steps the heads to cyl.
func (c *Client) Seek(cyl int) error {
	if cyl < -128 || cyl > 127 {
		return fmt.Errorf("cylinder %d out of range", cyl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command(CmdSeek, byte(int8(cyl)))
}

// Head selects the read head.
func (c *Client) Head(head int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command(CmdHead, byte(head))
}

// ReadFlux reads the raw flux stream covering revs revolutions, then checks
// the capture status. The stream starts before the first index pulse, so
// revs+1 index pulses are requested.
func (c *Client) ReadFlux(revs int) ([]byte, error) {
	if revs < 1 || revs > 0xfffe {
		return nil, fmt.Errorf("revolutions %d out of range", revs)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	params := make([]byte, 6)
	binary.LittleEndian.PutUint32(params[0:4], 0) // no tick limit
	binary.LittleEndian.PutUint16(params[4:6], uint16(revs+1))
	if err := c.command(CmdReadFlux, params...); err != nil {
		return nil, err
	}
	stream, err := c.r.ReadBytes(0)
	if err != nil {
		return nil, fmt.Errorf("read flux stream: %w", err)
	}
	if err := c.command(CmdGetFluxStatus); err != nil {
		return stream, err
	}
	return stream, nil
}
