package fluxstat

import (
	"fmt"
	"strings"
)

// Engine limits and defaults.
const (
	MinPasses     = 2
	MaxPasses     = 64
	DefaultPasses = 8

	// ConfStrong is the percentage of passes that must agree for a bit to be
	// reported as strong.
	ConfStrong = 90
	// ConfWeak is the default weak/ambiguous boundary.
	ConfWeak = 60

	DefaultMaxCorrectionBits = 8
	// MaxCorrectionBitsLimit caps the brute-force search at 2^16-1 checks.
	MaxCorrectionBitsLimit = 16

	DefaultDataRate         = 250000
	DefaultTolerancePercent = 25
)

// Encoding identifies the on-disk modulation scheme.
type Encoding uint8

const (
	EncodingUnknown Encoding = iota
	EncodingFM
	EncodingMFM
	EncodingGCRApple
	EncodingGCRC64
	EncodingM2FM
)

var encodingNames = map[Encoding]string{
	EncodingUnknown:  "unknown",
	EncodingFM:       "fm",
	EncodingMFM:      "mfm",
	EncodingGCRApple: "gcr-apple",
	EncodingGCRC64:   "gcr-c64",
	EncodingM2FM:     "m2fm",
}

func (e Encoding) String() string {
	if s, ok := encodingNames[e]; ok {
		return s
	}
	return fmt.Sprintf("encoding(%d)", uint8(e))
}

// ParseEncoding accepts the names produced by String, case-insensitively.
func ParseEncoding(s string) (Encoding, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for e, name := range encodingNames {
		if name == want {
			return e, nil
		}
	}
	return EncodingUnknown, fmt.Errorf("%w: unknown encoding %q", ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler so encodings appear by name
// in JSON, YAML and TOML documents.
func (e Encoding) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Encoding) UnmarshalText(b []byte) error {
	v, err := ParseEncoding(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// cellsPerBit reports how many channel cells encode one data bit, and which
// of those cells carries the data.
func (e Encoding) cellsPerBit() (cells, phase int) {
	switch e {
	case EncodingFM, EncodingMFM, EncodingM2FM:
		return 2, 1
	default:
		return 1, 0
	}
}

// RecoveryConfig holds the engine parameters. It may only change while no
// capture is in progress.
type RecoveryConfig struct {
	PassCount           int      `json:"pass_count"`
	ConfidenceThreshold int      `json:"confidence_threshold"`
	MaxCorrectionBits   int      `json:"max_correction_bits"`
	Encoding            Encoding `json:"encoding"`
	// DataRate is in bits per second. Zero means estimate it from the
	// interval histogram.
	DataRate         uint32 `json:"data_rate"`
	UseCRCCorrection bool   `json:"use_crc_correction"`
	PreserveWeakBits bool   `json:"preserve_weak_bits"`
	// TolerancePercent is the half-width of the correlation window as a
	// percentage of the cell period.
	TolerancePercent int `json:"tolerance_percent"`
}

// DefaultRecoveryConfig returns the power-on configuration.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		PassCount:           DefaultPasses,
		ConfidenceThreshold: ConfWeak,
		MaxCorrectionBits:   DefaultMaxCorrectionBits,
		Encoding:            EncodingMFM,
		DataRate:            DefaultDataRate,
		UseCRCCorrection:    true,
		PreserveWeakBits:    true,
		TolerancePercent:    DefaultTolerancePercent,
	}
}

// Validate reports whether every field is within range. The error wraps
// ErrInvalidConfig.
func (c RecoveryConfig) Validate() error {
	if c.PassCount < MinPasses || c.PassCount > MaxPasses {
		return fmt.Errorf("%w: pass_count must be between %d and %d, got %d",
			ErrInvalidConfig, MinPasses, MaxPasses, c.PassCount)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		return fmt.Errorf("%w: confidence_threshold must be between 0 and 100, got %d",
			ErrInvalidConfig, c.ConfidenceThreshold)
	}
	if c.MaxCorrectionBits < 0 || c.MaxCorrectionBits > MaxCorrectionBitsLimit {
		return fmt.Errorf("%w: max_correction_bits must be between 0 and %d, got %d",
			ErrInvalidConfig, MaxCorrectionBitsLimit, c.MaxCorrectionBits)
	}
	if _, ok := encodingNames[c.Encoding]; !ok {
		return fmt.Errorf("%w: unknown encoding %d", ErrInvalidConfig, c.Encoding)
	}
	if c.TolerancePercent < 1 || c.TolerancePercent > 50 {
		return fmt.Errorf("%w: tolerance_percent must be between 1 and 50, got %d",
			ErrInvalidConfig, c.TolerancePercent)
	}
	return nil
}
