package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/fluxripper/internal/fluxstat"
)

// DefaultConfigPath is the path to the canonical recovery defaults file.
const DefaultConfigPath = "config/recovery.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// RecoveryFile is the on-disk form of the recovery configuration. The
// schema matches the /api/fluxstat/config endpoint so the same document
// can be used for both startup configuration and runtime updates. Omitted
// fields fall back to the engine defaults.
type RecoveryFile struct {
	PassCount           *int    `json:"pass_count,omitempty" yaml:"pass_count,omitempty" toml:"pass_count,omitempty"`
	ConfidenceThreshold *int    `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty" toml:"confidence_threshold,omitempty"`
	MaxCorrectionBits   *int    `json:"max_correction_bits,omitempty" yaml:"max_correction_bits,omitempty" toml:"max_correction_bits,omitempty"`
	Encoding            *string `json:"encoding,omitempty" yaml:"encoding,omitempty" toml:"encoding,omitempty"`
	DataRate            *int64  `json:"data_rate,omitempty" yaml:"data_rate,omitempty" toml:"data_rate,omitempty"` // bits per second, 0 estimates
	UseCRCCorrection    *bool   `json:"use_crc_correction,omitempty" yaml:"use_crc_correction,omitempty" toml:"use_crc_correction,omitempty"`
	PreserveWeakBits    *bool   `json:"preserve_weak_bits,omitempty" yaml:"preserve_weak_bits,omitempty" toml:"preserve_weak_bits,omitempty"`
	TolerancePercent    *int    `json:"tolerance_percent,omitempty" yaml:"tolerance_percent,omitempty" toml:"tolerance_percent,omitempty"`
}

func ptrInt(v int) *int          { return &v }
func ptrInt64(v int64) *int64    { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }

// FromRecoveryConfig returns a RecoveryFile with every field set from cfg.
func FromRecoveryConfig(cfg fluxstat.RecoveryConfig) *RecoveryFile {
	return &RecoveryFile{
		PassCount:           ptrInt(cfg.PassCount),
		ConfidenceThreshold: ptrInt(cfg.ConfidenceThreshold),
		MaxCorrectionBits:   ptrInt(cfg.MaxCorrectionBits),
		Encoding:            ptrString(cfg.Encoding.String()),
		DataRate:            ptrInt64(int64(cfg.DataRate)),
		UseCRCCorrection:    ptrBool(cfg.UseCRCCorrection),
		PreserveWeakBits:    ptrBool(cfg.PreserveWeakBits),
		TolerancePercent:    ptrInt(cfg.TolerancePercent),
	}
}

// LoadRecoveryFile loads a RecoveryFile from a .json, .yaml, .yml or .toml
// file no larger than 1MB. Fields omitted from the file keep their
// defaults, so partial configs are safe.
func LoadRecoveryFile(path string) (*RecoveryFile, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseRecoveryFile(data, ext)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseRecoveryFile decodes data in the format named by ext. It does not
// validate the result.
func ParseRecoveryFile(data []byte, ext string) (*RecoveryFile, error) {
	cfg := &RecoveryFile{}
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file
// cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *RecoveryFile {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadRecoveryFile(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *RecoveryFile) Validate() error {
	if c.Encoding != nil {
		if _, err := fluxstat.ParseEncoding(*c.Encoding); err != nil {
			return err
		}
	}
	if c.DataRate != nil && (*c.DataRate < 0 || *c.DataRate > 10_000_000) {
		return fmt.Errorf("%w: data_rate must be between 0 and 10000000, got %d",
			fluxstat.ErrInvalidConfig, *c.DataRate)
	}
	return c.ToRecoveryConfig().Validate()
}

// ToRecoveryConfig overlays the set fields on the engine defaults. An
// unparseable encoding is left at EncodingUnknown for Validate to reject.
func (c *RecoveryFile) ToRecoveryConfig() fluxstat.RecoveryConfig {
	enc, _ := fluxstat.ParseEncoding(c.GetEncoding())
	return fluxstat.RecoveryConfig{
		PassCount:           c.GetPassCount(),
		ConfidenceThreshold: c.GetConfidenceThreshold(),
		MaxCorrectionBits:   c.GetMaxCorrectionBits(),
		Encoding:            enc,
		DataRate:            uint32(max(0, min(c.GetDataRate(), 10_000_000))),
		UseCRCCorrection:    c.GetUseCRCCorrection(),
		PreserveWeakBits:    c.GetPreserveWeakBits(),
		TolerancePercent:    c.GetTolerancePercent(),
	}
}

// GetPassCount returns the pass count or the default.
func (c *RecoveryFile) GetPassCount() int {
	if c.PassCount == nil {
		return fluxstat.DefaultPasses
	}
	return *c.PassCount
}

func (c *RecoveryFile) GetConfidenceThreshold() int {
	if c.ConfidenceThreshold == nil {
		return fluxstat.ConfWeak
	}
	return *c.ConfidenceThreshold
}

func (c *RecoveryFile) GetMaxCorrectionBits() int {
	if c.MaxCorrectionBits == nil {
		return fluxstat.DefaultMaxCorrectionBits
	}
	return *c.MaxCorrectionBits
}

func (c *RecoveryFile) GetEncoding() string {
	if c.Encoding == nil {
		return fluxstat.EncodingMFM.String()
	}
	return *c.Encoding
}

func (c *RecoveryFile) GetDataRate() int64 {
	if c.DataRate == nil {
		return fluxstat.DefaultDataRate
	}
	return *c.DataRate
}

func (c *RecoveryFile) GetUseCRCCorrection() bool {
	if c.UseCRCCorrection == nil {
		return true
	}
	return *c.UseCRCCorrection
}

func (c *RecoveryFile) GetPreserveWeakBits() bool {
	if c.PreserveWeakBits == nil {
		return true
	}
	return *c.PreserveWeakBits
}

func (c *RecoveryFile) GetTolerancePercent() int {
	if c.TolerancePercent == nil {
		return fluxstat.DefaultTolerancePercent
	}
	return *c.TolerancePercent
}
