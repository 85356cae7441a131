package fluxstat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryConfig_PassCountRange(t *testing.T) {
	t.Parallel()
	for n := -1; n <= MaxPasses+2; n++ {
		cfg := DefaultRecoveryConfig()
		cfg.PassCount = n
		err := cfg.Validate()
		if n >= MinPasses && n <= MaxPasses {
			assert.NoError(t, err, "pass_count %d", n)
		} else {
			assert.ErrorIs(t, err, ErrInvalidConfig, "pass_count %d", n)
		}
	}
}

func TestRecoveryConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*RecoveryConfig)
		ok     bool
	}{
		{"defaults", func(*RecoveryConfig) {}, true},
		{"threshold 100", func(c *RecoveryConfig) { c.ConfidenceThreshold = 100 }, true},
		{"threshold 101", func(c *RecoveryConfig) { c.ConfidenceThreshold = 101 }, false},
		{"threshold negative", func(c *RecoveryConfig) { c.ConfidenceThreshold = -1 }, false},
		{"correction off", func(c *RecoveryConfig) { c.MaxCorrectionBits = 0 }, true},
		{"correction 16", func(c *RecoveryConfig) { c.MaxCorrectionBits = 16 }, true},
		{"correction 17", func(c *RecoveryConfig) { c.MaxCorrectionBits = 17 }, false},
		{"tolerance 0", func(c *RecoveryConfig) { c.TolerancePercent = 0 }, false},
		{"tolerance 50", func(c *RecoveryConfig) { c.TolerancePercent = 50 }, true},
		{"bad encoding", func(c *RecoveryConfig) { c.Encoding = Encoding(42) }, false},
		{"rate estimated", func(c *RecoveryConfig) { c.DataRate = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRecoveryConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestDefaultRecoveryConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRecoveryConfig()
	assert.Equal(t, 8, cfg.PassCount)
	assert.Equal(t, 60, cfg.ConfidenceThreshold)
	assert.Equal(t, 8, cfg.MaxCorrectionBits)
	assert.Equal(t, EncodingMFM, cfg.Encoding)
	assert.Equal(t, uint32(250000), cfg.DataRate)
	assert.True(t, cfg.UseCRCCorrection)
	assert.True(t, cfg.PreserveWeakBits)
}

func TestEncoding_Text(t *testing.T) {
	t.Parallel()
	for e := EncodingUnknown; e <= EncodingM2FM; e++ {
		b, err := e.MarshalText()
		require.NoError(t, err)
		var got Encoding
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, e, got)
	}

	got, err := ParseEncoding(" MFM ")
	require.NoError(t, err)
	assert.Equal(t, EncodingMFM, got)

	_, err = ParseEncoding("rll")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	raw, err := json.Marshal(DefaultRecoveryConfig())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"encoding":"mfm"`)
}
