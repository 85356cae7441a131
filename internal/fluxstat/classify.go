package fluxstat

import "fmt"

// Classification grades how consistently a bit was observed.
type Classification uint8

const (
	StrongOne Classification = iota
	WeakOne
	StrongZero
	WeakZero
	Ambiguous
)

func (c Classification) String() string {
	switch c {
	case StrongOne:
		return "STRONG_1"
	case WeakOne:
		return "WEAK_1"
	case StrongZero:
		return "STRONG_0"
	case WeakZero:
		return "WEAK_0"
	case Ambiguous:
		return "AMBIGUOUS"
	default:
		return fmt.Sprintf("CLASS_%d", uint8(c))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Classification) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Classification) UnmarshalText(b []byte) error {
	for v := StrongOne; v <= Ambiguous; v++ {
		if v.String() == string(b) {
			*c = v
			return nil
		}
	}
	return fmt.Errorf("%w: unknown classification %q", ErrInvalidArgument, b)
}

// Strong reports whether c is one of the strong classes.
func (c Classification) Strong() bool { return c == StrongOne || c == StrongZero }

// Correlation is the cross-pass evidence for one cell position.
type Correlation struct {
	// TimeMean is the mean aligned transition time in reference ticks.
	TimeMean   float64 `json:"time_mean"`
	TimeStdDev float64 `json:"time_stddev"`
	HitCount   int     `json:"hit_count"`
	// TotalPasses is the number of passes examined.
	TotalPasses int `json:"total_passes"`
}

// BitAnalysis is the classified value of one bit.
type BitAnalysis struct {
	Value           uint8          `json:"value"`
	Confidence      int            `json:"confidence"`
	Classification  Classification `json:"classification"`
	TransitionCount int            `json:"transition_count"`
	TimingStdDev    float64        `json:"timing_stddev"`
	Corrected       bool           `json:"corrected"`
}

// MapChar is the confidence map glyph: 0/1 strong, +/- weak, ? ambiguous.
func (b BitAnalysis) MapChar() byte {
	switch b.Classification {
	case StrongOne:
		return '1'
	case StrongZero:
		return '0'
	case WeakOne:
		return '+'
	case WeakZero:
		return '-'
	default:
		return '?'
	}
}

// ConfidenceMap renders bits as map glyphs.
func ConfidenceMap(bits []BitAnalysis) string {
	out := make([]byte, len(bits))
	for i, b := range bits {
		out[i] = b.MapChar()
	}
	return string(out)
}

// Classify converts transition evidence into a bit. Confidence is the hit
// percentage, rounded. The value is 1 only when more than half the passes
// saw a transition. The strong and weak tests use the exact ratio so a
// rounded 90 does not promote 89.5%.
func Classify(c Correlation, threshold int) BitAnalysis {
	b := BitAnalysis{
		TransitionCount: c.HitCount,
		TimingStdDev:    c.TimeStdDev,
		Classification:  Ambiguous,
	}
	total := int64(c.TotalPasses)
	hit := int64(c.HitCount)
	if total <= 0 {
		return b
	}
	hit = max(0, min(hit, total))
	b.Confidence = int((200*hit + total) / (2 * total))
	if 2*hit > total {
		b.Value = 1
	}
	switch {
	case 100*hit >= ConfStrong*total:
		b.Classification = pick(b.Value, StrongOne, StrongZero)
	case 100*hit >= int64(threshold)*total:
		b.Classification = pick(b.Value, WeakOne, WeakZero)
	}
	return b
}

// ClassifyAgreement classifies by agreement with the majority value, so a
// transition that is consistently absent yields STRONG_0 rather than a 0%
// confidence. A tie resolves to 0.
func ClassifyAgreement(c Correlation, threshold int) BitAnalysis {
	if 2*c.HitCount > c.TotalPasses {
		return Classify(c, threshold)
	}
	inv := c
	inv.HitCount = c.TotalPasses - c.HitCount
	b := Classify(inv, threshold)
	b.Value = 0
	b.TransitionCount = c.HitCount
	switch b.Classification {
	case StrongOne:
		b.Classification = StrongZero
	case WeakOne:
		b.Classification = WeakZero
	}
	return b
}

func pick(v uint8, one, zero Classification) Classification {
	if v == 1 {
		return one
	}
	return zero
}

// ConfidenceOf returns the minimum and rounded mean confidence of bits.
func ConfidenceOf(bits []BitAnalysis) (minConf, avgConf int) {
	if len(bits) == 0 {
		return 0, 0
	}
	minConf = 100
	sum := 0
	for _, b := range bits {
		minConf = min(minConf, b.Confidence)
		sum += b.Confidence
	}
	n := len(bits)
	return minConf, (2*sum + n) / (2 * n)
}
