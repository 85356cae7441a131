package fluxstat

import (
	"fmt"
	"sort"
)

// MaxWeakPositions bounds the weak bit positions reported per sector.
const MaxWeakPositions = 64

// SectorStatus is the recovery outcome of one sector.
type SectorStatus string

const (
	SectorOK      SectorStatus = "OK"
	SectorWeak    SectorStatus = "WEAK"
	SectorPartial SectorStatus = "PARTIAL"
	SectorFailed  SectorStatus = "FAILED"
)

// SectorResult is the recovered content of one sector.
type SectorResult struct {
	Sector             int          `json:"sector"`
	Cylinder           int          `json:"cylinder"`
	Head               int          `json:"head"`
	Data               []byte       `json:"data"`
	Size               int          `json:"size"`
	CRCOK              bool         `json:"crc_ok"`
	ConfidenceMin      int          `json:"confidence_min"`
	ConfidenceAvg      int          `json:"confidence_avg"`
	WeakBitCount       int          `json:"weak_bit_count"`
	WeakPositions      []int        `json:"weak_positions,omitempty"`
	CorrectedCount     int          `json:"corrected_count"`
	CorrectedPositions []int        `json:"corrected_positions,omitempty"`
	Status             SectorStatus `json:"status"`
}

// TrackResult summarises every sector of a track.
type TrackResult struct {
	Track             int            `json:"track"`
	Head              int            `json:"head"`
	SectorCount       int            `json:"sector_count"`
	SectorsRecovered  int            `json:"sectors_recovered"`
	SectorsWeak       int            `json:"sectors_weak"`
	SectorsPartial    int            `json:"sectors_partial"`
	SectorsFailed     int            `json:"sectors_failed"`
	OverallConfidence int            `json:"overall_confidence"`
	Sectors           []SectorResult `json:"sectors"`
}

// SectorOutcome grades a sector. A valid checksum with every bit strong is
// OK; a valid checksum otherwise is WEAK. Without a valid checksum, an
// average confidence at or above threshold is PARTIAL.
func SectorOutcome(crcOK bool, confMin, confAvg, threshold int) SectorStatus {
	switch {
	case crcOK && confMin >= ConfStrong:
		return SectorOK
	case crcOK:
		return SectorWeak
	case confAvg >= threshold:
		return SectorPartial
	default:
		return SectorFailed
	}
}

// SummarizeTrack counts sector outcomes. WEAK sectors count as recovered
// and are also reported in SectorsWeak. Overall confidence is the integer
// mean of the sector average confidences.
func SummarizeTrack(track, head int, sectors []SectorResult) *TrackResult {
	r := &TrackResult{Track: track, Head: head, SectorCount: len(sectors), Sectors: sectors}
	if len(sectors) == 0 {
		return r
	}
	total := 0
	for _, s := range sectors {
		switch s.Status {
		case SectorOK:
			r.SectorsRecovered++
		case SectorWeak:
			r.SectorsRecovered++
			r.SectorsWeak++
		case SectorPartial:
			r.SectorsPartial++
		default:
			r.SectorsFailed++
		}
		total += s.ConfidenceAvg
	}
	r.OverallConfidence = total / len(sectors)
	return r
}

// recoverSector runs correlation, classification and correction over one
// sector's data and check fields.
func recoverSector(c *MultipassCapture, l *trackLayout, loc SectorLocation, cfg RecoveryConfig) (SectorResult, error) {
	cellsPerBit, phase := cfg.Encoding.cellsPerBit()
	dataBits := loc.Size * 8
	totalBits := dataBits + loc.CheckBytes*8
	corr, err := correlate(c, l, loc.DataCell, totalBits*cellsPerBit, cfg.TolerancePercent)
	if err != nil {
		return SectorResult{}, fmt.Errorf("sector %d: %w", loc.Sector, err)
	}

	bits := make([]BitAnalysis, totalBits)
	for i := range bits {
		bits[i] = ClassifyAgreement(corr[i*cellsPerBit+phase], cfg.ConfidenceThreshold)
	}
	data := packBits(bits[:dataBits])
	var expected uint32
	for _, b := range bits[dataBits:] {
		expected = expected<<1 | uint32(b.Value)
	}

	var cands []Candidate
	for i, b := range bits[:dataBits] {
		if !b.Classification.Strong() {
			cands = append(cands, Candidate{Bit: i, Confidence: b.Confidence})
		}
	}
	fix := NewCorrector(cfg).Correct(data, expected, loc.Checksum, cands)
	for _, p := range fix.Flipped {
		bits[p].Corrected = true
		bits[p].Value ^= 1
	}

	res := SectorResult{
		Sector:             loc.Sector,
		Cylinder:           loc.Cylinder,
		Head:               loc.Head,
		Data:               data,
		Size:               loc.Size,
		CRCOK:              fix.CRCOK,
		WeakBitCount:       len(cands),
		CorrectedCount:     len(fix.Flipped),
		CorrectedPositions: fix.Flipped,
	}
	res.ConfidenceMin, res.ConfidenceAvg = ConfidenceOf(bits[:dataBits])
	if cfg.PreserveWeakBits {
		for _, cand := range cands {
			if len(res.WeakPositions) == MaxWeakPositions {
				break
			}
			res.WeakPositions = append(res.WeakPositions, cand.Bit)
		}
	}
	res.Status = SectorOutcome(res.CRCOK, res.ConfidenceMin, res.ConfidenceAvg, cfg.ConfidenceThreshold)
	return res, nil
}

func packBits(bits []BitAnalysis) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b.Value == 1 {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

func sortSectors(locs []SectorLocation) []SectorLocation {
	out := make([]SectorLocation, len(locs))
	copy(out, locs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sector < out[j].Sector })
	return out
}
