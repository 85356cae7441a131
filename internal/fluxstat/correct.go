package fluxstat

import "sort"

// Candidate is a bit position eligible for flipping, with its confidence.
type Candidate struct {
	Bit        int
	Confidence int
}

// Correction reports the outcome of a corrector run.
type Correction struct {
	CRCOK bool
	// Flipped lists the bit positions changed to restore the checksum.
	Flipped []int
	// Evaluated counts checksum evaluations spent on flip combinations.
	Evaluated int
}

// Corrector searches low-confidence bit flips for a combination that makes
// the checksum valid.
type Corrector struct {
	Enabled bool
	MaxBits int
}

// NewCorrector configures a corrector from cfg.
func NewCorrector(cfg RecoveryConfig) Corrector {
	return Corrector{Enabled: cfg.UseCRCCorrection, MaxBits: cfg.MaxCorrectionBits}
}

// Correct checks data against expected and, if that fails, tries flip sets
// over the k lowest-confidence candidates where k = min(MaxBits,
// len(candidates)). Sets are tried in ascending size, lexicographically
// within a size, and the first valid one wins, so at most 2^k-1 sets are
// evaluated. On success data is modified in place; otherwise it is left
// untouched.
func (c Corrector) Correct(data []byte, expected uint32, sum Checksum, candidates []Candidate) Correction {
	if sum(data) == expected {
		return Correction{CRCOK: true}
	}
	if !c.Enabled || c.MaxBits <= 0 || len(candidates) == 0 {
		return Correction{}
	}

	pool := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Bit >= 0 && cand.Bit < len(data)*8 {
			pool = append(pool, cand)
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Confidence != pool[j].Confidence {
			return pool[i].Confidence < pool[j].Confidence
		}
		return pool[i].Bit < pool[j].Bit
	})
	k := min(c.MaxBits, len(pool))
	pool = pool[:k]

	work := make([]byte, len(data))
	copy(work, data)
	var res Correction
	idx := make([]int, 0, k)
	for size := 1; size <= k; size++ {
		idx = idx[:size]
		for i := range idx {
			idx[i] = i
		}
		for {
			for _, i := range idx {
				flipBit(work, pool[i].Bit)
			}
			res.Evaluated++
			ok := sum(work) == expected
			if ok {
				copy(data, work)
				res.CRCOK = true
				for _, i := range idx {
					res.Flipped = append(res.Flipped, pool[i].Bit)
				}
				sort.Ints(res.Flipped)
				return res
			}
			for _, i := range idx {
				flipBit(work, pool[i].Bit)
			}
			if !nextCombination(idx, k) {
				break
			}
		}
	}
	return res
}

// nextCombination advances idx to the next size-len(idx) subset of [0,n) in
// lexicographic order.
func nextCombination(idx []int, n int) bool {
	r := len(idx)
	i := r - 1
	for i >= 0 && idx[i] == n-r+i {
		i--
	}
	if i < 0 {
		return false
	}
	idx[i]++
	for j := i + 1; j < r; j++ {
		idx[j] = idx[j-1] + 1
	}
	return true
}

// flipBit inverts bit i, counting MSB first within each byte.
func flipBit(b []byte, i int) {
	b[i/8] ^= 0x80 >> (i % 8)
}

func bitAt(b []byte, i int) uint8 {
	return (b[i/8] >> (7 - i%8)) & 1
}
