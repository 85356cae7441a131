package mfm

// PLL tuning, after the SCP software PLL.
const (
	clockMaxAdjPct = 10
	periodAdjPct   = 5
	phaseAdjPct    = 60
	// syncZeros is how many clocked zeros the loop tolerates before it
	// treats itself as out of lock and relaxes toward the ideal period.
	syncZeros = 3
)

// pll clocks channel cells out of absolute transition times. Cell windows
// are centred on time and are one period wide.
type pll struct {
	ideal  float64
	period float64
	flux   float64
	time   float64
	zeros  int

	ts   []uint32
	next int
	last float64
}

func newPLL(ts []uint32, period float64) *pll {
	return &pll{ideal: period, period: period, ts: ts}
}

// cell returns the centre of the next cell and whether a transition fell in
// it. ok is false once the transitions are exhausted.
func (p *pll) cell() (centre float64, flux, ok bool) {
	for p.flux < p.period/2 {
		if p.next >= len(p.ts) {
			return 0, false, false
		}
		t := float64(p.ts[p.next])
		p.next++
		p.flux += t - p.last
		p.last = t
	}

	p.time += p.period
	p.flux -= p.period
	centre = p.time
	if p.flux >= p.period/2 {
		p.zeros++
		return centre, false, true
	}

	if p.zeros <= syncZeros {
		p.period += p.flux * periodAdjPct / 100
	} else {
		p.period += (p.ideal - p.period) * periodAdjPct / 100
	}
	lo := p.ideal * (100 - clockMaxAdjPct) / 100
	hi := p.ideal * (100 + clockMaxAdjPct) / 100
	p.period = min(max(p.period, lo), hi)

	adj := p.flux * phaseAdjPct / 100
	p.time += adj
	p.flux -= adj
	p.zeros = 0
	return centre, true, true
}
