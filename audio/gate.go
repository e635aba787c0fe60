package audio

// Gate is a block-granularity noise gate. Blocks are muted once the RMS
// level has stayed below the threshold for the hold count, and the gate
// reopens on the first block back above it. Coarser than a per-sample
// envelope but free on the capture hot path.
type Gate struct {
	thresholdDB float32
	hold        int
	remaining   int
}

// NewGate returns a gate that closes after hold consecutive blocks below
// thresholdDB (dBFS).
func NewGate(thresholdDB float32, hold int) *Gate {
	if hold < 1 {
		hold = 1
	}
	return &Gate{thresholdDB: thresholdDB, hold: hold, remaining: hold}
}

// Process applies the gate to one block in place and reports whether the
// block passed through open.
func (g *Gate) Process(samples []float32) bool {
	db, ok := RMSLevel(samples)
	if !ok {
		return false
	}

	if db >= g.thresholdDB {
		g.remaining = g.hold
		return true
	}

	if g.remaining > 0 {
		g.remaining--
		return true
	}

	for i := range samples {
		samples[i] = 0
	}
	return false
}
