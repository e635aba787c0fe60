package audio

import (
	"math"
	"sync/atomic"
)

// Gain is a live-adjustable gain in whole decibels, safe to tune from the
// UI thread while a capture callback applies it.
type Gain struct {
	db atomic.Int32
}

// NewGain returns a gain preset to db decibels.
func NewGain(db int32) *Gain {
	g := &Gain{}
	g.db.Store(db)
	return g
}

// Set replaces the gain in decibels.
func (g *Gain) Set(db int32) { g.db.Store(db) }

// DB returns the current gain in decibels.
func (g *Gain) DB() int32 { return g.db.Load() }

// Apply scales the block in place by the current gain. At or below
// -120 dB the block is muted.
func (g *Gain) Apply(samples []float32) {
	db := float64(g.db.Load())
	if db == 0 {
		return
	}

	var linear float32
	if db > -120 {
		linear = float32(math.Pow(10, db/20))
	}
	for i := range samples {
		samples[i] *= linear
	}
}
