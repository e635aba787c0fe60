// Package audio provides the microphone and speaker-monitor capture
// sources and the small DSP helpers applied on their hot paths: an RMS
// level meter, live gain, and a noise gate.
package audio

import "math"

// NoiseFloorDB is reported for signals below the measurable floor.
const NoiseFloorDB = -200

// RMSLevel computes the root-mean-square level of a block in dBFS. The
// boolean is false for an empty block.
func RMSLevel(samples []float32) (float32, bool) {
	if len(samples) == 0 {
		return 0, false
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	if rms <= 1e-10 {
		return NoiseFloorDB, true
	}
	return float32(20 * math.Log10(rms)), true
}

// PeakLevel computes the peak level of a block in dBFS. The boolean is
// false for an empty block.
func PeakLevel(samples []float32) (float32, bool) {
	if len(samples) == 0 {
		return 0, false
	}

	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return float32(math.Inf(-1)), true
	}
	return float32(20 * math.Log10(peak)), true
}

// Normalized maps a dB level into [0, 1] between minDB and maxDB, for
// meter displays.
func Normalized(db, minDB, maxDB float32) float32 {
	if db < minDB {
		db = minDB
	}
	if db > maxDB {
		db = maxDB
	}
	return (db - minDB) / (maxDB - minDB)
}

// Meter smooths successive block levels with an exponential moving
// average and publishes them on a channel without ever blocking the
// capture callback.
type Meter struct {
	out       chan<- float32
	smoothing float32
	level     float32
	primed    bool
}

// NewMeter returns a meter publishing to out. smoothing in (0, 1] is the
// weight of the newest observation; 1 disables smoothing.
func NewMeter(out chan<- float32, smoothing float32) *Meter {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 1
	}
	return &Meter{out: out, smoothing: smoothing}
}

// Observe folds one block into the smoothed level, publishes it, and
// returns it. A full output channel drops the reading.
func (m *Meter) Observe(samples []float32) float32 {
	db, ok := RMSLevel(samples)
	if !ok {
		return m.level
	}

	if !m.primed {
		m.level = db
		m.primed = true
	} else {
		m.level += m.smoothing * (db - m.level)
	}

	if m.out != nil {
		select {
		case m.out <- m.level:
		default:
		}
	}
	return m.level
}
