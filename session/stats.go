package session

import (
	"math"
	"sync/atomic"
)

// Stats aggregates per-worker counters. All fields are atomics; workers
// update their own counters and the snapshot reader never blocks the hot
// path.
type Stats struct {
	Captured atomic.Uint64
	Encoded  atomic.Uint64

	// Loss counters per drop site.
	LostCapture  atomic.Uint64 // capture channel full
	LostEncode   atomic.Uint64 // encoder channel full
	LostMP4      atomic.Uint64 // mp4 sink channel full
	LostRTMP     atomic.Uint64 // rtmp sink channel full
	LostWHEP     atomic.Uint64 // whep sink channel full
	LateDrops    atomic.Uint64 // collector: index below expected
	CatchUps     atomic.Uint64 // collector: forced expected-index advance
	EncodeErrors atomic.Uint64

	fpsBits   atomic.Uint64
	micDBBits atomic.Uint64
	spkDBBits atomic.Uint64
}

// SetFPS publishes the rolling encoder frame rate.
func (s *Stats) SetFPS(fps float64) { s.fpsBits.Store(math.Float64bits(fps)) }

// FPS returns the last published frame rate.
func (s *Stats) FPS() float64 { return math.Float64frombits(s.fpsBits.Load()) }

// SetMicLevel publishes the microphone level in dBFS.
func (s *Stats) SetMicLevel(db float64) { s.micDBBits.Store(math.Float64bits(db)) }

// MicLevel returns the last microphone level in dBFS.
func (s *Stats) MicLevel() float64 { return math.Float64frombits(s.micDBBits.Load()) }

// SetSpeakerLevel publishes the speaker-monitor level in dBFS.
func (s *Stats) SetSpeakerLevel(db float64) { s.spkDBBits.Store(math.Float64bits(db)) }

// SpeakerLevel returns the last speaker-monitor level in dBFS.
func (s *Stats) SpeakerLevel() float64 { return math.Float64frombits(s.spkDBBits.Load()) }

// Snapshot is a point-in-time copy for logs, the stats printout, and the
// Prometheus collectors.
type Snapshot struct {
	Captured     uint64
	Encoded      uint64
	LostCapture  uint64
	LostEncode   uint64
	LostMP4      uint64
	LostRTMP     uint64
	LostWHEP     uint64
	LateDrops    uint64
	CatchUps     uint64
	EncodeErrors uint64
	FPS          float64
	MicDB        float64
	SpeakerDB    float64
}

// Snapshot reads every counter once.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Captured:     s.Captured.Load(),
		Encoded:      s.Encoded.Load(),
		LostCapture:  s.LostCapture.Load(),
		LostEncode:   s.LostEncode.Load(),
		LostMP4:      s.LostMP4.Load(),
		LostRTMP:     s.LostRTMP.Load(),
		LostWHEP:     s.LostWHEP.Load(),
		LateDrops:    s.LateDrops.Load(),
		CatchUps:     s.CatchUps.Load(),
		EncodeErrors: s.EncodeErrors.Load(),
		FPS:          s.FPS(),
		MicDB:        s.MicLevel(),
		SpeakerDB:    s.SpeakerLevel(),
	}
}
