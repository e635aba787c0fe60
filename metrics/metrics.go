// Package metrics exposes the session counters to Prometheus. Every
// metric reads the live session state at scrape time; nothing here adds
// work to the media path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terava/loupe/session"
)

// PeerCountFunc reports the current WHEP viewer count.
type PeerCountFunc func() int

// Metrics owns the registry for one recording process.
type Metrics struct {
	registry *prometheus.Registry
}

// New registers collectors over the session stats. peers may be nil when
// the WHEP endpoint is disabled.
func New(stats *session.Stats, peers PeerCountFunc) *Metrics {
	registry := prometheus.NewRegistry()

	counter := func(name, help string, read func(session.Snapshot) uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(read(stats.Snapshot()))
		})
	}

	registry.MustRegister(
		counter("loupe_frames_captured_total", "Frames pulled from the capture source",
			func(s session.Snapshot) uint64 { return s.Captured }),
		counter("loupe_frames_encoded_total", "Frames the video encoder produced",
			func(s session.Snapshot) uint64 { return s.Encoded }),
		counter("loupe_frames_lost_capture_total", "Frames dropped because the capture channel was full",
			func(s session.Snapshot) uint64 { return s.LostCapture }),
		counter("loupe_frames_lost_encode_total", "Frames dropped because the encoder channel was full",
			func(s session.Snapshot) uint64 { return s.LostEncode }),
		counter("loupe_frames_lost_mp4_total", "Frames dropped at the MP4 sink channel",
			func(s session.Snapshot) uint64 { return s.LostMP4 }),
		counter("loupe_frames_lost_rtmp_total", "Frames dropped at the RTMP sink channel",
			func(s session.Snapshot) uint64 { return s.LostRTMP }),
		counter("loupe_frames_lost_whep_total", "Frames dropped at the WHEP sink channel",
			func(s session.Snapshot) uint64 { return s.LostWHEP }),
		counter("loupe_frames_late_dropped_total", "Out-of-order frames discarded by the collector",
			func(s session.Snapshot) uint64 { return s.LateDrops }),
		counter("loupe_collector_catch_ups_total", "Times the collector abandoned a missing frame index",
			func(s session.Snapshot) uint64 { return s.CatchUps }),
		counter("loupe_encode_errors_total", "Frames the encoder rejected",
			func(s session.Snapshot) uint64 { return s.EncodeErrors }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "loupe_encoder_fps",
			Help: "Rolling encoder output frame rate",
		}, stats.FPS),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "loupe_mic_level_dbfs",
			Help: "Smoothed microphone level",
		}, stats.MicLevel),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "loupe_speaker_level_dbfs",
			Help: "Smoothed speaker-monitor level",
		}, stats.SpeakerLevel),
	)

	if peers != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "loupe_whep_peers",
			Help: "Connected WHEP viewers",
		}, func() float64 { return float64(peers()) }))
	}

	return &Metrics{registry: registry}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
