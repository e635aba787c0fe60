// Package whep publishes the encoded session output to WebRTC viewers
// over the WHEP protocol: one POST with an SDP offer opens a
// receive-only peer, DELETE tears it down. Video is H.264 in Annex-B
// form, audio is Opus; both tracks are shared by every connected peer.
package whep

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/terava/loupe/media"
)

const opusPacketDuration = 20 * time.Millisecond

// BroadcasterConfig fixes the published stream shape.
type BroadcasterConfig struct {
	FPS        int
	AudioRate  int
	AudioChans int
	// Audio disables the Opus track entirely when false; peers get a
	// video-only answer.
	Audio      bool
	ICEServers []string
}

// Broadcaster owns the shared tracks and the peer set. Writers feed the
// tracks; the HTTP layer adds and removes peers.
type Broadcaster struct {
	cfg BroadcasterConfig
	log *slog.Logger

	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	frameDur time.Duration

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
	count atomic.Int32
}

// NewBroadcaster builds the shared sample tracks.
func NewBroadcaster(cfg BroadcasterConfig, logger *slog.Logger) (*Broadcaster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("whep: fps must be positive, got %d", cfg.FPS)
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video", "loupe")
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	b := &Broadcaster{
		cfg:      cfg,
		log:      logger.With("component", "whep"),
		video:    video,
		frameDur: time.Second / time.Duration(cfg.FPS),
		peers:    make(map[string]*webrtc.PeerConnection),
	}

	if cfg.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: uint32(cfg.AudioRate),
				Channels:  uint16(cfg.AudioChans),
			},
			"audio", "loupe")
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		b.audio = audio
	}

	return b, nil
}

// PeerCount returns the number of connected viewers. The session skips
// encode and transmit work for this sink while it is zero.
func (b *Broadcaster) PeerCount() int { return int(b.count.Load()) }

// WriteVideo pushes one Annex-B access unit to every peer.
func (b *Broadcaster) WriteVideo(frame media.EncodedFrame) error {
	return b.video.WriteSample(pionmedia.Sample{
		Data:     frame.Data,
		Duration: b.frameDur,
	})
}

// WriteAudio pushes one Opus packet to every peer.
func (b *Broadcaster) WriteAudio(packet []byte) error {
	if b.audio == nil {
		return nil
	}
	return b.audio.WriteSample(pionmedia.Sample{
		Data:     packet,
		Duration: opusPacketDuration,
	})
}

// AddPeer negotiates one receive-only peer from an SDP offer and returns
// the answer plus the peer ID used for DELETE.
func (b *Broadcaster) AddPeer(offerSDP string) (answerSDP, id string, err error) {
	var ice []webrtc.ICEServer
	for _, url := range b.cfg.ICEServers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return "", "", fmt.Errorf("new peer connection: %w", err)
	}

	if _, err := pc.AddTrack(b.video); err != nil {
		pc.Close()
		return "", "", fmt.Errorf("add video track: %w", err)
	}
	if b.audio != nil {
		if _, err := pc.AddTrack(b.audio); err != nil {
			pc.Close()
			return "", "", fmt.Errorf("add audio track: %w", err)
		}
	}

	id = newPeerID()
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			b.RemovePeer(id)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		pc.Close()
		return "", "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", "", fmt.Errorf("create answer: %w", err)
	}

	// Wait for ICE gathering so the answer carries the candidates; WHEP
	// has no trickle channel back to the client.
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", "", fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	b.mu.Lock()
	b.peers[id] = pc
	b.mu.Unlock()
	b.count.Add(1)

	b.log.Info("peer connected", "peer_id", id, "peers", b.PeerCount())
	return pc.LocalDescription().SDP, id, nil
}

// RemovePeer closes the peer and drops it from the set. Reports whether
// the ID was known.
func (b *Broadcaster) RemovePeer(id string) bool {
	b.mu.Lock()
	pc, ok := b.peers[id]
	if ok {
		delete(b.peers, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	b.count.Add(-1)
	pc.Close()
	b.log.Info("peer disconnected", "peer_id", id, "peers", b.PeerCount())
	return true
}

// Close disconnects every peer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	peers := b.peers
	b.peers = make(map[string]*webrtc.PeerConnection)
	b.mu.Unlock()

	for id, pc := range peers {
		pc.Close()
		b.count.Add(-1)
		b.log.Debug("peer closed at shutdown", "peer_id", id)
	}
}

func newPeerID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
