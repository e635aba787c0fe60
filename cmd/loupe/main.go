package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terava/loupe/audio"
	"github.com/terava/loupe/capture"
	"github.com/terava/loupe/config"
	"github.com/terava/loupe/media"
	"github.com/terava/loupe/metrics"
	"github.com/terava/loupe/mixer"
	"github.com/terava/loupe/mp4"
	"github.com/terava/loupe/rtmp"
	"github.com/terava/loupe/session"
	"github.com/terava/loupe/tracker"
	"github.com/terava/loupe/whep"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("LOUPE_CONFIG"), "path to the YAML configuration")
	synthetic := flag.Bool("synthetic", false, "record the built-in test pattern instead of a screen")
	duration := flag.Duration("duration", 0, "stop automatically after this long (0 records until SIGINT)")
	flag.Parse()

	config.LoadEnv()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration rejected", "error", err)
		os.Exit(1)
	}

	resolution, err := media.ParseResolution(cfg.Recording.Resolution)
	if err != nil {
		slog.Error("configuration rejected", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, *duration)
		defer tcancel()
	}

	if err := run(ctx, cfg, resolution, *synthetic); err != nil {
		slog.Error("recording failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, resolution media.Resolution, synthetic bool) error {
	size := media.LogicalSize{Width: cfg.Screen.Width, Height: cfg.Screen.Height}

	var factory capture.Factory
	var cursor capture.CursorMonitor
	switch {
	case synthetic:
		if size.Width <= 0 || size.Height <= 0 {
			size = media.LogicalSize{Width: 1280, Height: 720}
		}
		factory = capture.SyntheticFactory(size, cfg.Recording.FPS, 5*time.Millisecond)
		cursor = capture.NewSyntheticCursor(size, 50*time.Millisecond)

	default:
		portal, err := capture.NewPortalSession(ctx, slog.Default())
		if err != nil {
			return fmt.Errorf("open screencast portal: %w", err)
		}
		defer portal.Close()
		if err := portal.SelectSources(ctx); err != nil {
			return fmt.Errorf("select screencast source: %w", err)
		}
		if err := portal.Start(ctx); err != nil {
			return fmt.Errorf("start screencast: %w", err)
		}
		if len(portal.Streams) == 0 {
			return fmt.Errorf("portal granted no streams")
		}
		stream := portal.Streams[0]
		if stream.Width > 0 && stream.Height > 0 {
			size = media.LogicalSize{Width: int(stream.Width), Height: int(stream.Height)}
		}
		if size.Width <= 0 || size.Height <= 0 {
			return fmt.Errorf("screen size unknown: portal reported none and none configured")
		}
		factory = capture.ExecFactory(capture.ExecConfig{
			Command: capture.GStreamerCommand(stream.NodeID),
			Size:    size,
		})
		if cfg.Tracker.Enabled {
			// The portal embeds the cursor in the frames but exposes no
			// position stream, so the adaptive crop needs a compositor
			// that does.
			slog.Warn("cursor tracking requires a cursor position source; recording full screen")
		}
	}

	encW, encH := resolution.Dimensions(size.Width, size.Height)
	slog.Info("loupe starting",
		"version", version,
		"screen", fmt.Sprintf("%dx%d", size.Width, size.Height),
		"encode", fmt.Sprintf("%dx%d", encW, encH),
		"fps", cfg.Recording.FPS,
		"synthetic", synthetic)

	sessCfg := session.Config{
		ScreenName: cfg.Screen.Name,
		ScreenSize: size,
		FPS:        cfg.Recording.FPS,
		Resolution: resolution,
		Source:     factory,
	}
	if cfg.Tracker.Enabled && cursor != nil {
		sessCfg.Cursor = cursor
		sessCfg.Tracker = &tracker.Config{
			FPS:                          cfg.Recording.FPS,
			ScreenSize:                   size,
			TargetSize:                   media.LogicalSize{Width: cfg.Tracker.TargetWidth, Height: cfg.Tracker.TargetHeight},
			DebounceRadius:               cfg.Tracker.DebounceRadius,
			StableRadius:                 cfg.Tracker.StableRadius,
			FastMovingDuration:           cfg.Tracker.FastMovingDuration,
			ZoomTransitionDuration:       cfg.Tracker.ZoomTransition,
			RepositionEdgeThreshold:      cfg.Tracker.RepositionEdgeThreshold,
			RepositionTransitionDuration: cfg.Tracker.RepositionTransition,
			MaxStableRegionDuration:      cfg.Tracker.MaxStableDuration,
			ZoomInTransition:             tracker.ParseEasing(cfg.Tracker.ZoomInEasing),
			ZoomOutTransition:            tracker.ParseEasing(cfg.Tracker.ZoomOutEasing),
		}
	}

	// Audio. The synthetic demo runs video-only; a real recording without
	// a working PulseAudio server refuses to start.
	var g errgroup.Group
	var sources []*audio.CaptureSource
	audioChannels := 2
	if cfg.Audio.ConvertToMono {
		audioChannels = 1
	}
	var micLevels, spkLevels chan float32
	if !synthetic {
		mixOut := make(chan media.AudioBlock, media.AudioBufferSize)
		mix, err := mixer.New(mixer.Config{
			TargetSampleRate: cfg.Audio.SampleRate,
			MonoOutput:       cfg.Audio.ConvertToMono,
			Output:           mixOut,
		}, slog.Default())
		if err != nil {
			return fmt.Errorf("open mixer: %w", err)
		}

		micLevels = make(chan float32, media.UserBufferSize)
		micCh := mix.AddTrack(media.TrackSpec{
			SampleRate:   cfg.Audio.SampleRate,
			Channels:     1,
			SampleFormat: media.SampleFormatFloat32,
		})
		mic, err := audio.NewMicSource(audio.SourceConfig{
			Device:     cfg.Audio.DeviceName,
			SampleRate: cfg.Audio.SampleRate,
			Gain:       audio.NewGain(int32(cfg.Audio.MicGainDB)),
			Levels:     micLevels,
		}, micCh, slog.Default())
		if err != nil {
			return fmt.Errorf("open microphone: %w", err)
		}
		sources = append(sources, mic)

		if cfg.Audio.EnableRecordingSpeaker {
			spkLevels = make(chan float32, media.UserBufferSize)
			spkCh := mix.AddTrack(media.TrackSpec{
				SampleRate:   cfg.Audio.SampleRate,
				Channels:     2,
				SampleFormat: media.SampleFormatFloat32,
			})
			spk, err := audio.NewSpeakerSource(audio.SourceConfig{
				SampleRate: cfg.Audio.SampleRate,
				Stereo:     true,
				Gain:       audio.NewGain(int32(cfg.Audio.SpeakerGainDB)),
				Levels:     spkLevels,
			}, spkCh, slog.Default())
			if err != nil {
				mic.Close()
				return fmt.Errorf("open speaker monitor: %w", err)
			}
			sources = append(sources, spk)
		}

		g.Go(func() error { return mix.Run(ctx) })
		for _, src := range sources {
			src.Start()
		}

		sessCfg.MixedAudio = mixOut
		sessCfg.AudioSampleRate = cfg.Audio.SampleRate
		sessCfg.AudioChannels = audioChannels
	}
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()

	audioOn := sessCfg.MixedAudio != nil

	// Sinks.
	savePath := resolveSavePath(cfg.Recording.SavePath)
	fileSink, err := mp4.NewSink(mp4.Config{
		Path:            savePath,
		FPS:             cfg.Recording.FPS,
		AnnexBInput:     true,
		AudioEnabled:    audioOn,
		AudioSampleRate: cfg.Audio.SampleRate,
		AudioChannels:   audioChannels,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("open mp4 sink: %w", err)
	}
	sessCfg.MP4 = fileSink

	var bc *whep.Broadcaster
	var shareSrv *whep.Server
	if cfg.Share.Enabled {
		bc, err = whep.NewBroadcaster(whep.BroadcasterConfig{
			FPS:        cfg.Recording.FPS,
			Audio:      audioOn,
			AudioRate:  cfg.Audio.SampleRate,
			AudioChans: audioChannels,
			ICEServers: cfg.Share.ICEServers,
		}, slog.Default())
		if err != nil {
			return fmt.Errorf("open whep broadcaster: %w", err)
		}
		sessCfg.WHEP = bc

		info := whep.MediaInfo{
			VideoCodec: "h264",
			Width:      encW,
			Height:     encH,
			FPS:        cfg.Recording.FPS,
			ICEServers: cfg.Share.ICEServers,
		}
		if audioOn {
			info.AudioCodec = "opus"
			info.SampleRate = cfg.Audio.SampleRate
			info.Channels = audioChannels
		}
		shareSrv = whep.NewServer(whep.ServerConfig{
			Addr:     cfg.Share.ListenAddr,
			TLS:      cfg.Share.TLS,
			CertFile: cfg.Share.CertFile,
			KeyFile:  cfg.Share.KeyFile,
		}, bc, info, slog.Default())
	}

	if cfg.RTMP.Enabled {
		pub, err := rtmp.NewPublisher(rtmp.Config{
			URL:             cfg.RTMP.URL,
			Width:           encW,
			Height:          encH,
			FPS:             cfg.Recording.FPS,
			AudioEnabled:    audioOn,
			AudioSampleRate: cfg.Audio.SampleRate,
			AudioChannels:   audioChannels,
			MaxFrameBacklog: cfg.RTMP.MaxFrameBacklog,
			MaxWriteBuffer:  cfg.RTMP.MaxWriteBuffer,
		}, slog.Default())
		if err != nil {
			return fmt.Errorf("connect rtmp: %w", err)
		}
		sessCfg.RTMP = pub
	}

	sess, err := session.New(sessCfg, slog.Default())
	if err != nil {
		return err
	}

	go drainLevels(micLevels, sess.Stats().SetMicLevel)
	go drainLevels(spkLevels, sess.Stats().SetSpeakerLevel)

	if shareSrv != nil {
		peers := func() int { return bc.PeerCount() }
		shareSrv.Mount("/metrics", metrics.New(sess.Stats(), peers).Handler())
		if _, err := shareSrv.Start(); err != nil {
			return fmt.Errorf("start share server: %w", err)
		}
		slog.Info("screen share listening", "addr", cfg.Share.ListenAddr, "tls", cfg.Share.TLS)
	}

	if err := sess.Start(ctx); err != nil {
		return err
	}
	slog.Info("recording", "path", savePath)

	runErr := sess.Wait()

	if shareSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shareSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("share server shutdown", "error", err)
		}
	}
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	snap := sess.Stats().Snapshot()
	slog.Info("recording finished",
		"path", savePath,
		"captured", snap.Captured,
		"encoded", snap.Encoded,
		"lost", snap.LostCapture+snap.LostEncode,
		"fps", fmt.Sprintf("%.1f", snap.FPS))
	return runErr
}

// drainLevels feeds smoothed dB readings into the stats gauges.
func drainLevels(ch <-chan float32, set func(float64)) {
	if ch == nil {
		return
	}
	for v := range ch {
		set(float64(v))
	}
}

// resolveSavePath turns a directory target into a timestamped file name;
// explicit .mp4 paths are used as-is.
func resolveSavePath(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".mp4") {
		return path
	}
	name := "recording-" + time.Now().Format("20060102-150405") + ".mp4"
	return filepath.Join(path, name)
}
