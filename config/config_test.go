package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/terava/loupe/media"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loupe.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
screen:
  name: DP-1
  width: 2560
  height: 1440
recording:
  save_path: /tmp/out.mp4
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Screen.Name != "DP-1" {
		t.Fatalf("screen name = %q", cfg.Screen.Name)
	}
	if cfg.Recording.FPS != 30 {
		t.Fatalf("default fps = %d, want 30", cfg.Recording.FPS)
	}
	if cfg.Recording.Resolution != "Original" {
		t.Fatalf("default resolution = %q", cfg.Recording.Resolution)
	}
	if cfg.Audio.SampleRate != 44100 {
		t.Fatalf("default sample rate = %d", cfg.Audio.SampleRate)
	}
	if cfg.Tracker.TargetWidth != 1280 || cfg.Tracker.TargetHeight != 720 {
		t.Fatalf("default target = %dx%d, want half screen", cfg.Tracker.TargetWidth, cfg.Tracker.TargetHeight)
	}
	if cfg.Tracker.ZoomTransition != 500*time.Millisecond {
		t.Fatalf("default zoom transition = %v", cfg.Tracker.ZoomTransition)
	}
}

func TestLoadFullSurface(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
screen:
  name: HDMI-A-1
  width: 1920
  height: 1080
  include_cursor: true
recording:
  save_path: /tmp/rec.mp4
  fps: 60
  resolution: 720p
audio:
  device_name: usb-mic
  enable_recording_speaker: true
  convert_to_mono: true
  mic_gain_db: 6
  speaker_gain_db: -3
tracker:
  enabled: true
  target_width: 960
  target_height: 540
share_screen:
  enabled: true
  listen_addr: ":9443"
  tls: true
rtmp:
  enabled: true
  url: rtmp://live.example.com/app/key
  max_frame_backlog: 8
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Recording.FPS != 60 || cfg.Recording.Resolution != "720p" {
		t.Fatalf("recording = %+v", cfg.Recording)
	}
	if !cfg.Audio.EnableRecordingSpeaker || cfg.Audio.MicGainDB != 6 || cfg.Audio.SpeakerGainDB != -3 {
		t.Fatalf("audio = %+v", cfg.Audio)
	}
	if !cfg.Tracker.Enabled || cfg.Tracker.TargetWidth != 960 {
		t.Fatalf("tracker = %+v", cfg.Tracker)
	}
	if cfg.Share.ListenAddr != ":9443" || !cfg.Share.TLS {
		t.Fatalf("share = %+v", cfg.Share)
	}
	if !cfg.RTMP.Enabled || cfg.RTMP.MaxFrameBacklog != 8 {
		t.Fatalf("rtmp = %+v", cfg.RTMP)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad fps",
			yaml: "recording:\n  save_path: /tmp/a.mp4\n  fps: 23\n",
			want: "fps",
		},
		{
			name: "bad resolution",
			yaml: "recording:\n  save_path: /tmp/a.mp4\n  resolution: 480p\n",
			want: "resolution",
		},
		{
			name: "missing save path",
			yaml: "recording:\n  fps: 30\n",
			want: "save_path",
		},
		{
			name: "rtmp without url",
			yaml: "recording:\n  save_path: /tmp/a.mp4\nrtmp:\n  enabled: true\n",
			want: "rtmp",
		},
		{
			name: "cert without key",
			yaml: "recording:\n  save_path: /tmp/a.mp4\nshare_screen:\n  tls: true\n  cert_file: /tmp/c.pem\n",
			want: "key_file",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOUPE_FPS", "60")
	t.Setenv("LOUPE_RTMP_URL", "rtmp://env.example.com/app/key")
	t.Setenv("LOUPE_SAVE_PATH", "/tmp/env.mp4")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Recording.FPS != 60 {
		t.Fatalf("fps = %d, want env override 60", cfg.Recording.FPS)
	}
	if cfg.Recording.SavePath != "/tmp/env.mp4" {
		t.Fatalf("save path = %q", cfg.Recording.SavePath)
	}
	if !cfg.RTMP.Enabled || cfg.RTMP.URL != "rtmp://env.example.com/app/key" {
		t.Fatalf("rtmp = %+v, want enabled via env url", cfg.RTMP)
	}
}

func TestResolutionValuesParse(t *testing.T) {
	// Every spelling validate accepts, including the default, must be
	// understood by the media preset parser the entrypoint feeds it to.
	for _, res := range []string{"", "Original", "720p", "1080p", "1440p", "2160p"} {
		body := minimalYAML
		if res != "" {
			body += "  resolution: " + res + "\n"
		}
		cfg, err := Load(writeConfig(t, body))
		if err != nil {
			t.Fatalf("Load with resolution %q: %v", res, err)
		}
		if _, err := media.ParseResolution(cfg.Recording.Resolution); err != nil {
			t.Errorf("resolution %q survives Load but not ParseResolution: %v",
				cfg.Recording.Resolution, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
