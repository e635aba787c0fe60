// Package config loads the workstation configuration from a YAML file
// with environment-variable overrides. Invalid or missing required
// parameters refuse to start; nothing here is recoverable at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface.
type Config struct {
	Screen    ScreenConfig    `yaml:"screen"`
	Recording RecordingConfig `yaml:"recording"`
	Audio     AudioConfig     `yaml:"audio"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Share     ShareConfig     `yaml:"share_screen"`
	RTMP      RTMPConfig      `yaml:"rtmp"`
}

// ScreenConfig selects the monitor to capture.
type ScreenConfig struct {
	Name          string  `yaml:"name"`
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	IncludeCursor bool    `yaml:"include_cursor"`
	ScaleFactor   float64 `yaml:"scale_factor"` // compositor-reported scale is unreliable on HiDPI
}

// RecordingConfig controls the encoder and the MP4 output.
type RecordingConfig struct {
	SavePath   string `yaml:"save_path"`
	FPS        int    `yaml:"fps"`        // one of 24, 25, 30, 60
	Resolution string `yaml:"resolution"` // Original, 720p, 1080p, 1440p, 2160p
}

// AudioConfig controls the mixer inputs.
type AudioConfig struct {
	DeviceName             string `yaml:"device_name"` // empty selects the default microphone
	EnableRecordingSpeaker bool   `yaml:"enable_recording_speaker"`
	ConvertToMono          bool   `yaml:"convert_to_mono"`
	MicGainDB              int    `yaml:"mic_gain_db"`
	SpeakerGainDB          int    `yaml:"speaker_gain_db"`
	SampleRate             int    `yaml:"sample_rate"`
}

// TrackerConfig tunes the cursor-follow crop. Zero durations take the
// defaults applied in Load.
type TrackerConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	TargetWidth             int           `yaml:"target_width"`
	TargetHeight            int           `yaml:"target_height"`
	DebounceRadius          float64       `yaml:"debounce_radius"`
	StableRadius            float64       `yaml:"stable_radius"`
	FastMovingDuration      time.Duration `yaml:"fast_moving_duration"`
	ZoomTransition          time.Duration `yaml:"zoom_transition"`
	RepositionEdgeThreshold float64       `yaml:"reposition_edge_threshold"`
	RepositionTransition    time.Duration `yaml:"reposition_transition"`
	MaxStableDuration       time.Duration `yaml:"max_stable_duration"`
	ZoomInEasing            string        `yaml:"zoom_in_easing"`
	ZoomOutEasing           string        `yaml:"zoom_out_easing"`
}

// ShareConfig controls the WHEP screen-share endpoint.
type ShareConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	TLS        bool     `yaml:"tls"`
	CertFile   string   `yaml:"cert_file"` // empty with tls generates a self-signed pair
	KeyFile    string   `yaml:"key_file"`
	ICEServers []string `yaml:"ice_servers"`
}

// RTMPConfig controls the RTMP publisher.
type RTMPConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	MaxFrameBacklog int    `yaml:"max_frame_backlog"`
	MaxWriteBuffer  int    `yaml:"max_write_buffer"`
}

// validFPS is the closed set the encoder accepts.
var validFPS = map[int]bool{24: true, 25: true, 30: true, 60: true}

// LoadEnv reads the .env file, if present, into the process environment.
// A missing file is not an error.
func LoadEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	_ = godotenv.Load(paths...)
}

// Load reads the YAML file at path, expands environment variables in it,
// applies LOUPE_* environment overrides, fills defaults, and validates.
// An empty path yields the defaults with overrides only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Screen.Name = getEnv("LOUPE_SCREEN_NAME", c.Screen.Name)
	c.Recording.SavePath = getEnv("LOUPE_SAVE_PATH", c.Recording.SavePath)
	c.Recording.FPS = getEnvInt("LOUPE_FPS", c.Recording.FPS)
	c.Recording.Resolution = getEnv("LOUPE_RESOLUTION", c.Recording.Resolution)
	c.Audio.DeviceName = getEnv("LOUPE_AUDIO_DEVICE", c.Audio.DeviceName)
	c.Share.ListenAddr = getEnv("LOUPE_WHEP_ADDR", c.Share.ListenAddr)
	c.RTMP.URL = getEnv("LOUPE_RTMP_URL", c.RTMP.URL)
	if c.RTMP.URL != "" {
		c.RTMP.Enabled = true
	}
}

func (c *Config) applyDefaults() {
	if c.Recording.FPS == 0 {
		c.Recording.FPS = 30
	}
	if c.Recording.Resolution == "" {
		c.Recording.Resolution = "Original"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 44100
	}
	if c.Share.ListenAddr == "" {
		c.Share.ListenAddr = ":8443"
	}
	if c.Tracker.TargetWidth == 0 || c.Tracker.TargetHeight == 0 {
		c.Tracker.TargetWidth = c.Screen.Width / 2
		c.Tracker.TargetHeight = c.Screen.Height / 2
	}
	if c.Tracker.DebounceRadius == 0 {
		c.Tracker.DebounceRadius = 80
	}
	if c.Tracker.StableRadius == 0 {
		c.Tracker.StableRadius = 40
	}
	if c.Tracker.FastMovingDuration == 0 {
		c.Tracker.FastMovingDuration = 800 * time.Millisecond
	}
	if c.Tracker.ZoomTransition == 0 {
		c.Tracker.ZoomTransition = 500 * time.Millisecond
	}
	if c.Tracker.RepositionEdgeThreshold == 0 {
		c.Tracker.RepositionEdgeThreshold = 0.15
	}
	if c.Tracker.RepositionTransition == 0 {
		c.Tracker.RepositionTransition = 300 * time.Millisecond
	}
	if c.Tracker.MaxStableDuration == 0 {
		c.Tracker.MaxStableDuration = 10 * time.Second
	}
	if c.Screen.ScaleFactor == 0 {
		c.Screen.ScaleFactor = 1
	}
}

func (c *Config) validate() error {
	if !validFPS[c.Recording.FPS] {
		return fmt.Errorf("config: fps %d not one of 24, 25, 30, 60", c.Recording.FPS)
	}
	switch c.Recording.Resolution {
	case "Original", "720p", "1080p", "1440p", "2160p":
	default:
		return fmt.Errorf("config: unknown resolution %q", c.Recording.Resolution)
	}
	if c.Recording.SavePath == "" {
		return fmt.Errorf("config: save_path is required")
	}
	if c.RTMP.Enabled && c.RTMP.URL == "" {
		return fmt.Errorf("config: rtmp enabled without url")
	}
	if c.Share.TLS && (c.Share.CertFile == "") != (c.Share.KeyFile == "") {
		return fmt.Errorf("config: cert_file and key_file must be set together")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}
