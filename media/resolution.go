package media

import (
	"fmt"
	"strings"
)

// Resolution selects the encoder output size. Non-Original presets scale
// the captured frame to fit within the preset bounds while preserving
// aspect ratio; dimensions are rounded down to even numbers because
// 4:2:0 H.264 encoding requires them.
type Resolution int

const (
	ResolutionOriginal Resolution = iota
	Resolution720p
	Resolution1080p
	Resolution1440p
	Resolution2160p
)

// ParseResolution maps a configuration string to a Resolution. Matching
// is case-insensitive so "Original" and "original" are the same preset.
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "original":
		return ResolutionOriginal, nil
	case "720p":
		return Resolution720p, nil
	case "1080p":
		return Resolution1080p, nil
	case "1440p":
		return Resolution1440p, nil
	case "2160p":
		return Resolution2160p, nil
	}
	return ResolutionOriginal, fmt.Errorf("unknown resolution %q", s)
}

// String returns the configuration spelling of the resolution.
func (r Resolution) String() string {
	switch r {
	case Resolution720p:
		return "720p"
	case Resolution1080p:
		return "1080p"
	case Resolution1440p:
		return "1440p"
	case Resolution2160p:
		return "2160p"
	default:
		return "original"
	}
}

func (r Resolution) bounds() (int, int) {
	switch r {
	case Resolution720p:
		return 1280, 720
	case Resolution1080p:
		return 1920, 1080
	case Resolution1440p:
		return 2560, 1440
	case Resolution2160p:
		return 3840, 2160
	default:
		return 0, 0
	}
}

// Dimensions returns the encoder target size for a capture of the given
// original size. Original passes the input through (evened); presets fit
// the aspect ratio inside the preset box.
func (r Resolution) Dimensions(originalWidth, originalHeight int) (int, int) {
	if r == ResolutionOriginal {
		return even(originalWidth), even(originalHeight)
	}

	targetW, targetH := r.bounds()
	originalRatio := float64(originalWidth) / float64(originalHeight)
	targetRatio := float64(targetW) / float64(targetH)

	var w, h int
	if originalRatio > targetRatio {
		// Wider than the preset box: width-bound.
		w = targetW
		h = int(float64(targetW) / originalRatio)
	} else {
		w = int(float64(targetH) * originalRatio)
		h = targetH
	}
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return even(w), even(h)
}

func even(v int) int {
	return v &^ 1
}
