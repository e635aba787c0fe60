package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/terava/loupe/media"
)

// ExecConfig describes an external frame producer: a command that writes
// raw ARGB8888 frames back-to-back on stdout, typically a gstreamer or
// pw-cat pipeline consuming the PipeWire node granted by the portal.
type ExecConfig struct {
	Command []string
	Size    media.LogicalSize
}

// GStreamerCommand builds the standard producer pipeline for one portal
// stream node.
func GStreamerCommand(nodeID uint32) []string {
	return []string{
		"gst-launch-1.0", "-q",
		"pipewiresrc", fmt.Sprintf("path=%d", nodeID),
		"!", "videoconvert",
		"!", "video/x-raw,format=ARGB",
		"!", "fdsink", "fd=1",
	}
}

// ExecSource reads frames from a producer subprocess. One process per
// Source; the capture worker owns it exclusively.
type ExecSource struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	size    media.LogicalSize
	counter atomic.Uint64
}

// NewExecSource starts the producer. The process is killed on Close.
func NewExecSource(cfg ExecConfig) (*ExecSource, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("capture: empty producer command")
	}
	if cfg.Size.Width <= 0 || cfg.Size.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid frame size %dx%d", cfg.Size.Width, cfg.Size.Height)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: producer stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start producer %q: %w", cfg.Command[0], err)
	}

	return &ExecSource{cmd: cmd, stdout: stdout, size: cfg.Size}, nil
}

// ExecFactory opens one producer process per capture worker.
func ExecFactory(cfg ExecConfig) Factory {
	return func() (Source, error) { return NewExecSource(cfg) }
}

// ScreenSize implements Source.
func (s *ExecSource) ScreenSize() media.LogicalSize { return s.size }

// Capture reads the next full frame from the producer. The read blocks
// until the producer delivers; cancellation is observed between frames
// and when Close kills the producer mid-read.
func (s *ExecSource) Capture(ctx context.Context) (media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return media.Frame{}, err
	}

	start := time.Now()
	pixels := make([]byte, s.size.Width*s.size.Height*4)
	if _, err := io.ReadFull(s.stdout, pixels); err != nil {
		if ctx.Err() != nil {
			return media.Frame{}, ctx.Err()
		}
		return media.Frame{}, fmt.Errorf("capture: read frame: %w", err)
	}

	return media.Frame{
		CaptureIndex: s.counter.Add(1) - 1,
		CaptureTime:  time.Since(start),
		WallTime:     time.Now(),
		PixelData:    pixels,
		Width:        s.size.Width,
		Height:       s.size.Height,
		Format:       media.PixelFormatARGB8888,
	}, nil
}

// Close kills the producer and reaps it. Safe while a Capture read is in
// flight; the read fails once the pipe closes.
func (s *ExecSource) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.stdout.Close()
	_ = s.cmd.Wait()
	return nil
}
