package chunkstore

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/duologue/duologue/internal/audio"
)

// Combiner losslessly joins chunk files into one recording. The manifest
// lists the sources in order, one `file '<name>'` line per chunk, relative to
// the output's directory.
type Combiner interface {
	Combine(out, manifest string, files []string) error
}

// FFmpeg shells out to ffmpeg's concat demuxer with stream copy, the
// reference way to join the chunks without re-encoding.
type FFmpeg struct {
	// Path to the ffmpeg binary; "ffmpeg" resolves via PATH.
	Path string
	// Timeout bounds one combine run. Zero means a minute.
	Timeout time.Duration
}

func (f FFmpeg) Combine(out, manifest string, _ []string) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-c", "copy",
		out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, output)
	}
	return nil
}

// WavCombiner joins WAV chunks in pure Go by copying PCM samples. Used in
// tests and as the fallback when no ffmpeg binary is configured.
type WavCombiner struct{}

func (WavCombiner) Combine(out, _ string, files []string) error {
	return audio.ConcatFiles(out, files)
}
