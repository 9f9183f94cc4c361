// Package video shells out to ffmpeg for frame extraction and reassembly.
// The frame math itself is ffmpeg's business; this package owns process
// lifecycle and emits one audit event per invocation.
package video

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ktheindifferent/upscaled/internal/audit"
)

// Extractor runs ffmpeg subprocesses.
type Extractor struct {
	// FFmpegPath overrides the binary looked up on PATH.
	FFmpegPath string
	Publisher  audit.Publisher
	Logger     zerolog.Logger
}

func (e *Extractor) binary() string {
	if e.FFmpegPath != "" {
		return e.FFmpegPath
	}
	return "ffmpeg"
}

// ExtractFrames decodes videoPath into numbered PNG frames under outDir
// and returns their paths in frame order.
func (e *Extractor) ExtractFrames(ctx context.Context, videoPath, outDir string, fps float64) ([]string, error) {
	args := []string{"-i", videoPath, "-vsync", "0"}
	if fps > 0 {
		args = append(args, "-vf", fmt.Sprintf("fps=%g", fps))
	}
	pattern := filepath.Join(outDir, "frame_%06d.png")
	args = append(args, pattern)
	if err := e.run(ctx, args); err != nil {
		return nil, err
	}
	frames, err := filepath.Glob(filepath.Join(outDir, "frame_*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(frames)
	return frames, nil
}

// Assemble encodes the numbered PNG frames in frameDir into outPath.
func (e *Extractor) Assemble(ctx context.Context, frameDir, outPath string, fps float64) error {
	if fps <= 0 {
		fps = 30
	}
	args := []string{
		"-framerate", fmt.Sprintf("%g", fps),
		"-i", filepath.Join(frameDir, "frame_%06d.png"),
		"-pix_fmt", "yuv420p",
		"-y", outPath,
	}
	return e.run(ctx, args)
}

// run executes one ffmpeg invocation and audits it whatever the outcome.
func (e *Extractor) run(ctx context.Context, args []string) error {
	start := time.Now()
	cmd := exec.CommandContext(ctx, e.binary(), args...)
	out, err := cmd.CombinedOutput()
	decision := "ok"
	reason := ""
	if err != nil {
		decision = "failed"
		reason = err.Error()
	}
	if e.Publisher != nil {
		e.Publisher.Publish(audit.Event{
			Time:     start,
			Kind:     audit.KindSubprocess,
			Decision: decision,
			Reason:   reason,
			Fields: map[string]any{
				"binary": e.binary(),
				"args":   args,
				"dur_ms": time.Since(start).Milliseconds(),
			},
		})
	}
	if err != nil {
		e.Logger.Error().Err(err).Str("binary", e.binary()).Msg("subprocess failed")
		return fmt.Errorf("%s: %w: %s", e.binary(), err, tail(out, 512))
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
