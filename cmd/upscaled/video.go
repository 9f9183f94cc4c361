package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ktheindifferent/upscaled/internal/audit"
	"github.com/ktheindifferent/upscaled/internal/batch"
	"github.com/ktheindifferent/upscaled/internal/infer"
	"github.com/ktheindifferent/upscaled/internal/video"
)

func newVideoCmd() *cobra.Command {
	var (
		modelsDir string
		modelID   string
		workers   int
		fps       float64
		ffmpeg    string
	)

	cmd := &cobra.Command{
		Use:   "video <input-video> <output-video>",
		Short: "Upscale a video by extracting frames with ffmpeg, upscaling them in parallel and reassembling",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)
			inVideo, outVideo := args[0], args[1]

			store, mdl, _, err := loadModel(modelsDir, modelID)
			if err != nil {
				return err
			}
			coord := infer.NewCoordinator(store, infer.BilinearEngine{}, infer.Config{})
			defer coord.Close()

			workDir, err := os.MkdirTemp("", "upscaled-video-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(workDir)
			rawDir := filepath.Join(workDir, "raw")
			upDir := filepath.Join(workDir, "up")
			for _, d := range []string{rawDir, upDir} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return err
				}
			}

			ex := &video.Extractor{
				FFmpegPath: ffmpeg,
				Publisher:  audit.NewLogPublisher(log),
				Logger:     log,
			}
			frames, err := ex.ExtractFrames(cmd.Context(), inVideo, rawDir, fps)
			if err != nil {
				return err
			}
			if len(frames) == 0 {
				return fmt.Errorf("no frames extracted from %s", inVideo)
			}
			log.Info().Int("frames", len(frames)).Str("model", mdl.ID).Msg("upscaling frames")

			tasks := make([]batch.Task, len(frames))
			for i, f := range frames {
				tasks[i] = batch.Task{Input: f, Output: filepath.Join(upDir, filepath.Base(f))}
			}
			report := batch.Run(cmd.Context(), tasks, func(ctx context.Context, workerID string, t batch.Task) error {
				return upscaleFile(coord, workerID, t)
			}, batch.Options{Workers: workers, ContinueOnError: false})
			if report.Failed > 0 {
				return fmt.Errorf("frame upscaling failed: %s", report.Errors[0].Err)
			}

			if err := ex.Assemble(cmd.Context(), upDir, outVideo, fps); err != nil {
				return err
			}
			log.Info().Str("output", outVideo).Dur("dur", report.Duration).Msg("video done")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&modelsDir, "models-dir", "~/models/upscale", "Directory to scan for *.rsw weight files")
	f.StringVar(&modelID, "model", "", "Model id (default: builtin bilinear)")
	f.IntVar(&workers, "workers", 0, "Worker pool size (0 = available parallelism)")
	f.Float64Var(&fps, "fps", 0, "Frame rate for extraction/assembly (0 = source rate)")
	f.StringVar(&ffmpeg, "ffmpeg", "", "Path to ffmpeg binary (default: from PATH)")
	return cmd
}
