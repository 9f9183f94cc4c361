package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ktheindifferent/upscaled/internal/batch"
	"github.com/ktheindifferent/upscaled/internal/imaging"
	"github.com/ktheindifferent/upscaled/internal/infer"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
}

func newBatchCmd() *cobra.Command {
	var (
		modelsDir       string
		modelID         string
		workers         int
		continueOnError bool
		recursive       bool
		skipExisting    bool
	)

	cmd := &cobra.Command{
		Use:   "batch <input-dir> <output-dir>",
		Short: "Upscale every image in a directory using a parallel worker pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)
			inDir, outDir := args[0], args[1]

			store, mdl, _, err := loadModel(modelsDir, modelID)
			if err != nil {
				return err
			}
			coord := infer.NewCoordinator(store, infer.BilinearEngine{}, infer.Config{})
			defer coord.Close()

			tasks, err := collectTasks(inDir, outDir, recursive, skipExisting)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				log.Warn().Str("dir", inDir).Msg("no images found")
				return nil
			}
			log.Info().Int("images", len(tasks)).Str("model", mdl.ID).Msg("starting batch")

			report := batch.Run(cmd.Context(), tasks, func(ctx context.Context, workerID string, t batch.Task) error {
				return upscaleFile(coord, workerID, t)
			}, batch.Options{
				Workers:         workers,
				ContinueOnError: continueOnError,
				OnProgress: func(done, total int) {
					log.Debug().Int("done", done).Int("total", total).Msg("progress")
				},
			})

			for _, e := range report.Errors {
				log.Error().Str("input", e.Input).Str("err", e.Err).Msg("task failed")
			}
			log.Info().
				Int("total", report.Total).
				Int("succeeded", report.Succeeded).
				Int("failed", report.Failed).
				Dur("dur", report.Duration).
				Msg("batch finished")
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d images failed", report.Failed, report.Total)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&modelsDir, "models-dir", "~/models/upscale", "Directory to scan for *.rsw weight files")
	f.StringVar(&modelID, "model", "", "Model id (default: builtin bilinear)")
	f.IntVar(&workers, "workers", 0, "Worker pool size (0 = available parallelism)")
	f.BoolVar(&continueOnError, "continue-on-error", true, "Keep going after a failed image")
	f.BoolVar(&recursive, "recursive", false, "Recurse into subdirectories")
	f.BoolVar(&skipExisting, "skip-existing", false, "Skip images whose output already exists")
	return cmd
}

// collectTasks walks the input directory building (input, output) pairs.
// Output files mirror the input layout under outDir as PNG.
func collectTasks(inDir, outDir string, recursive, skipExisting bool) ([]batch.Task, error) {
	var tasks []batch.Task
	walk := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != inDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !imageExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(inDir, path)
		if err != nil {
			return err
		}
		out := filepath.Join(outDir, strings.TrimSuffix(rel, filepath.Ext(rel))+".png")
		if skipExisting {
			if _, err := os.Stat(out); err == nil {
				return nil
			}
		}
		tasks = append(tasks, batch.Task{Input: path, Output: out})
		return nil
	}
	if err := filepath.WalkDir(inDir, walk); err != nil {
		return nil, err
	}
	return tasks, nil
}

// upscaleFile is the per-task body: read, infer under the worker's own
// identity, write.
func upscaleFile(coord *infer.Coordinator, workerID string, t batch.Task) error {
	raw, err := os.ReadFile(t.Input)
	if err != nil {
		return err
	}
	in, err := imaging.DecodeBytes(raw)
	if err != nil {
		return err
	}
	out, err := coord.Infer(workerID, in)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.Output), 0o755); err != nil {
		return err
	}
	f, err := os.Create(t.Output)
	if err != nil {
		return err
	}
	defer f.Close()
	return imaging.Encode(f, out)
}
