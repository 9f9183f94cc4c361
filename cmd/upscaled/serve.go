package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktheindifferent/upscaled/internal/audit"
	"github.com/ktheindifferent/upscaled/internal/config"
	"github.com/ktheindifferent/upscaled/internal/httpapi"
	"github.com/ktheindifferent/upscaled/internal/imaging"
	"github.com/ktheindifferent/upscaled/internal/infer"
	"github.com/ktheindifferent/upscaled/internal/queue"
	"github.com/ktheindifferent/upscaled/internal/resource"
)

func newServeCmd() *cobra.Command {
	var (
		cfgPath        string
		addr           string
		modelsDir      string
		modelID        string
		workers        int
		maxOutstanding int
		rateCapacity   int
		rateRefill     float64
		retentionSec   int
		retentionMax   int
		idleCtxSec     int
		memBudgetMB    int
		maxBodyMB      int
		corsEnabled    bool
		corsOrigins    []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP upscaling service",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)

			cfg := config.Config{}
			if cfgPath != "" {
				var err error
				cfg, err = config.Load(cfgPath)
				if err != nil {
					return err
				}
			}
			// Flags set explicitly override the config file.
			override := func(name string, apply func()) {
				if cmd.Flags().Changed(name) {
					apply()
				}
			}
			override("addr", func() { cfg.Addr = addr })
			override("models-dir", func() { cfg.ModelsDir = modelsDir })
			override("model", func() { cfg.DefaultModel = modelID })
			override("workers", func() { cfg.Workers = workers })
			override("max-outstanding", func() { cfg.MaxOutstanding = maxOutstanding })
			override("rate-capacity", func() { cfg.RateCapacity = rateCapacity })
			override("rate-refill", func() { cfg.RateRefillPerSec = rateRefill })
			override("retention-age-sec", func() { cfg.RetentionAgeSec = retentionSec })
			override("retention-max", func() { cfg.RetentionMax = retentionMax })
			override("idle-context-sec", func() { cfg.IdleContextSec = idleCtxSec })
			override("mem-budget-mb", func() { cfg.MemBudgetMB = memBudgetMB })
			override("max-body-mb", func() { cfg.MaxBodyMB = maxBodyMB })
			override("cors", func() { cfg.CORSEnabled = corsEnabled })
			override("cors-origins", func() { cfg.CORSOrigins = corsOrigins })
			if cfg.Addr == "" {
				cfg.Addr = ":8080"
			}

			store, mdl, models, err := loadModel(cfg.ModelsDir, cfg.DefaultModel)
			if err != nil {
				return err
			}

			var arenas *resource.Pool
			if cfg.MemBudgetMB > 0 {
				arenas = resource.NewPool(resource.NewLedger(resource.CPU, int64(cfg.MemBudgetMB)<<20))
			}
			coord := infer.NewCoordinator(store, infer.BilinearEngine{}, infer.Config{Arenas: arenas})

			idleAfter := 5 * time.Minute
			if cfg.IdleContextSec > 0 {
				idleAfter = time.Duration(cfg.IdleContextSec) * time.Second
			}
			q := queue.New(coord, queue.Config{
				Workers:          cfg.Workers,
				MaxOutstanding:   cfg.MaxOutstanding,
				RateCapacity:     cfg.RateCapacity,
				RateRefillPerSec: cfg.RateRefillPerSec,
				RetentionAge:     time.Duration(cfg.RetentionAgeSec) * time.Second,
				RetentionMax:     cfg.RetentionMax,
				Publisher:        audit.NewLogPublisher(log),
				Logger:           log,
				OnSweep:          func() { coord.EvictIdle(idleAfter) },
			})

			svc := &service{q: q, models: models, model: mdl}

			baseCtx, cancelBase := context.WithCancel(context.Background())
			defer cancelBase()
			httpapi.SetBaseContext(baseCtx)
			httpapi.SetLogger(log)
			if cfg.MaxBodyMB > 0 {
				httpapi.SetMaxBodyBytes(int64(cfg.MaxBodyMB) << 20)
			}
			httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins,
				[]string{"GET", "POST", "DELETE", "OPTIONS"},
				[]string{"Content-Type", "X-API-Key", "Authorization"})

			mux := httpapi.NewMux(svc, imaging.Codec{})
			srv := &http.Server{Addr: cfg.Addr, Handler: mux}

			go func() {
				log.Info().Str("addr", cfg.Addr).Str("model", mdl.ID).Msg("upscaled listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			// Graceful shutdown (Ctrl+C / SIGTERM)
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			cancelBase()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown")
			}
			if err := q.Close(ctx); err != nil {
				log.Warn().Err(err).Msg("queue drain")
			}
			return coord.Close()
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "Path to config file (.toml/.yaml/.json)")
	f.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	f.StringVar(&modelsDir, "models-dir", "~/models/upscale", "Directory to scan for *.rsw weight files")
	f.StringVar(&modelID, "model", "", "Model id to serve (default: builtin bilinear)")
	f.IntVar(&workers, "workers", 0, "Queue worker pool size (0 = available parallelism)")
	f.IntVar(&maxOutstanding, "max-outstanding", 0, "Maximum queued+running jobs before QueueFull")
	f.IntVar(&rateCapacity, "rate-capacity", 0, "Per-caller token bucket capacity")
	f.Float64Var(&rateRefill, "rate-refill", 0, "Per-caller tokens regained per second")
	f.IntVar(&retentionSec, "retention-age-sec", 0, "Seconds to retain terminal jobs")
	f.IntVar(&retentionMax, "retention-max", 0, "Maximum retained terminal jobs")
	f.IntVar(&idleCtxSec, "idle-context-sec", 0, "Seconds before idle inference contexts are evicted")
	f.IntVar(&memBudgetMB, "mem-budget-mb", 0, "Memory budget for worker contexts in MB (0 = unlimited)")
	f.IntVar(&maxBodyMB, "max-body-mb", 0, "Maximum request body size in MB")
	f.BoolVar(&corsEnabled, "cors", false, "Enable CORS")
	f.StringSliceVar(&corsOrigins, "cors-origins", []string{"*"}, "Allowed CORS origins")
	return cmd
}

func newModelsCmd() *cobra.Command {
	var modelsDir string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List available models",
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := loadModelsList(modelsDir)
			if err != nil {
				return err
			}
			for _, m := range models {
				if m.Builtin {
					cmd.Printf("%s\t(builtin)\n", m.ID)
					continue
				}
				cmd.Printf("%s\t%s\n", m.ID, m.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modelsDir, "models-dir", "~/models/upscale", "Directory to scan for *.rsw weight files")
	return cmd
}
