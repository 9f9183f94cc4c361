package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ktheindifferent/upscaled/internal/queue"
	"github.com/ktheindifferent/upscaled/internal/registry"
	"github.com/ktheindifferent/upscaled/internal/tensor"
	"github.com/ktheindifferent/upscaled/internal/weights"
	"github.com/ktheindifferent/upscaled/pkg/types"
)

// service glues the queue, the registry and the loaded model together for
// the HTTP layer.
type service struct {
	q      *queue.Queue
	models []types.Model
	model  types.Model
}

func (s *service) Submit(caller string, input *tensor.Tensor) (string, error) {
	return s.q.Submit(caller, input)
}

func (s *service) Status(id string) (queue.Snapshot, error) { return s.q.Status(id) }

func (s *service) Cancel(id string) error { return s.q.Cancel(id) }

func (s *service) SubmitAndWait(ctx context.Context, caller string, input *tensor.Tensor, timeout time.Duration) (*tensor.Tensor, error) {
	return s.q.SubmitAndWait(ctx, caller, input, timeout)
}

func (s *service) Stats() queue.Stats { return s.q.Stats() }

func (s *service) ListModels() []types.Model { return s.models }

func (s *service) ModelID() string { return s.model.ID }

func (s *service) Ready() bool { return s.q.Ready() }

func loadModelsList(modelsDir string) ([]types.Model, error) {
	return registry.LoadDir(modelsDir)
}

// loadModel resolves a model id against the registry and loads its
// weights. An empty id falls back to the builtin bilinear model.
func loadModel(modelsDir, modelID string) (*weights.Store, types.Model, []types.Model, error) {
	models, err := registry.LoadDir(modelsDir)
	if err != nil {
		return nil, types.Model{}, nil, err
	}
	if modelID == "" {
		modelID = registry.BuiltinBilinear
	}
	mdl, ok := registry.Resolve(models, modelID)
	if !ok {
		return nil, types.Model{}, nil, fmt.Errorf("model not found: %s", modelID)
	}
	if mdl.Builtin {
		return weights.NewStore(weights.Bilinear(4)), mdl, models, nil
	}
	w, err := weights.LoadFile(mdl.Path, mdl.Name)
	if err != nil {
		return nil, types.Model{}, nil, err
	}
	return weights.NewStore(w), mdl, models, nil
}
