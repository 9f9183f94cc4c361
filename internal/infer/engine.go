package infer

import (
	"fmt"

	"github.com/ktheindifferent/upscaled/internal/tensor"
	"github.com/ktheindifferent/upscaled/internal/weights"
)

// Engine is the opaque model capability: given a weights snapshot it
// produces execution contexts that run one forward pass at a time.
type Engine interface {
	// Name identifies the engine for status output.
	Name() string
	// NewContext builds mutable execution state bound to one weights
	// snapshot. The returned context is not safe for concurrent use.
	NewContext(w *weights.ModelWeights) (Context, error)
}

// Context is per-worker mutable execution state. Compute is deterministic
// for fixed weights and input. Exactly one goroutine may use a Context at
// a time; the Coordinator enforces that.
type Context interface {
	Compute(input *tensor.Tensor) (*tensor.Tensor, error)
	Close() error
}

// BilinearEngine is the always-available CPU reference engine. It ignores
// parameter tensors and upscales by the snapshot's factor using bilinear
// interpolation.
type BilinearEngine struct{}

func (BilinearEngine) Name() string { return "bilinear-cpu" }

func (BilinearEngine) NewContext(w *weights.ModelWeights) (Context, error) {
	if w == nil {
		return nil, fmt.Errorf("infer: nil weights")
	}
	return &bilinearContext{w: w}, nil
}

// bilinearContext reuses its output buffer across calls from the same
// worker identity.
type bilinearContext struct {
	w       *weights.ModelWeights
	scratch []float32
}

func (c *bilinearContext) Compute(input *tensor.Tensor) (*tensor.Tensor, error) {
	h, wd, ch := input.Dim(0), input.Dim(1), input.Dim(2)
	f := c.w.Factor()
	oh, ow := h*f, wd*f
	need := oh * ow * ch
	if cap(c.scratch) < need {
		c.scratch = make([]float32, need)
	}
	out, err := tensor.FromData(c.scratch[:need], oh, ow, ch)
	if err != nil {
		return nil, err
	}
	for oy := 0; oy < oh; oy++ {
		sy := (float32(oy) + 0.5) / float32(f)
		y0 := int(sy - 0.5)
		fy := sy - 0.5 - float32(y0)
		y1 := y0 + 1
		if y0 < 0 {
			y0, y1, fy = 0, 0, 0
		}
		if y1 >= h {
			y1 = h - 1
		}
		for ox := 0; ox < ow; ox++ {
			sx := (float32(ox) + 0.5) / float32(f)
			x0 := int(sx - 0.5)
			fx := sx - 0.5 - float32(x0)
			x1 := x0 + 1
			if x0 < 0 {
				x0, x1, fx = 0, 0, 0
			}
			if x1 >= wd {
				x1 = wd - 1
			}
			for k := 0; k < ch; k++ {
				top := input.At(y0, x0, k)*(1-fx) + input.At(y0, x1, k)*fx
				bot := input.At(y1, x0, k)*(1-fx) + input.At(y1, x1, k)*fx
				out.Set(oy, ox, k, top*(1-fy)+bot*fy)
			}
		}
	}
	// The caller keeps the result; detach it from the scratch buffer so
	// the next call cannot overwrite a returned tensor.
	res := out.Clone()
	return res, nil
}

func (c *bilinearContext) Close() error {
	c.scratch = nil
	return nil
}
