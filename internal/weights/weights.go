package weights

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ktheindifferent/upscaled/internal/tensor"
)

// Format limits. Weight files exceeding these are rejected as malformed
// rather than risking huge allocations from corrupt headers.
const (
	maxParams   = 4096
	maxRank     = 8
	maxDim      = 1 << 20
	maxElems    = 1 << 28
	expectedMag = "RSW1"
)

// ModelWeights is an immutable snapshot of trained parameters plus
// architecture metadata. It is shared by every worker context and must
// never be mutated after construction; a reload produces a whole new value.
type ModelWeights struct {
	params   []*tensor.Tensor
	factor   int
	width    int
	logDepth int
	display  string
}

// Factor returns the upscaling factor.
func (w *ModelWeights) Factor() int { return w.factor }

// Width returns the channel width of the network.
func (w *ModelWeights) Width() int { return w.width }

// LogDepth returns the depth descriptor of the network.
func (w *ModelWeights) LogDepth() int { return w.logDepth }

// Display returns the human-readable identity string.
func (w *ModelWeights) Display() string { return w.display }

// ParamCount returns the number of parameter tensors.
func (w *ModelWeights) ParamCount() int { return len(w.params) }

// Param returns parameter tensor i. Callers must treat it as read-only.
func (w *ModelWeights) Param(i int) *tensor.Tensor { return w.params[i] }

// MemEstimate returns an estimate of the resident bytes for one worker
// context bound to these weights (parameters are shared; this covers the
// per-context graph and scratch space).
func (w *ModelWeights) MemEstimate() int64 {
	var n int64
	for _, p := range w.params {
		n += int64(p.Elems()) * 4
	}
	// graph bookkeeping overhead
	return n + 1<<20
}

// Bilinear returns the builtin parameter-free model that upscales by
// plain bilinear interpolation. Always available, no weight file needed.
func Bilinear(factor int) *ModelWeights {
	if factor <= 0 {
		factor = 4
	}
	return &ModelWeights{
		factor:  factor,
		width:   3,
		display: fmt.Sprintf("bilinear interpolation (%dx)", factor),
	}
}

// LoadError describes a malformed or truncated weight file. ParamIndex is
// -1 when the header itself is bad.
type LoadError struct {
	ParamIndex int
	Reason     string
}

func (e *LoadError) Error() string {
	if e.ParamIndex < 0 {
		return "weights: " + e.Reason
	}
	return fmt.Sprintf("weights: parameter %d: %s", e.ParamIndex, e.Reason)
}

// IsLoadError reports whether err is a weight-file parse failure.
func IsLoadError(err error) bool {
	_, ok := err.(*LoadError)
	return ok
}

// LoadFile reads and parses an .rsw weight file.
func LoadFile(path, display string) (*ModelWeights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, display)
}

// Load parses the binary weight format:
//
//	magic "RSW1"
//	u32 factor, u32 width, u32 logDepth, u32 paramCount
//	per parameter: u32 rank, rank x u32 dims, product x f32 values
//
// All integers and floats are little-endian. A short read or an
// out-of-range header yields a *LoadError naming the offending parameter;
// nothing is partially constructed on failure.
func Load(r io.Reader, display string) (*ModelWeights, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, &LoadError{ParamIndex: -1, Reason: "missing magic: " + err.Error()}
	}
	if string(magic[:]) != expectedMag {
		return nil, &LoadError{ParamIndex: -1, Reason: fmt.Sprintf("bad magic %q", magic)}
	}
	var hdr [4]uint32
	for i := range hdr {
		if err := binary.Read(r, binary.LittleEndian, &hdr[i]); err != nil {
			return nil, &LoadError{ParamIndex: -1, Reason: "truncated header"}
		}
	}
	factor, width, logDepth, count := hdr[0], hdr[1], hdr[2], hdr[3]
	if factor == 0 || factor > 16 {
		return nil, &LoadError{ParamIndex: -1, Reason: fmt.Sprintf("upscaling factor %d out of range", factor)}
	}
	if count > maxParams {
		return nil, &LoadError{ParamIndex: -1, Reason: fmt.Sprintf("parameter count %d exceeds limit %d", count, maxParams)}
	}
	params := make([]*tensor.Tensor, 0, count)
	for i := 0; i < int(count); i++ {
		var rank uint32
		if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
			return nil, &LoadError{ParamIndex: i, Reason: "truncated rank"}
		}
		if rank == 0 || rank > maxRank {
			return nil, &LoadError{ParamIndex: i, Reason: fmt.Sprintf("rank %d out of range", rank)}
		}
		shape := make([]int, rank)
		elems := 1
		for d := 0; d < int(rank); d++ {
			var dim uint32
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, &LoadError{ParamIndex: i, Reason: "truncated shape"}
			}
			if dim == 0 || dim > maxDim {
				return nil, &LoadError{ParamIndex: i, Reason: fmt.Sprintf("dimension %d out of range", dim)}
			}
			shape[d] = int(dim)
			elems *= int(dim)
			if elems > maxElems {
				return nil, &LoadError{ParamIndex: i, Reason: fmt.Sprintf("shape %v too large", shape)}
			}
		}
		data := make([]float32, elems)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, &LoadError{ParamIndex: i, Reason: fmt.Sprintf("truncated data for shape %v", shape)}
		}
		t, err := tensor.FromData(data, shape...)
		if err != nil {
			return nil, &LoadError{ParamIndex: i, Reason: err.Error()}
		}
		params = append(params, t)
	}
	if display == "" {
		display = "custom network"
	}
	return &ModelWeights{
		params:   params,
		factor:   int(factor),
		width:    int(width),
		logDepth: int(logDepth),
		display:  display,
	}, nil
}
