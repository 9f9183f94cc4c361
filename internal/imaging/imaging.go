// Package imaging converts image files to and from the float32 HWC
// tensors the inference core works on. Pixels map to [0,1].
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/ktheindifferent/upscaled/internal/tensor"
)

// Decode reads a PNG/JPEG/GIF image into a rank-3 RGB tensor.
func Decode(r io.Reader) (*tensor.Tensor, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	if h == 0 || w == 0 {
		return nil, fmt.Errorf("decode image: empty bounds %v", b)
	}
	t := tensor.New(h, w, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r16, g16, b16, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			t.Set(y, x, 0, float32(r16)/65535)
			t.Set(y, x, 1, float32(g16)/65535)
			t.Set(y, x, 2, float32(b16)/65535)
		}
	}
	return t, nil
}

// DecodeBytes decodes an in-memory image.
func DecodeBytes(b []byte) (*tensor.Tensor, error) {
	return Decode(bytes.NewReader(b))
}

// Encode writes a rank-3 RGB tensor as PNG, clamping values to [0,1].
func Encode(w io.Writer, t *tensor.Tensor) error {
	if t == nil || t.Rank() != 3 || t.Dim(2) != 3 {
		return fmt.Errorf("encode image: need a rank-3 RGB tensor, got %v", shapeOf(t))
	}
	h, wd := t.Dim(0), t.Dim(1)
	img := image.NewRGBA(image.Rect(0, 0, wd, h))
	for y := 0; y < h; y++ {
		for x := 0; x < wd; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: clampByte(t.At(y, x, 0)),
				G: clampByte(t.At(y, x, 1)),
				B: clampByte(t.At(y, x, 2)),
				A: 255,
			})
		}
	}
	return png.Encode(w, img)
}

// EncodeBytes returns the PNG encoding of a tensor.
func EncodeBytes(t *tensor.Tensor) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}

// Codec adapts the package functions to the boundary-layer interface.
type Codec struct{}

func (Codec) DecodeBytes(b []byte) (*tensor.Tensor, error) { return DecodeBytes(b) }

func (Codec) EncodeBytes(t *tensor.Tensor) ([]byte, error) { return EncodeBytes(t) }
