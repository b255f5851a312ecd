// Package detector wraps external object-detection engines behind one per-frame contract.
//
// An engine is expensive to load, so callers construct it once at startup and share
// it by reference. Every implementation is safe for concurrent Detect calls.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/wallsight/internal/types"
)

// DefaultThreshold is the confidence cut-off used when the caller does not set one.
const DefaultThreshold = 0.25

// ErrInvalidInput is returned when an Input carries neither or both of Path and Image.
var ErrInvalidInput = errors.New("detector input must set exactly one of Path or Image")

// Input is either an image file on disk or an in-memory frame.
type Input struct {
	Path  string
	Image *image.RGBA
	// Quiet suppresses per-call engine logging (used for every video frame).
	Quiet bool
}

// Validate checks that exactly one source is set.
func (in Input) Validate() error {
	if (in.Path == "") == (in.Image == nil) {
		return ErrInvalidInput
	}
	return nil
}

// Detector runs inference on a single frame. Detections below threshold are dropped
// by the engine itself. Errors are returned unmodified in meaning and never retried.
type Detector interface {
	Detect(ctx context.Context, in Input, threshold float64) ([]types.Detection, error)
	Close() error
}

// EngineError marks a failure reported by the engine itself (as opposed to transport failures).
type EngineError struct {
	Engine  string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s worker error: %s", e.Engine, e.Message)
}

// packRGBA returns the tightly packed pixel bytes of img (stride == width*4).
func packRGBA(img *image.RGBA) []byte {
	b := img.Bounds()
	rowLen := b.Dx() * 4
	if img.Stride == rowLen && len(img.Pix) == rowLen*b.Dy() {
		return img.Pix
	}
	out := make([]byte, rowLen*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		start := y * img.Stride
		copy(out[y*rowLen:(y+1)*rowLen], img.Pix[start:start+rowLen])
	}
	return out
}
