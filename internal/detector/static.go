package detector

import (
	"context"
	"sync/atomic"

	"github.com/andresmejia3/wallsight/internal/types"
)

// Static is a deterministic engine: every call returns the same detections.
// It backs dry runs (--engine none) and tests.
type Static struct {
	Detections []types.Detection
	// Func, when set, decides the result for the call-th invocation (0-based).
	Func func(call int, in Input) ([]types.Detection, error)

	calls atomic.Int64
}

// FailingAt returns a Static engine that returns err on the call-th invocation (0-based)
// and dets otherwise.
func FailingAt(call int, err error, dets ...types.Detection) *Static {
	return &Static{Func: func(n int, _ Input) ([]types.Detection, error) {
		if n == call {
			return nil, err
		}
		return dets, nil
	}}
}

func (s *Static) Detect(ctx context.Context, in Input, threshold float64) ([]types.Detection, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int(s.calls.Add(1) - 1)
	if s.Func != nil {
		return s.Func(n, in)
	}
	// Engines filter by threshold themselves
	out := make([]types.Detection, 0, len(s.Detections))
	for _, d := range s.Detections {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out, nil
}

// Calls reports how many times Detect has been invoked.
func (s *Static) Calls() int {
	return int(s.calls.Load())
}

func (s *Static) Close() error { return nil }
