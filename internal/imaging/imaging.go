// Package imaging annotates a single still image: detect once, draw once, and pair
// every detection with its advisory.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"

	// Decoders for the formats uploads arrive in
	_ "image/gif"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/wallsight/internal/advisory"
	"github.com/andresmejia3/wallsight/internal/annotate"
	"github.com/andresmejia3/wallsight/internal/detector"
	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/sirupsen/logrus"
)

// ErrDecode means the input file is not an image we can read.
var ErrDecode = errors.New("cannot decode image")

// Finding is one detection with the advisory for its label, if the label is known.
type Finding struct {
	Detection   types.Detection `json:"detection"`
	Advisory    string          `json:"advisory,omitempty"`
	HasAdvisory bool            `json:"-"`
}

// Result is the outcome of one image run. Original is never modified.
type Result struct {
	Format     string
	Original   image.Image
	Annotated  *image.RGBA
	Detections []types.Detection
	Findings   []Finding
}

// Advisories returns the advisory messages in detection order, skipping unknown labels.
func (r *Result) Advisories() []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		if f.HasAdvisory {
			out = append(out, f.Advisory)
		}
	}
	return out
}

// EncodePNG renders the annotated image as PNG.
func (r *Result) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.Annotated); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeJPEG renders the annotated image as JPEG at the given quality (1-100).
func (r *Result) EncodeJPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, r.Annotated, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Pipeline processes still images. Detector and Advisor are shared, read-only collaborators.
type Pipeline struct {
	Detector  detector.Detector
	Advisor   *advisory.Advisor
	Threshold float64
}

// Process decodes path, runs the detector once on the decoded pixels and renders the annotations.
func (p *Pipeline) Process(ctx context.Context, path string) (*Result, error) {
	log := logrus.WithFields(logrus.Fields{"function": "Pipeline.Process", "path": path})

	original, format, err := Decode(path)
	if err != nil {
		return nil, err
	}

	// Boxes are drawn on exactly the pixels the engine saw, never a re-read of the file
	pixels := annotate.ToRGBA(original, false)
	dets, err := p.Detector.Detect(ctx, detector.Input{Image: pixels}, p.Threshold)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", path, err)
	}

	advisor := p.Advisor
	if advisor == nil {
		advisor = &advisory.Advisor{}
	}
	findings := make([]Finding, 0, len(dets))
	for _, d := range dets {
		msg, ok := advisor.Advise(d.Label)
		findings = append(findings, Finding{Detection: d, Advisory: msg, HasAdvisory: ok})
	}

	log.WithFields(logrus.Fields{"format": format, "detections": len(dets)}).Info("Image annotated")

	return &Result{
		Format:     format,
		Original:   original,
		Annotated:  annotate.Plot(pixels, dets),
		Detections: dets,
		Findings:   findings,
	}, nil
}

// Decode reads one image from disk. Any failure is reported as ErrDecode.
func Decode(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}
	return img, format, nil
}
