// Package media classifies an uploaded artifact by its declared type and hands it to the
// image or video pipeline.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/wallsight/internal/imaging"
	"github.com/andresmejia3/wallsight/internal/video"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnsupportedMediaType is returned in strict mode for types that are neither image nor video.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrEmptyInput means the materialized file is missing or has no bytes.
	ErrEmptyInput = errors.New("input file is missing or empty")
)

// Kind is the pipeline an artifact is routed to.
type Kind int

const (
	Unsupported Kind = iota
	Image
	Video
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Video:
		return "video"
	default:
		return "unsupported"
	}
}

// Classify maps a declared media type to a Kind by substring, checking "image" first.
func Classify(declaredType string) Kind {
	t := strings.ToLower(declaredType)
	switch {
	case strings.Contains(t, "image"):
		return Image
	case strings.Contains(t, "video"):
		return Video
	default:
		return Unsupported
	}
}

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
}

// AllowedExtension reports whether uploads with this file name are accepted.
func AllowedExtension(name string) bool {
	_, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]
	return ok
}

// TypeFromName guesses a media type from a file name, for callers that were not given one.
func TypeFromName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// Upload is the raw artifact as received from a client.
type Upload struct {
	Body         io.Reader
	Filename     string
	DeclaredType string
}

// Materialize writes the upload to a uniquely named file in dir (os.TempDir() when empty),
// keeping the original extension so decoders can sniff the container. The caller removes it.
func Materialize(up Upload, dir string) (string, error) {
	ext := strings.ToLower(filepath.Ext(up.Filename))
	f, err := os.CreateTemp(dir, "wallsight-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(f, up.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to persist upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to persist upload: %w", err)
	}
	return f.Name(), nil
}

// OutputAllocator hands out writable, unique paths for annotated videos.
type OutputAllocator interface {
	Allocate() (string, error)
}

// TempOutputs allocates <Dir>/wallsight-<uuid>.mp4 paths. The zero value uses os.TempDir().
type TempOutputs struct {
	Dir string
}

func (t TempOutputs) Allocate() (string, error) {
	dir := t.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	return filepath.Join(dir, "wallsight-"+uuid.NewString()+".mp4"), nil
}

// FixedOutput always allocates the same path. The CLI uses it for an explicit -o.
type FixedOutput string

func (f FixedOutput) Allocate() (string, error) {
	return string(f), nil
}

// Artifact is the annotated result of one request. Exactly one of Image and Video is set.
type Artifact struct {
	Kind  Kind
	Image *imaging.Result
	Video *video.Report
}

// Router dispatches a materialized file to the matching pipeline. It keeps no state
// between calls.
type Router struct {
	Image   *imaging.Pipeline
	Video   *video.Transcoder
	Outputs OutputAllocator
	// Strict turns unsupported types into ErrUnsupportedMediaType instead of a silent no-op.
	Strict bool
}

// Process routes path by declaredType. For an unsupported type it returns (nil, nil) unless
// the router is strict. A video that stops early returns both the partial Artifact
// and the *video.StopError.
func (r *Router) Process(ctx context.Context, path, declaredType string, threshold float64) (*Artifact, error) {
	log := logrus.WithFields(logrus.Fields{"function": "Router.Process", "path": path, "type": declaredType})

	kind := Classify(declaredType)
	if kind == Unsupported {
		if r.Strict {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, declaredType)
		}
		log.Warn("Unsupported media type, nothing to do")
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyInput, path)
	}

	switch kind {
	case Image:
		if r.Image == nil {
			return nil, fmt.Errorf("%w: no image pipeline configured", ErrUnsupportedMediaType)
		}
		p := *r.Image
		p.Threshold = threshold
		res, err := p.Process(ctx, path)
		if err != nil {
			return nil, err
		}
		return &Artifact{Kind: Image, Image: res}, nil

	default:
		if r.Video == nil {
			return nil, fmt.Errorf("%w: no video pipeline configured", ErrUnsupportedMediaType)
		}
		outputs := r.Outputs
		if outputs == nil {
			outputs = TempOutputs{}
		}
		out, err := outputs.Allocate()
		if err != nil {
			return nil, err
		}
		t := *r.Video
		t.Threshold = threshold
		rep, err := t.Run(ctx, path, out)
		if rep == nil {
			return nil, err
		}
		return &Artifact{Kind: Video, Video: rep}, err
	}
}
