// Package video streams a clip frame by frame through a detector and re-encodes it
// with the source's frame rate and resolution.
package video

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/wallsight/internal/types"
)

// Codec is the fixed output encoding. Output is always MPEG-4 Part 2 in an .mp4
// container, whatever the input's codec.
const Codec = "mpeg4"

var (
	// ErrInputOpen means the source could not be opened for decoding.
	ErrInputOpen = errors.New("cannot open input video")
	// ErrSinkOpen means the output could not be created.
	ErrSinkOpen = errors.New("cannot open output video")
	// ErrFrameRead means a frame read failed before the end of the stream.
	ErrFrameRead = errors.New("frame read failed")
	// ErrInference means the detector failed on a frame.
	ErrInference = errors.New("inference failed")
)

// Source yields decoded frames in stream order. Next returns io.EOF at the clean end of
// the stream; any other error is a read failure.
type Source interface {
	Descriptor() types.StreamDescriptor
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// Sink encodes frames. Close finalizes the container and must be called exactly once
// the caller is done, whatever happened before.
type Sink interface {
	Write(frame types.Frame) error
	Close() error
}

// Recycler is implemented by sources that pool frame buffers.
type Recycler interface {
	Recycle(frame types.Frame)
}

// Opener creates sources and sinks.
type Opener interface {
	OpenSource(ctx context.Context, path string) (Source, error)
	OpenSink(ctx context.Context, path string, desc types.StreamDescriptor, codec string) (Sink, error)
}

// OpenError reports a fatal failure before any frame was processed.
type OpenError struct {
	Stage string // "source" or "sink"
	Path  string
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrInputOpen / ErrSinkOpen by stage.
func (e *OpenError) Is(target error) bool {
	switch target {
	case ErrInputOpen:
		return e.Stage == "source"
	case ErrSinkOpen:
		return e.Stage == "sink"
	}
	return false
}

// StopError reports that the frame loop ended before the end of the stream.
// Frames 0..Frame-1 were written and the output was finalized.
type StopError struct {
	Frame int
	Cause error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("processing stopped early at frame %d: %v", e.Frame, e.Cause)
}

func (e *StopError) Unwrap() error {
	return e.Cause
}

// Report describes a finished (or early-stopped) transcode.
type Report struct {
	OutputPath    string
	Descriptor    types.StreamDescriptor
	FramesWritten int
}
