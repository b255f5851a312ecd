package types

import "image"

// BBox is an axis-aligned box in pixel coordinates of the frame it was computed on.
type BBox struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Rect converts the box to an image.Rectangle (canonicalized).
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X0, b.Y0, b.X1, b.Y1)
}

// Detection is one category instance the engine found in a frame.
type Detection struct {
	ClassID    int     `json:"class_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"box"`
}

// Frame is a single decoded frame. Index is its 0-based position in the stream.
type Frame struct {
	Image *image.RGBA
	Index int
}

// StreamDescriptor holds the playback parameters read from a source at open time.
type StreamDescriptor struct {
	FPS    float64 `json:"fps"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// FrameSize is the byte length of one raw RGBA frame.
func (d StreamDescriptor) FrameSize() int {
	return d.Width * d.Height * 4
}

// ErrorResult captures the error object returned by an inference service on failure
type ErrorResult struct {
	Error string `json:"error"`
}
