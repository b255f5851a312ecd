package video

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/wallsight/internal/annotate"
	"github.com/andresmejia3/wallsight/internal/detector"
	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSource yields n frames whose every byte is byte(index+1).
type memSource struct {
	desc   types.StreamDescriptor
	n      int
	failAt int // read index that fails; -1 never
	idx    int
	events *[]string
	mu     sync.Mutex
	closed bool
}

func (s *memSource) Descriptor() types.StreamDescriptor { return s.desc }

func (s *memSource) Next(ctx context.Context) (types.Frame, error) {
	if s.idx == s.failAt {
		return types.Frame{}, errors.New("corrupt packet")
	}
	if s.idx >= s.n {
		return types.Frame{}, io.EOF
	}
	img := image.NewRGBA(image.Rect(0, 0, s.desc.Width, s.desc.Height))
	for i := range img.Pix {
		img.Pix[i] = byte(s.idx + 1)
	}
	f := types.Frame{Image: img, Index: s.idx}
	s.idx++
	return f, nil
}

func (s *memSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	*s.events = append(*s.events, "source-close")
	return nil
}

// memSink keeps a copy of every frame it receives.
type memSink struct {
	desc   types.StreamDescriptor
	codec  string
	frames [][]byte
	events *[]string
	closed int
}

func (s *memSink) Write(f types.Frame) error {
	s.frames = append(s.frames, append([]byte(nil), f.Image.Pix...))
	return nil
}

func (s *memSink) Close() error {
	s.closed++
	*s.events = append(*s.events, "sink-close")
	return nil
}

type memOpener struct {
	src        *memSource
	sink       *memSink
	events     []string
	sourceErr  error
	sinkErr    error
	sinkOpened bool
}

func newMemOpener(n int, desc types.StreamDescriptor) *memOpener {
	o := &memOpener{}
	o.src = &memSource{desc: desc, n: n, failAt: -1, events: &o.events}
	return o
}

func (o *memOpener) OpenSource(ctx context.Context, path string) (Source, error) {
	if o.sourceErr != nil {
		return nil, o.sourceErr
	}
	return o.src, nil
}

func (o *memOpener) OpenSink(ctx context.Context, path string, desc types.StreamDescriptor, codec string) (Sink, error) {
	o.sinkOpened = true
	if o.sinkErr != nil {
		return nil, o.sinkErr
	}
	o.sink = &memSink{desc: desc, codec: codec, events: &o.events}
	return o.sink, nil
}

var vga = types.StreamDescriptor{FPS: 30, Width: 640, Height: 480}

func TestTranscodeNoDetectionsKeepsFramesIntact(t *testing.T) {
	opener := newMemOpener(10, vga)
	tr := &Transcoder{Detector: &detector.Static{}, Opener: opener, Threshold: detector.DefaultThreshold}

	rep, err := tr.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)

	assert.Equal(t, 10, rep.FramesWritten)
	assert.Equal(t, vga, rep.Descriptor)
	assert.Equal(t, vga, opener.sink.desc, "sink must be opened with the source descriptor")
	assert.Equal(t, Codec, opener.sink.codec)
	require.Len(t, opener.sink.frames, 10)
	for i, pix := range opener.sink.frames {
		assert.True(t, bytes.Equal(pix, bytes.Repeat([]byte{byte(i + 1)}, vga.FrameSize())), "frame %d modified or out of order", i)
	}
	assert.Equal(t, []string{"source-close", "sink-close"}, opener.events)
}

func TestTranscodeInferenceFailureFinalizesOutput(t *testing.T) {
	boom := errors.New("engine exploded")
	opener := newMemOpener(10, vga)
	tr := &Transcoder{Detector: detector.FailingAt(5, boom), Opener: opener, Threshold: 0.25}

	rep, err := tr.Run(context.Background(), "in.mp4", "out.mp4")

	var stop *StopError
	require.True(t, errors.As(err, &stop))
	assert.Equal(t, 5, stop.Frame)
	assert.ErrorIs(t, err, ErrInference)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stopped early at frame 5")

	require.NotNil(t, rep)
	assert.Equal(t, 5, rep.FramesWritten)
	assert.Len(t, opener.sink.frames, 5)
	assert.Equal(t, 1, opener.sink.closed)
	assert.Equal(t, []string{"source-close", "sink-close"}, opener.events)
}

func TestTranscodeReadErrorPolicies(t *testing.T) {
	t.Run("fail", func(t *testing.T) {
		opener := newMemOpener(10, vga)
		opener.src.failAt = 3
		tr := &Transcoder{Detector: &detector.Static{}, Opener: opener}

		rep, err := tr.Run(context.Background(), "in.mp4", "out.mp4")
		var stop *StopError
		require.True(t, errors.As(err, &stop))
		assert.Equal(t, 3, stop.Frame)
		assert.ErrorIs(t, err, ErrFrameRead)
		assert.Equal(t, 3, rep.FramesWritten)
		assert.Equal(t, 1, opener.sink.closed)
	})

	t.Run("stop", func(t *testing.T) {
		opener := newMemOpener(10, vga)
		opener.src.failAt = 3
		tr := &Transcoder{Detector: &detector.Static{}, Opener: opener, ReadErrors: ReadErrorStop}

		rep, err := tr.Run(context.Background(), "in.mp4", "out.mp4")
		require.NoError(t, err)
		assert.Equal(t, 3, rep.FramesWritten)
		assert.Equal(t, 1, opener.sink.closed)
	})
}

func TestTranscodeEmptyStream(t *testing.T) {
	opener := newMemOpener(0, vga)
	tr := &Transcoder{Detector: &detector.Static{}, Opener: opener}

	rep, err := tr.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.FramesWritten)
	assert.Equal(t, vga, opener.sink.desc)
	assert.Equal(t, 1, opener.sink.closed)
}

func TestTranscodeOpenFailures(t *testing.T) {
	t.Run("source", func(t *testing.T) {
		opener := newMemOpener(1, vga)
		opener.sourceErr = errors.New("moov atom not found")
		rep, err := (&Transcoder{Detector: &detector.Static{}, Opener: opener}).Run(context.Background(), "in.mp4", "out.mp4")

		assert.Nil(t, rep)
		assert.ErrorIs(t, err, ErrInputOpen)
		assert.NotErrorIs(t, err, ErrSinkOpen)
		assert.False(t, opener.sinkOpened, "sink must not be opened when the source fails")
	})

	t.Run("sink", func(t *testing.T) {
		opener := newMemOpener(1, vga)
		opener.sinkErr = errors.New("permission denied")
		static := &detector.Static{}
		rep, err := (&Transcoder{Detector: static, Opener: opener}).Run(context.Background(), "in.mp4", "/ro/out.mp4")

		assert.Nil(t, rep)
		assert.ErrorIs(t, err, ErrSinkOpen)
		assert.True(t, opener.src.closed, "source must be released when the sink fails")
		assert.Equal(t, 0, static.Calls(), "no frame may be processed")
	})
}

func TestTranscodeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opener := newMemOpener(10, vga)
	tr := &Transcoder{
		Detector: &detector.Static{},
		Opener:   opener,
		Progress: func(written int) {
			if written == 2 {
				cancel()
			}
		},
	}

	rep, err := tr.Run(ctx, "in.mp4", "out.mp4")
	var stop *StopError
	require.True(t, errors.As(err, &stop))
	assert.Equal(t, 2, stop.Frame)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, rep.FramesWritten)
	assert.Equal(t, 1, opener.sink.closed)
}

func TestTranscodeDrawsDetections(t *testing.T) {
	opener := newMemOpener(1, types.StreamDescriptor{FPS: 25, Width: 100, Height: 100})
	det := types.Detection{Label: "wall_mold", Confidence: 0.9, Box: types.BBox{X0: 20, Y0: 40, X1: 80, Y1: 90}}
	tr := &Transcoder{Detector: &detector.Static{Detections: []types.Detection{det}}, Opener: opener, Threshold: 0.25}

	_, err := tr.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)

	out := &image.RGBA{Pix: opener.sink.frames[0], Stride: 400, Rect: image.Rect(0, 0, 100, 100)}
	assert.Equal(t, annotate.ColorFor("wall_mold"), out.RGBAAt(20, 70), "left edge of the box")
	assert.Equal(t, byte(1), out.Pix[out.PixOffset(50, 70)], "interior untouched")
}

type panicDetector struct{}

func (panicDetector) Detect(ctx context.Context, in detector.Input, threshold float64) ([]types.Detection, error) {
	panic("segfault in engine")
}
func (panicDetector) Close() error { return nil }

func TestTranscodePanicStillFinalizes(t *testing.T) {
	opener := newMemOpener(3, vga)
	tr := &Transcoder{Detector: panicDetector{}, Opener: opener}

	assert.Panics(t, func() { tr.Run(context.Background(), "in.mp4", "out.mp4") })
	assert.True(t, opener.src.closed)
	assert.Equal(t, 1, opener.sink.closed)
}

// jitterDetector finishes frames out of order.
type jitterDetector struct{}

func (jitterDetector) Detect(ctx context.Context, in detector.Input, threshold float64) ([]types.Detection, error) {
	time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	return nil, nil
}
func (jitterDetector) Close() error { return nil }

func TestTranscodePipelinedPreservesOrder(t *testing.T) {
	desc := types.StreamDescriptor{FPS: 24, Width: 8, Height: 8}
	opener := newMemOpener(60, desc)
	tr := &Transcoder{Detector: jitterDetector{}, Opener: opener, Workers: 4}

	rep, err := tr.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)
	assert.Equal(t, 60, rep.FramesWritten)
	for i, pix := range opener.sink.frames {
		assert.Equal(t, byte(i+1), pix[0], "frame %d out of order", i)
	}
	assert.Equal(t, []string{"source-close", "sink-close"}, opener.events)
}

func TestTranscodePipelinedFailure(t *testing.T) {
	desc := types.StreamDescriptor{FPS: 24, Width: 8, Height: 8}
	boom := errors.New("boom")
	opener := newMemOpener(30, desc)
	fail := &detector.Static{Func: func(_ int, in detector.Input) ([]types.Detection, error) {
		// Fail on the frame whose pixels mark it as index 7
		if in.Image.Pix[0] == 8 {
			return nil, boom
		}
		return nil, nil
	}}
	tr := &Transcoder{Detector: fail, Opener: opener, Workers: 3}

	rep, err := tr.Run(context.Background(), "in.mp4", "out.mp4")
	var stop *StopError
	require.True(t, errors.As(err, &stop))
	assert.Equal(t, 7, stop.Frame)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 7, rep.FramesWritten)
	assert.Equal(t, 1, opener.sink.closed)
}

func TestTranscodePipelinedReadError(t *testing.T) {
	desc := types.StreamDescriptor{FPS: 24, Width: 8, Height: 8}
	opener := newMemOpener(30, desc)
	opener.src.failAt = 12
	tr := &Transcoder{Detector: &detector.Static{}, Opener: opener, Workers: 2}

	rep, err := tr.Run(context.Background(), "in.mp4", "out.mp4")
	var stop *StopError
	require.True(t, errors.As(err, &stop))
	assert.Equal(t, 12, stop.Frame)
	assert.ErrorIs(t, err, ErrFrameRead)
	assert.Equal(t, 12, rep.FramesWritten)
}

// residentOpener counts frames that were decoded but not yet handed to the sink.
type residentOpener struct {
	*memOpener
	live, peak atomic.Int32
}

type residentSource struct {
	*memSource
	o *residentOpener
}

func (s residentSource) Next(ctx context.Context) (types.Frame, error) {
	f, err := s.memSource.Next(ctx)
	if err == nil {
		n := s.o.live.Add(1)
		for {
			p := s.o.peak.Load()
			if n <= p || s.o.peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	return f, err
}

type residentSink struct {
	*memSink
	o *residentOpener
}

func (s residentSink) Write(f types.Frame) error {
	s.o.live.Add(-1)
	return s.memSink.Write(f)
}

func (o *residentOpener) OpenSource(ctx context.Context, path string) (Source, error) {
	src, err := o.memOpener.OpenSource(ctx, path)
	if err != nil {
		return nil, err
	}
	return residentSource{memSource: src.(*memSource), o: o}, nil
}

func (o *residentOpener) OpenSink(ctx context.Context, path string, desc types.StreamDescriptor, codec string) (Sink, error) {
	sink, err := o.memOpener.OpenSink(ctx, path, desc, codec)
	if err != nil {
		return nil, err
	}
	return residentSink{memSink: sink.(*memSink), o: o}, nil
}

func TestTranscodePipelinedBoundsResidentFrames(t *testing.T) {
	desc := types.StreamDescriptor{FPS: 24, Width: 4, Height: 4}
	opener := &residentOpener{memOpener: newMemOpener(200, desc)}
	// Frame 0 is slow, so every other worker races ahead of the writer
	slowFirst := &detector.Static{Func: func(_ int, in detector.Input) ([]types.Detection, error) {
		if in.Image.Pix[0] == 1 {
			time.Sleep(50 * time.Millisecond)
		}
		return nil, nil
	}}
	tr := &Transcoder{Detector: slowFirst, Opener: opener, Workers: 4}

	rep, err := tr.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)
	assert.Equal(t, 200, rep.FramesWritten)
	assert.LessOrEqual(t, int(opener.peak.Load()), tr.InFlightLimit())
	assert.Equal(t, int32(0), opener.live.Load())
	for i, pix := range opener.sink.frames {
		require.Equal(t, byte(i+1), pix[0], "frame %d out of order", i)
	}
}
