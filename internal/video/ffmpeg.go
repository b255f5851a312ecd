package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/andresmejia3/wallsight/internal/utils"
	"github.com/sirupsen/logrus"
)

// frameBufferPool recycles raw RGBA frame buffers to reduce GC pressure while streaming.
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, 1024*1024) },
}

// FFmpegOpener decodes and encodes through ffmpeg subprocesses, probing with ffprobe.
type FFmpegOpener struct {
	FFmpeg  string // defaults to "ffmpeg"
	FFprobe string // defaults to "ffprobe"
}

func (o FFmpegOpener) ffmpeg() string {
	if o.FFmpeg == "" {
		return "ffmpeg"
	}
	return o.FFmpeg
}

func (o FFmpegOpener) ffprobe() string {
	if o.FFprobe == "" {
		return "ffprobe"
	}
	return o.FFprobe
}

// DecoderArgs builds the ffmpeg arguments that stream raw RGBA frames to stdout.
// Frames are passed through without duplication or dropping so the count matches the input.
func DecoderArgs(inputPath string) []string {
	// Added -hide_banner and -loglevel error to prevent memory bloat in stderr buffer
	return []string{"-hide_banner", "-loglevel", "error", "-i", inputPath,
		"-map", "0:v:0", "-an", "-vsync", "0", "-f", "rawvideo", "-pix_fmt", "rgba", "-"}
}

// EncoderArgs builds the ffmpeg arguments that read raw RGBA frames from stdin and
// write outputPath with exactly the given rate and size.
func EncoderArgs(outputPath string, desc types.StreamDescriptor, codec string) []string {
	rate := strconv.FormatFloat(desc.FPS, 'f', -1, 64)
	size := fmt.Sprintf("%dx%d", desc.Width, desc.Height)
	return []string{"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba", "-s", size, "-r", rate, "-i", "-",
		"-an", "-c:v", codec, "-q:v", "3", "-pix_fmt", "yuv420p", "-r", rate,
		"-f", "mp4", outputPath}
}

// OpenSource probes the file and starts the decoder.
func (o FFmpegOpener) OpenSource(ctx context.Context, path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%s is not a non-empty file", path)
	}

	desc, err := Probe(ctx, o.ffprobe(), path)
	if err != nil {
		return nil, err
	}

	decoder := utils.NewSafeCommand(ctx, o.ffmpeg(), DecoderArgs(path)...)
	out, err := decoder.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := decoder.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSource",
		"path":     path,
		"fps":      desc.FPS,
		"width":    desc.Width,
		"height":   desc.Height,
	}).Debug("Decoder started")

	return &ffmpegSource{desc: desc, cmd: decoder, out: out}, nil
}

type ffmpegSource struct {
	desc types.StreamDescriptor
	cmd  *utils.SafeCommand
	out  io.ReadCloser
	idx  int

	waitOnce sync.Once
	waitErr  error
}

func (s *ffmpegSource) Descriptor() types.StreamDescriptor { return s.desc }

// Next reads exactly one frame. io.ReadFull absorbs short pipe reads; a partial
// frame at the end is a read error, not an end of stream.
func (s *ffmpegSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	frameSize := s.desc.FrameSize()
	buf := frameBufferPool.Get().([]byte)
	if cap(buf) < frameSize {
		buf = make([]byte, frameSize)
	}
	buf = buf[:frameSize]

	n, err := io.ReadFull(s.out, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		frameBufferPool.Put(buf)
		// Clean EOF on the pipe is only a clean end if the decoder exited cleanly.
		if werr := s.wait(); werr != nil {
			return types.Frame{}, fmt.Errorf("decoder exited: %w: %s", werr, s.cmd.Logs())
		}
		return types.Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		frameBufferPool.Put(buf)
		return types.Frame{}, fmt.Errorf("truncated frame %d: got %d of %d bytes", s.idx, n, frameSize)
	default:
		frameBufferPool.Put(buf)
		return types.Frame{}, err
	}

	frame := types.Frame{
		Image: &image.RGBA{
			Pix:    buf,
			Stride: s.desc.Width * 4,
			Rect:   image.Rect(0, 0, s.desc.Width, s.desc.Height),
		},
		Index: s.idx,
	}
	s.idx++
	return frame, nil
}

// Recycle returns a written frame's buffer to the pool.
func (s *ffmpegSource) Recycle(frame types.Frame) {
	if frame.Image != nil {
		frameBufferPool.Put(frame.Image.Pix)
	}
}

func (s *ffmpegSource) wait() error {
	s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
	return s.waitErr
}

// Close stops the decoder. Stopping early kills ffmpeg, so its exit status is not reported.
func (s *ffmpegSource) Close() error {
	s.out.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.wait()
	return nil
}

// OpenSink checks the output is writable and starts the encoder.
func (o FFmpegOpener) OpenSink(ctx context.Context, path string, desc types.StreamDescriptor, codec string) (Sink, error) {
	if desc.Width <= 0 || desc.Height <= 0 || desc.FPS <= 0 {
		return nil, fmt.Errorf("invalid stream descriptor %+v", desc)
	}
	// ffmpeg only reports an unwritable output once frames arrive; fail fast instead.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	f.Close()

	// The encoder must outlive cancellation long enough to finalize the container.
	encoder := utils.NewSafeCommand(context.WithoutCancel(ctx), o.ffmpeg(), EncoderArgs(path, desc, codec)...)
	in, err := encoder.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := encoder.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}
	return &ffmpegSink{desc: desc, cmd: encoder, in: in}, nil
}

type ffmpegSink struct {
	desc types.StreamDescriptor
	cmd  *utils.SafeCommand
	in   io.WriteCloser

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegSink) Write(frame types.Frame) error {
	b := frame.Image.Bounds()
	if b.Dx() != s.desc.Width || b.Dy() != s.desc.Height {
		return fmt.Errorf("frame %d is %dx%d, sink expects %dx%d", frame.Index, b.Dx(), b.Dy(), s.desc.Width, s.desc.Height)
	}
	if _, err := s.in.Write(packed(frame.Image)); err != nil {
		return fmt.Errorf("encoder write: %w: %s", err, s.cmd.Logs())
	}
	return nil
}

// Close flushes stdin and waits for ffmpeg to write the container index.
func (s *ffmpegSink) Close() error {
	s.closeOnce.Do(func() {
		s.in.Close()
		if err := s.cmd.Wait(); err != nil {
			s.closeErr = fmt.Errorf("encoder process failed: %w: %s", err, s.cmd.Logs())
		}
	})
	return s.closeErr
}

func packed(img *image.RGBA) []byte {
	rowLen := img.Rect.Dx() * 4
	if img.Stride == rowLen && len(img.Pix) == rowLen*img.Rect.Dy() {
		return img.Pix
	}
	out := make([]byte, 0, rowLen*img.Rect.Dy())
	for y := 0; y < img.Rect.Dy(); y++ {
		start := y * img.Stride
		out = append(out, img.Pix[start:start+rowLen]...)
	}
	return out
}
