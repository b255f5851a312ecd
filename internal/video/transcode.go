package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andresmejia3/wallsight/internal/annotate"
	"github.com/andresmejia3/wallsight/internal/detector"
	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/sirupsen/logrus"
)

// ReadErrorPolicy decides what a failed frame read means.
type ReadErrorPolicy int

const (
	// ReadErrorFail finalizes the output and returns a *StopError wrapping ErrFrameRead.
	ReadErrorFail ReadErrorPolicy = iota
	// ReadErrorStop treats a read failure like the end of the stream.
	ReadErrorStop
)

// Transcoder runs the read → detect → draw → write loop.
type Transcoder struct {
	Detector  detector.Detector
	Opener    Opener
	Threshold float64
	// Workers > 1 overlaps decoding, inference and encoding. Output order is unchanged.
	Workers    int
	ReadErrors ReadErrorPolicy
	// Progress, if set, is called after each frame is written with the count so far.
	Progress func(written int)
}

// Run transcodes inputPath into outputPath. The returned Report is non-nil whenever
// both ends were opened, including when a *StopError is returned.
func (t *Transcoder) Run(ctx context.Context, inputPath, outputPath string) (rep *Report, err error) {
	opener := t.Opener
	if opener == nil {
		opener = FFmpegOpener{}
	}
	log := logrus.WithFields(logrus.Fields{"function": "Transcoder.Run", "input": inputPath, "output": outputPath})

	src, err := opener.OpenSource(ctx, inputPath)
	if err != nil {
		return nil, &OpenError{Stage: "source", Path: inputPath, Err: err}
	}
	// Read once; never re-read.
	desc := src.Descriptor()

	sink, err := opener.OpenSink(ctx, outputPath, desc, Codec)
	if err != nil {
		src.Close()
		return nil, &OpenError{Stage: "sink", Path: outputPath, Err: err}
	}

	rep = &Report{OutputPath: outputPath, Descriptor: desc}

	// Release both ends on every exit path, source first, so the container index is written.
	defer func() {
		if r := recover(); r != nil {
			src.Close()
			sink.Close()
			panic(r)
		}
		if cerr := src.Close(); cerr != nil {
			log.WithError(cerr).Warn("Closing source failed")
		}
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("finalize output: %w", cerr)
		}
		log.WithFields(logrus.Fields{"frames": rep.FramesWritten}).Info("Video finalized")
	}()

	log.WithFields(logrus.Fields{
		"fps":     desc.FPS,
		"width":   desc.Width,
		"height":  desc.Height,
		"workers": t.Workers,
	}).Info("Transcoding video")

	if t.Workers > 1 {
		return rep, t.runPipelined(ctx, src, sink, rep)
	}
	return rep, t.runSequential(ctx, src, sink, rep)
}

func (t *Transcoder) runSequential(ctx context.Context, src Source, sink Sink, rep *Report) error {
	for idx := 0; ; idx++ {
		frame, err := src.Next(ctx)
		if err != nil {
			return t.readFailure(ctx, idx, err)
		}
		if err := ctx.Err(); err != nil {
			return &StopError{Frame: idx, Cause: err}
		}
		if err := t.annotateFrame(ctx, frame); err != nil {
			return &StopError{Frame: idx, Cause: err}
		}
		if err := t.write(src, sink, frame, rep); err != nil {
			return &StopError{Frame: idx, Cause: err}
		}
	}
}

// readFailure maps a Next error: nil for the end of the stream (or a tolerated read error).
func (t *Transcoder) readFailure(ctx context.Context, idx int, err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &StopError{Frame: idx, Cause: ctxErr}
	}
	if t.ReadErrors == ReadErrorStop {
		logrus.WithFields(logrus.Fields{
			"function": "Transcoder.readFailure",
			"frame":    idx,
		}).WithError(err).Warn("Frame read failed, treating as end of stream")
		return nil
	}
	return &StopError{Frame: idx, Cause: fmt.Errorf("%w: %w", ErrFrameRead, err)}
}

// annotateFrame detects and draws in place. Detections are dropped afterwards.
func (t *Transcoder) annotateFrame(ctx context.Context, frame types.Frame) error {
	dets, err := t.Detector.Detect(ctx, detector.Input{Image: frame.Image, Quiet: true}, t.Threshold)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInference, err)
	}
	annotate.Draw(frame.Image, dets)
	return nil
}

func (t *Transcoder) write(src Source, sink Sink, frame types.Frame, rep *Report) error {
	if err := sink.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	rep.FramesWritten++
	if r, ok := src.(Recycler); ok {
		r.Recycle(frame)
	}
	if t.Progress != nil {
		t.Progress(rep.FramesWritten)
	}
	return nil
}

// InFlightLimit is the most frames the pipelined mode holds at once, decoded but not yet written.
func (t *Transcoder) InFlightLimit() int {
	return 2 * t.Workers
}

type frameResult struct {
	frame types.Frame
	err   error
}

type readStatus struct {
	frame int
	err   error
}

// runPipelined decodes on one goroutine, runs inference on t.Workers goroutines and
// writes from the calling goroutine in strict frame order.
func (t *Transcoder) runPipelined(parent context.Context, src Source, sink Sink, rep *Report) (err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	tasks := make(chan types.Frame, t.Workers)
	results := make(chan frameResult, t.Workers)
	readDone := make(chan readStatus, 1)
	// One slot per decoded frame until it is written, so a slow frame cannot pile up the rest
	inFlight := make(chan struct{}, t.InFlightLimit())

	// Reader
	go func() {
		defer close(tasks)
		for idx := 0; ; idx++ {
			select {
			case inFlight <- struct{}{}:
			case <-ctx.Done():
				return
			}
			frame, err := src.Next(ctx)
			if err != nil {
				readDone <- readStatus{frame: idx, err: err}
				return
			}
			select {
			case tasks <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Inference workers
	var wg sync.WaitGroup
	for i := 0; i < t.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var frame types.Frame
				var ok bool
				select {
				case frame, ok = <-tasks:
					if !ok {
						return
					}
				case <-ctx.Done():
					return
				}
				res := frameResult{frame: frame, err: t.annotateFrame(ctx, frame)}
				select {
				case results <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Writer: buffer for re-ordering frames (worker 2 might finish before worker 1)
	buffer := make(map[int]frameResult)
	next := 0
	var stop error
	for res := range results {
		if stop != nil {
			continue // Drain so workers can exit
		}
		buffer[res.frame.Index] = res
		for {
			r, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			if r.err != nil {
				stop = &StopError{Frame: next, Cause: r.err}
				break
			}
			if err := t.write(src, sink, r.frame, rep); err != nil {
				stop = &StopError{Frame: next, Cause: err}
				break
			}
			<-inFlight
			next++
		}
		if stop != nil {
			cancel()
		}
	}
	if stop != nil {
		return stop
	}
	if err := parent.Err(); err != nil {
		return &StopError{Frame: next, Cause: err}
	}

	st := <-readDone
	return t.readFailure(parent, st.frame, st.err)
}
