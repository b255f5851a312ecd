package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/andresmejia3/wallsight/internal/utils"
	"github.com/sirupsen/logrus"
)

// Wire protocol, both directions: [uint32 big-endian length][payload].
//
// Request payload:  [kind:1][flags:1][threshold:float32] then
//
//	kind 0 (path):  [path bytes...]
//	kind 1 (frame): [width:uint32][height:uint32][RGBA pixels...]
//
// Response payload: [status:1] then
//
//	status 0 (ok):    [count:uint32] count x {[class:int32][conf:float32][x0,y0,x1,y1:int32][labelLen:uint16][label]}
//	status 1 (error): [msgLen:uint32][msg]
//	status 2 (ready): [count:uint32] count x {[nameLen:uint16][name]}
const (
	kindPath  byte = 0
	kindFrame byte = 1

	flagQuiet byte = 1 << 0

	statusOK    byte = 0
	statusError byte = 1
	statusReady byte = 2
)

// ErrWorkerBroken is returned once a worker has been killed after a timeout or cancellation.
var ErrWorkerBroken = errors.New("python worker is no longer usable")

// PythonConfig configures the inference subprocess.
type PythonConfig struct {
	// Command is the interpreter invocation, e.g. ["python3", "-u", "python/worker.py"].
	Command []string
	// ModelPath is passed to the worker as --model.
	ModelPath string
	// StartupTimeout bounds model loading.
	StartupTimeout time.Duration
	// ReadTimeout bounds a single Detect call. Zero disables it.
	ReadTimeout time.Duration
}

// PythonWorker drives one long-lived inference process. Calls are serialized:
// the protocol allows a single request in flight.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	classNames  []string

	mu     sync.Mutex
	broken bool
}

// NewPythonWorker starts the worker process and blocks until it reports the model is loaded.
func NewPythonWorker(ctx context.Context, id int, cfg PythonConfig) (*PythonWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker %d: empty command", id)
	}
	args := append([]string{}, cfg.Command[1:]...)
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}

	// The process lives as long as the worker, not the startup context.
	py := utils.NewSafeCommand(context.WithoutCancel(ctx), cfg.Command[0], args...)

	// Create a side-channel pipe (FD 3) for clean data transfer; stdout stays free for library chatter.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	worker := &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}

	startup := cfg.StartupTimeout
	if startup <= 0 {
		startup = 2 * time.Minute
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewPythonWorker",
		"worker":   id,
		"model":    cfg.ModelPath,
	}).Info("Waiting for detection model to load")

	names, err := worker.awaitReady(ctx, startup)
	if err != nil {
		worker.kill()
		worker.Close()
		// Close reaps the process, so stderr is complete here
		if logs := strings.TrimSpace(py.Logs()); logs != "" {
			return nil, fmt.Errorf("worker %d did not become ready: %w\n%s", id, err, logs)
		}
		return nil, fmt.Errorf("worker %d did not become ready: %w", id, err)
	}
	worker.classNames = names

	logrus.WithFields(logrus.Fields{
		"function": "NewPythonWorker",
		"worker":   id,
		"classes":  len(names),
	}).Info("Detection worker ready")
	return worker, nil
}

// ClassNames returns the label set the loaded model reports.
func (w *PythonWorker) ClassNames() []string {
	return append([]string(nil), w.classNames...)
}

// Detect sends one image path or frame to the worker and decodes its detections.
func (w *PythonWorker) Detect(ctx context.Context, in Input, threshold float64) ([]types.Detection, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	req := encodeRequest(in, threshold)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return nil, ErrWorkerBroken
	}

	resp, err := w.roundTrip(ctx, req, w.readTimeout)
	if err != nil {
		return nil, err
	}
	dets, err := decodeResponse(resp)
	if err != nil {
		return nil, err
	}
	if !in.Quiet {
		logrus.WithFields(logrus.Fields{
			"function":   "PythonWorker.Detect",
			"worker":     w.ID,
			"detections": len(dets),
		}).Debug("Frame analyzed")
	}
	return dets, nil
}

// roundTrip runs Communicate under ctx and an optional timeout. A call abandoned
// mid-protocol leaves the pipes out of sync, so the process is killed.
func (w *PythonWorker) roundTrip(ctx context.Context, req []byte, timeout time.Duration) ([]byte, error) {
	if ctx.Done() == nil && timeout <= 0 {
		return w.Communicate(req)
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.Communicate(req)
		done <- result{body, err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-done:
		return res.body, res.err
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	case <-timer:
		w.kill()
		return nil, fmt.Errorf("worker %d timed out after %s", w.ID, timeout)
	}
}

func (w *PythonWorker) awaitReady(ctx context.Context, timeout time.Duration) ([]string, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.readFrame()
		done <- result{body, err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err // This is where we catch the "ModuleNotFoundError" crash
		}
		return decodeReady(res.body)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, fmt.Errorf("model load timed out after %s", timeout)
	}
}

// Communicate writes one length-prefixed request and reads one length-prefixed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return w.readFrame()
}

func (w *PythonWorker) readFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}
	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Broken reports whether the worker was killed after an abandoned call.
func (w *PythonWorker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

func (w *PythonWorker) kill() {
	w.broken = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Close stops the worker and reaps the process.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	if w.broken {
		// Killed on purpose; the exit status is noise.
		return nil
	}
	return err
}

func encodeRequest(in Input, threshold float64) []byte {
	var buf bytes.Buffer
	var flags byte
	if in.Quiet {
		flags |= flagQuiet
	}
	if in.Image != nil {
		buf.WriteByte(kindFrame)
	} else {
		buf.WriteByte(kindPath)
	}
	buf.WriteByte(flags)
	binary.Write(&buf, binary.BigEndian, float32(threshold))

	if in.Image != nil {
		b := in.Image.Bounds()
		binary.Write(&buf, binary.BigEndian, uint32(b.Dx()))
		binary.Write(&buf, binary.BigEndian, uint32(b.Dy()))
		buf.Write(packRGBA(in.Image))
	} else {
		buf.WriteString(in.Path)
	}
	return buf.Bytes()
}

func decodeResponse(resp []byte) ([]types.Detection, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	switch status {
	case statusOK:
	case statusError:
		msg, err := readString32(r)
		if err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, &EngineError{Engine: "python", Message: msg}
	default:
		return nil, fmt.Errorf("unexpected worker status %d", status)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed detection count: %w", err)
	}
	// Each detection needs at least 26 bytes; reject counts the payload cannot hold.
	if int64(count)*26 > int64(r.Len()) {
		return nil, fmt.Errorf("detection count %d exceeds payload", count)
	}

	dets := make([]types.Detection, 0, count)
	for i := uint32(0); i < count; i++ {
		var raw struct {
			Class int32
			Conf  float32
			Box   [4]int32
		}
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("malformed detection %d: %w", i, err)
		}
		label, err := readString16(r)
		if err != nil {
			return nil, fmt.Errorf("malformed label %d: %w", i, err)
		}
		dets = append(dets, types.Detection{
			ClassID:    int(raw.Class),
			Label:      label,
			Confidence: math.Round(float64(raw.Conf)*1e6) / 1e6,
			Box:        types.BBox{X0: int(raw.Box[0]), Y0: int(raw.Box[1]), X1: int(raw.Box[2]), Y1: int(raw.Box[3])},
		})
	}
	return dets, nil
}

func decodeReady(resp []byte) ([]string, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty ready message: %w", err)
	}
	if status == statusError {
		msg, _ := readString32(r)
		return nil, &EngineError{Engine: "python", Message: msg}
	}
	if status != statusReady {
		return nil, fmt.Errorf("expected ready message, got status %d", status)
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	names := make([]string, 0, min(int(count), 1024))
	for i := uint32(0); i < count; i++ {
		name, err := readString16(r)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func readString16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	return readN(r, int(n))
}

func readString32(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int64(n) > int64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	return readN(r, int(n))
}

func readN(r *bytes.Reader, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
