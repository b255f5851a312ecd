// Package server exposes the media router over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/wallsight/internal/detector"
	"github.com/andresmejia3/wallsight/internal/imaging"
	"github.com/andresmejia3/wallsight/internal/media"
	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/andresmejia3/wallsight/internal/video"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the per-request id on every response.
const RequestIDHeader = "X-Request-ID"

// Options configures a Server.
type Options struct {
	Threshold      float64
	TempDir        string
	MaxUploadBytes int64
	// Health, when set, is consulted by GET /health (e.g. the inference service probe).
	Health func(ctx context.Context) error
}

// Server handles uploads and returns annotated artifacts.
type Server struct {
	router *media.Router
	opts   Options
}

// New returns a Server dispatching through router.
func New(router *media.Router, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	return &Server{router: router, opts: opts}
}

// DetectResponse is the JSON body returned for images.
type DetectResponse struct {
	RequestID    string            `json:"request_id"`
	MediaType    string            `json:"media_type"`
	Detections   []types.Detection `json:"detections"`
	Advisories   []string          `json:"advisories"`
	Findings     []imaging.Finding `json:"findings"`
	AnnotatedPNG string            `json:"annotated_png"`
}

type apiError struct {
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"error"`
	Frame     *int   `json:"frame,omitempty"`
}

// Handler returns the routed, CORS-enabled handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/detect", s.DetectHandler)
	mux.HandleFunc("/health", s.HealthHandler)
	return corsMiddleware(requestIDMiddleware(mux))
}

// DetectHandler handles POST /detect with a multipart "file" field. Optional fields:
// "type" overrides the declared media type, "conf" overrides the threshold.
func (s *Server) DetectHandler(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get(RequestIDHeader)
	log := logrus.WithFields(logrus.Fields{"function": "DetectHandler", "request_id": reqID})

	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		log.WithError(err).Warn("Failed to parse multipart form")
		writeJSONError(w, http.StatusBadRequest, "invalid upload payload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	if !media.AllowedExtension(header.Filename) {
		writeJSONError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported file extension %q", filepath.Ext(header.Filename)))
		return
	}

	threshold := s.opts.Threshold
	if v := strings.TrimSpace(r.FormValue("conf")); v != "" {
		conf, err := strconv.ParseFloat(v, 64)
		if err != nil || conf < 0 || conf > 1 {
			writeJSONError(w, http.StatusBadRequest, "conf must be a number between 0.0 and 1.0")
			return
		}
		threshold = conf
	}

	declared := strings.TrimSpace(r.FormValue("type"))
	if declared == "" {
		declared = header.Header.Get("Content-Type")
	}
	if declared == "" || declared == "application/octet-stream" {
		declared = media.TypeFromName(header.Filename)
	}

	path, err := media.Materialize(media.Upload{Body: file, Filename: header.Filename, DeclaredType: declared}, s.opts.TempDir)
	if err != nil {
		log.WithError(err).Error("Failed to materialize upload")
		writeJSONError(w, http.StatusInternalServerError, "internal error while preparing upload")
		return
	}
	defer os.Remove(path)

	log = log.WithFields(logrus.Fields{"file": header.Filename, "type": declared})
	log.Info("Processing upload")

	art, err := s.router.Process(r.Context(), path, declared, threshold)
	if art != nil && art.Video != nil {
		defer os.Remove(art.Video.OutputPath)
	}
	if err != nil {
		status, body := classify(err)
		body.RequestID = reqID
		log.WithError(err).WithField("status", status).Error("Processing failed")
		writeJSON(w, status, body)
		return
	}
	if art == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch art.Kind {
	case media.Image:
		s.respondImage(w, reqID, declared, art.Image)
	case media.Video:
		s.respondVideo(w, r, art.Video)
	}
}

func (s *Server) respondImage(w http.ResponseWriter, reqID, declared string, res *imaging.Result) {
	annotated, err := res.EncodePNG()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DetectResponse{
		RequestID:    reqID,
		MediaType:    declared,
		Detections:   nonNil(res.Detections),
		Advisories:   res.Advisories(),
		Findings:     res.Findings,
		AnnotatedPNG: base64.StdEncoding.EncodeToString(annotated),
	})
}

func (s *Server) respondVideo(w http.ResponseWriter, r *http.Request, rep *video.Report) {
	f, err := os.Open(rep.OutputPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "annotated video is missing")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("X-Frames-Written", strconv.Itoa(rep.FramesWritten))
	w.Header().Set("X-Frame-Rate", strconv.FormatFloat(rep.Descriptor.FPS, 'f', -1, 64))
	w.Header().Set("Content-Disposition", `attachment; filename="annotated.mp4"`)
	http.ServeContent(w, r, "annotated.mp4", time.Time{}, f)
}

// HealthHandler reports liveness, and the engine's health when a probe is configured.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// classify maps pipeline errors to HTTP statuses.
func classify(err error) (int, apiError) {
	body := apiError{Message: err.Error()}
	var stop *video.StopError
	switch {
	case errors.Is(err, media.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, body
	case errors.Is(err, media.ErrEmptyInput), errors.Is(err, detector.ErrInvalidInput):
		return http.StatusBadRequest, body
	case errors.Is(err, imaging.ErrDecode), errors.Is(err, video.ErrInputOpen):
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &stop):
		body.Frame = &stop.Frame
		return http.StatusInternalServerError, body
	case errors.Is(err, context.Canceled):
		// Client went away
		return 499, body
	default:
		return http.StatusInternalServerError, body
	}
}

func nonNil(d []types.Detection) []types.Detection {
	if d == nil {
		return []types.Detection{}
	}
	return d
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Warn("Failed to encode JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{RequestID: w.Header().Get(RequestIDHeader), Message: message})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
		w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader+", X-Frames-Written")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves h on addr until ctx is cancelled, then drains in-flight requests.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{"function": "ListenAndServe", "addr": addr}).Info("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
