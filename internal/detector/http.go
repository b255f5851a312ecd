package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/sirupsen/logrus"
)

// HTTPEngine calls an external inference service over HTTP.
//
// POST {BaseURL}/predict, multipart form: file, conf, quiet.
// Response: {"detections": [{"class_id":0,"label":"wall_crack","confidence":0.9,"box":{"x0":..}}]}
// Failures: non-200 with {"error": "..."}.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEngine returns an engine for the service at baseURL. A zero timeout means none.
func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// CheckHealth verifies the inference service is reachable.
func (e *HTTPEngine) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// Detect uploads the image file or a PNG-encoded frame and decodes the detections.
func (e *HTTPEngine) Detect(ctx context.Context, in Input, threshold float64) ([]types.Detection, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	filename := "frame.png"
	if in.Path != "" {
		filename = filepath.Base(in.Path)
	}
	body := &bytes.Buffer{}
	contentType, err := writeForm(body, filename, in, threshold)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/predict", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errorResult types.ErrorResult
		if json.NewDecoder(resp.Body).Decode(&errorResult) == nil && errorResult.Error != "" {
			return nil, &EngineError{Engine: "http", Message: errorResult.Error}
		}
		return nil, fmt.Errorf("inference failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Detections []types.Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if !in.Quiet {
		logrus.WithFields(logrus.Fields{
			"function":   "HTTPEngine.Detect",
			"file":       filename,
			"detections": len(result.Detections),
		}).Debug("Frame analyzed")
	}
	return result.Detections, nil
}

// writeForm writes the multipart request body for one Detect call and returns its content type.
func writeForm(dst io.Writer, filename string, in Input, threshold float64) (string, error) {
	writer := multipart.NewWriter(dst)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}

	if in.Image != nil {
		if err := png.Encode(part, in.Image); err != nil {
			return "", fmt.Errorf("encode frame: %w", err)
		}
	} else {
		f, err := os.Open(in.Path)
		if err != nil {
			return "", fmt.Errorf("open image: %w", err)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("copy image data: %w", err)
		}
	}

	if err := writer.WriteField("conf", strconv.FormatFloat(threshold, 'f', -1, 64)); err != nil {
		return "", fmt.Errorf("write conf field: %w", err)
	}
	if err := writer.WriteField("quiet", strconv.FormatBool(in.Quiet)); err != nil {
		return "", fmt.Errorf("write quiet field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}
	return writer.FormDataContentType(), nil
}

// Close releases idle connections.
func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
