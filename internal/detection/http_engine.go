package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"cambanzo/internal/pipeline"
)

const healthCacheTTL = 30 * time.Second

var _ Engine = (*HTTPEngine)(nil)

// HTTPConfig holds configuration for the HTTP detection engine
type HTTPConfig struct {
	Endpoint            string
	ConfidenceThreshold float32
	ClassesFilter       string
	Timeout             time.Duration
}

// HTTPEngine talks to the inference service over HTTP. Frames go out as
// multipart uploads; detections come back as JSON. When the service does
// not return an annotated image the engine draws boxes locally.
type HTTPEngine struct {
	endpoint      string
	client        *http.Client
	confThreshold float32
	classesFilter string

	mu          sync.RWMutex
	healthCheck time.Time
}

// wireDetection is a single detection in the service response
type wireDetection struct {
	Class      string    `json:"class"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// wireResult is the service's detection response
type wireResult struct {
	Detections      []wireDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	AnnotatedJPEG   []byte          `json:"annotated_jpeg,omitempty"` // base64 in transit
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewHTTPEngine creates an engine targeting the given inference service
func NewHTTPEngine(cfg HTTPConfig) *HTTPEngine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second // GPU inference can be slow to warm up
	}
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &HTTPEngine{
		endpoint:      cfg.Endpoint,
		confThreshold: threshold,
		classesFilter: cfg.ClassesFilter,
		client:        &http.Client{Timeout: timeout},
	}
}

// Healthy checks the service health endpoint, caching a positive answer
func (e *HTTPEngine) Healthy() bool {
	e.mu.RLock()
	if time.Since(e.healthCheck) < healthCacheTTL {
		e.mu.RUnlock()
		return true
	}
	e.mu.RUnlock()

	resp, err := e.client.Get(e.endpoint + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	if !health.ModelLoaded {
		return false
	}

	e.mu.Lock()
	e.healthCheck = time.Now()
	e.mu.Unlock()
	return true
}

// Detect implements Engine
func (e *HTTPEngine) Detect(ctx context.Context, frame *pipeline.Frame) (*pipeline.DetectionResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame.Data); err != nil {
		return nil, err
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", e.confThreshold))
	if e.classesFilter != "" {
		w.WriteField("classes_filter", e.classesFilter)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection service returned status %d: %s", resp.StatusCode, string(body))
	}

	var wire wireResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}

	detections := make([]pipeline.Detection, 0, len(wire.Detections))
	for _, d := range wire.Detections {
		det := pipeline.Detection{Label: d.Class, Confidence: d.Confidence}
		if len(d.BBox) == 4 {
			det.BBox = pipeline.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
		}
		detections = append(detections, det)
	}

	annotated := wire.AnnotatedJPEG
	if len(annotated) == 0 && len(detections) > 0 {
		annotated, err = Annotate(frame.Data, detections)
		if err != nil {
			log.Printf("[Detection] Camera %s frame %d local annotation failed: %v",
				frame.CameraID, frame.Seq, err)
			annotated = frame.Data
		}
	}
	if len(annotated) == 0 {
		annotated = frame.Data
	}

	return &pipeline.DetectionResult{
		CameraID:   frame.CameraID,
		FrameSeq:   frame.Seq,
		Timestamp:  frame.Timestamp,
		Detections: detections,
		Annotated:  annotated,
		Latency:    time.Duration(wire.InferenceTimeMs * float32(time.Millisecond)),
	}, nil
}

// Close implements Engine
func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
