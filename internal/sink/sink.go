// Package sink lands detection results: annotated snapshots on disk, an
// append-only record in the database, and alert events for matching
// detections.
package sink

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"cambanzo/internal/database"
	"cambanzo/internal/pipeline"
)

// Store persists detection records
type Store interface {
	SaveDetection(rec *database.DetectionRecord) error
}

// Notifier delivers alert events to interested parties
type Notifier interface {
	PublishAlert(event *pipeline.AlertEvent)
}

// AlertFilter decides which detections raise an alert. An empty label
// list matches every label.
type AlertFilter struct {
	Labels        []string
	MinConfidence float32
}

// Matches reports whether a detection passes the filter
func (f AlertFilter) Matches(det pipeline.Detection) bool {
	if det.Confidence < f.MinConfidence {
		return false
	}
	if len(f.Labels) == 0 {
		return true
	}
	for _, l := range f.Labels {
		if strings.EqualFold(l, det.Label) {
			return true
		}
	}
	return false
}

// Config holds sink configuration
type Config struct {
	OutputDir  string
	FilePrefix string
	Filter     AlertFilter
}

// Sink implements pipeline.ResultHandler. Every processed frame yields
// one annotated image file and one detection-log record; detections
// matching the alert filter additionally raise alert events.
// Persistence failures are logged and never propagate back into the
// dispatch loop.
type Sink struct {
	cfg       Config
	store     Store
	notifiers []Notifier

	mu      sync.Mutex
	written uint64
	alerts  uint64
}

// New creates a sink writing under cfg.OutputDir
func New(cfg Config, store Store, notifiers ...Notifier) *Sink {
	return &Sink{cfg: cfg, store: store, notifiers: notifiers}
}

// OnDetectionResult implements pipeline.ResultHandler
func (s *Sink) OnDetectionResult(result *pipeline.DetectionResult) {
	imagePath, err := s.writeImage(result)
	if err != nil {
		log.Printf("[Sink] Camera %s frame %d image write failed: %v",
			result.CameraID, result.FrameSeq, err)
	}

	if s.store != nil {
		rec := &database.DetectionRecord{
			ID:         uuid.New().String(),
			CameraID:   result.CameraID,
			FrameSeq:   result.FrameSeq,
			Timestamp:  result.Timestamp,
			ImagePath:  imagePath,
			Detections: result.Detections,
			LatencyMs:  float64(result.Latency.Microseconds()) / 1000.0,
		}
		if err := s.store.SaveDetection(rec); err != nil {
			log.Printf("[Sink] Camera %s frame %d record save failed: %v",
				result.CameraID, result.FrameSeq, err)
		}
	}

	for _, det := range result.Detections {
		if !s.cfg.Filter.Matches(det) {
			continue
		}
		event := &pipeline.AlertEvent{
			CameraID:   result.CameraID,
			FrameSeq:   result.FrameSeq,
			Timestamp:  result.Timestamp,
			Label:      det.Label,
			Confidence: det.Confidence,
			BBox:       det.BBox,
			ImagePath:  imagePath,
		}
		s.mu.Lock()
		s.alerts++
		s.mu.Unlock()
		log.Printf("[Sink] ALERT camera %s frame %d: %s %.2f",
			event.CameraID, event.FrameSeq, event.Label, event.Confidence)
		for _, n := range s.notifiers {
			n.PublishAlert(event)
		}
	}
}

// writeImage stores the annotated frame under outputDir/<cameraID>/.
// The file lands via a temp name and rename so readers never see a
// partial JPEG.
func (s *Sink) writeImage(result *pipeline.DetectionResult) (string, error) {
	data := result.Annotated
	if len(data) == 0 {
		return "", fmt.Errorf("result carries no image data")
	}

	dir := filepath.Join(s.cfg.OutputDir, result.CameraID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := fmt.Sprintf("%s%s_%d.jpg",
		s.cfg.FilePrefix,
		result.Timestamp.UTC().Format("20060102T150405.000"),
		result.FrameSeq)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".frame-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize image: %w", err)
	}

	s.mu.Lock()
	s.written++
	s.mu.Unlock()
	return finalPath, nil
}

// Counts returns how many images were written and alerts raised
func (s *Sink) Counts() (written, alerts uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.alerts
}
