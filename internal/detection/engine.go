// Package detection targets the external object detection service and
// renders annotated frames from its results.
package detection

import (
	"context"

	"cambanzo/internal/pipeline"
)

// Engine runs object detection on captured frames
type Engine interface {
	// Detect runs inference on a single frame. The returned result
	// carries the parsed detections and an annotated JPEG.
	Detect(ctx context.Context, frame *pipeline.Frame) (*pipeline.DetectionResult, error)

	// Healthy reports whether the engine can currently serve requests
	Healthy() bool

	Close() error
}
