package pipeline

import (
	"time"
)

// HealthState describes the advisory health of a camera as observed by
// the capture scheduler. It never stops retries; it only reports them.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
	HealthClosed      HealthState = "closed"
)

// CycleState tracks where a camera is in its capture cycle
type CycleState string

const (
	StateIdle       CycleState = "idle"
	StateConnecting CycleState = "connecting"
	StateCapturing  CycleState = "capturing"
	StateEnqueued   CycleState = "enqueued"
	StateFailed     CycleState = "failed"
	StateClosed     CycleState = "closed"
)

// Frame is one captured image from a camera. Frames are immutable once
// captured; ownership moves source -> scheduler -> dispatch -> engine -> sink.
type Frame struct {
	CameraID  string    // Camera identifier
	Seq       uint64    // Monotonic per-camera sequence, assigned by the scheduler
	Timestamp time.Time // Capture timestamp
	Data      []byte    // JPEG frame data
}

// BBox represents a bounding box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Detection represents a single labeled detection in a frame
type Detection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"` // [0-1]
	BBox       BBox    `json:"bbox"`
}

// DetectionResult is the engine's output for one frame, consumed exactly
// once by the result sink.
type DetectionResult struct {
	CameraID   string        `json:"camera_id"`
	FrameSeq   uint64        `json:"frame_seq"`
	Timestamp  time.Time     `json:"timestamp"`
	Detections []Detection   `json:"detections"`
	Annotated  []byte        `json:"-"`       // Annotated JPEG (optional)
	Latency    time.Duration `json:"latency"` // Wall-clock detect() duration
}

// AlertEvent is raised by the sink when a detection matches a configured
// label/confidence filter.
type AlertEvent struct {
	CameraID   string    `json:"camera_id"`
	FrameSeq   uint64    `json:"frame_seq"`
	Timestamp  time.Time `json:"timestamp"`
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	BBox       BBox      `json:"bbox"`
	ImagePath  string    `json:"image_path,omitempty"`
}

// ResultHandler receives detection results
type ResultHandler interface {
	// OnDetectionResult is called once per processed frame, in dispatch order
	OnDetectionResult(result *DetectionResult)
}
