// Package dispatch serializes access to the single detection engine.
// Frames arrive concurrently from all capture loops; one consumer
// drains per-camera bounded queues in round-robin order.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"cambanzo/internal/pipeline"
)

// DefaultQueueDepth is the per-camera queue bound when none is configured
const DefaultQueueDepth = 2

// Engine is the opaque detection service the consumer feeds
type Engine interface {
	Detect(ctx context.Context, frame *pipeline.Frame) (*pipeline.DetectionResult, error)
}

// CameraStats counts one camera's traffic through the queue
type CameraStats struct {
	CameraID      string        `json:"camera_id"`
	Enqueued      uint64        `json:"enqueued"`
	Dropped       uint64        `json:"dropped"` // oldest-frame drops under overload
	Detected      uint64        `json:"detected"`
	DetectFailed  uint64        `json:"detect_failed"`
	LastLatency   time.Duration `json:"last_latency"`
	PendingFrames int           `json:"pending_frames"`
}

type cameraQueue struct {
	depth  int
	frames []*pipeline.Frame
	stats  CameraStats
}

// Queue is the detection dispatch queue. Enqueue never blocks: a full
// per-camera queue sheds its oldest frame in favor of the newest, since
// detection value decays with frame age.
type Queue struct {
	engine       Engine
	handler      pipeline.ResultHandler
	defaultDepth int

	mu      sync.Mutex
	cameras map[string]*cameraQueue
	order   []string
	next    int

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a dispatch queue feeding engine and handing each result to handler
func New(engine Engine, handler pipeline.ResultHandler, defaultDepth int) *Queue {
	if defaultDepth <= 0 {
		defaultDepth = DefaultQueueDepth
	}
	return &Queue{
		engine:       engine,
		handler:      handler,
		defaultDepth: defaultDepth,
		cameras:      make(map[string]*cameraQueue),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Register declares a camera and its queue depth. Cameras are serviced
// in registration order; unknown cameras are registered lazily with the
// default depth on first enqueue.
func (q *Queue) Register(cameraID string, depth int) {
	if depth <= 0 {
		depth = q.defaultDepth
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.cameras[cameraID]; exists {
		return
	}
	q.cameras[cameraID] = &cameraQueue{
		depth: depth,
		stats: CameraStats{CameraID: cameraID},
	}
	q.order = append(q.order, cameraID)
}

// Enqueue implements scheduler.Enqueuer
func (q *Queue) Enqueue(frame *pipeline.Frame) {
	if frame == nil {
		return
	}

	q.mu.Lock()
	cq, ok := q.cameras[frame.CameraID]
	if !ok {
		cq = &cameraQueue{
			depth: q.defaultDepth,
			stats: CameraStats{CameraID: frame.CameraID},
		}
		q.cameras[frame.CameraID] = cq
		q.order = append(q.order, frame.CameraID)
	}

	if len(cq.frames) >= cq.depth {
		dropped := cq.frames[0]
		cq.frames = cq.frames[1:]
		cq.stats.Dropped++
		// The drop is a sequence gap for this camera's detection stream;
		// record it rather than losing it silently.
		log.Printf("[Dispatch] Camera %s queue full, dropped frame seq %d (total dropped: %d)",
			frame.CameraID, dropped.Seq, cq.stats.Dropped)
	}
	cq.frames = append(cq.frames, frame)
	cq.stats.Enqueued++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the single consumer goroutine. ctx cancellation (or
// Stop) stops intake; an in-flight detect call always completes.
func (q *Queue) Start(ctx context.Context) {
	go q.consume(ctx)
}

// Stop halts the consumer and waits for any in-flight detect to finish
func (q *Queue) Stop() {
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	<-q.done
}

// Stats returns per-camera counters in service order
func (q *Queue) Stats() []CameraStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]CameraStats, 0, len(q.order))
	for _, id := range q.order {
		cq := q.cameras[id]
		stats := cq.stats
		stats.PendingFrames = len(cq.frames)
		out = append(out, stats)
	}
	return out
}

func (q *Queue) consume(ctx context.Context) {
	defer close(q.done)
	log.Printf("[Dispatch] Consumer started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		frame := q.nextFrame()
		if frame == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-q.wake:
				continue
			}
		}

		q.process(ctx, frame)
	}
}

// nextFrame pops the next pending frame in round-robin order, skipping
// cameras with nothing queued. Returns nil when everything is empty.
func (q *Queue) nextFrame() *pipeline.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		cq := q.cameras[q.order[idx]]
		if len(cq.frames) == 0 {
			continue
		}
		frame := cq.frames[0]
		cq.frames = cq.frames[1:]
		q.next = (idx + 1) % n
		return frame
	}
	return nil
}

// process runs one synchronous detect call and records its duration.
// A failing frame is counted and discarded; it never stops the consumer.
func (q *Queue) process(ctx context.Context, frame *pipeline.Frame) {
	start := time.Now()
	result, err := q.engine.Detect(ctx, frame)
	latency := time.Since(start)

	q.mu.Lock()
	cq := q.cameras[frame.CameraID]
	if cq != nil {
		cq.stats.LastLatency = latency
		if err != nil {
			cq.stats.DetectFailed++
		} else {
			cq.stats.Detected++
		}
	}
	q.mu.Unlock()

	if err != nil {
		log.Printf("[Dispatch] Camera %s frame seq %d detect failed after %s: %v",
			frame.CameraID, frame.Seq, latency, err)
		return
	}
	if result == nil {
		return
	}

	result.Latency = latency
	if q.handler != nil {
		q.handler.OnDetectionResult(result)
	}
}
