// Package scheduler drives every configured camera on an independent
// cadence and feeds captured frames to the detection dispatch queue.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"cambanzo/internal/pipeline"
	"cambanzo/internal/source"
)

// Enqueuer accepts captured frames for detection dispatch
type Enqueuer interface {
	Enqueue(frame *pipeline.Frame)
}

// Config holds scheduler-wide retry and health settings
type Config struct {
	// DegradedAfter consecutive failures move a camera Healthy -> Degraded
	DegradedAfter int
	// UnreachableAfter further consecutive failures move it Degraded -> Unreachable
	UnreachableAfter int
	// BackoffMin is the first retry delay after a failure
	BackoffMin time.Duration
	// BackoffMax caps the exponential backoff
	BackoffMax time.Duration
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		DegradedAfter:    3,
		UnreachableAfter: 10,
		BackoffMin:       time.Second,
		BackoffMax:       2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	if c.UnreachableAfter <= 0 {
		c.UnreachableAfter = d.UnreachableAfter
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = d.BackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = d.BackoffMax
	}
	return c
}

// Camera couples a source with its capture cadence
type Camera struct {
	ID       string
	Source   source.Source
	Interval time.Duration
}

// CameraStatus is an observable snapshot of one camera's capture state
type CameraStatus struct {
	CameraID            string               `json:"camera_id"`
	Kind                string               `json:"kind"`
	State               pipeline.CycleState  `json:"state"`
	Health              pipeline.HealthState `json:"health"`
	LastSeq             uint64               `json:"last_seq"`
	FramesEnqueued      uint64               `json:"frames_enqueued"`
	Failures            uint64               `json:"failures"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	CurrentBackoff      time.Duration        `json:"current_backoff"`
	LastError           string               `json:"last_error,omitempty"`
	LastSuccess         time.Time            `json:"last_success,omitempty"`
}

// Scheduler runs one capture loop per camera. Loops share nothing but
// the enqueuer; a slow or hung camera never delays the others.
type Scheduler struct {
	cfg   Config
	queue Enqueuer

	mu      sync.Mutex
	runners []*runner
	started bool

	wg sync.WaitGroup
}

// New creates a scheduler that enqueues captured frames to queue
func New(cfg Config, queue Enqueuer) *Scheduler {
	return &Scheduler{
		cfg:   cfg.withDefaults(),
		queue: queue,
	}
}

// Add registers a camera. Must be called before Start.
func (s *Scheduler) Add(cam Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runners = append(s.runners, &runner{
		cam:   cam,
		cfg:   s.cfg,
		queue: s.queue,
		status: CameraStatus{
			CameraID: cam.ID,
			Kind:     cam.Source.Kind(),
			State:    pipeline.StateIdle,
			Health:   pipeline.HealthHealthy,
		},
	})
}

// Start launches one capture goroutine per registered camera
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	for _, r := range s.runners {
		s.wg.Add(1)
		go func(r *runner) {
			defer s.wg.Done()
			r.run(ctx)
		}(r)
	}
	log.Printf("[Scheduler] Started %d camera capture loops", len(s.runners))
}

// Wait blocks until all capture loops have stopped
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Snapshot returns a copy of every camera's status for observability.
// The pipeline itself never reads these.
func (s *Scheduler) Snapshot() []CameraStatus {
	s.mu.Lock()
	runners := make([]*runner, len(s.runners))
	copy(runners, s.runners)
	s.mu.Unlock()

	statuses := make([]CameraStatus, 0, len(runners))
	for _, r := range runners {
		statuses = append(statuses, r.snapshot())
	}
	return statuses
}

// runner owns one camera's capture loop and all of its mutable state
type runner struct {
	cam   Camera
	cfg   Config
	queue Enqueuer

	opened  bool
	seq     uint64
	backoff time.Duration

	statusMu sync.RWMutex
	status   CameraStatus
}

func (r *runner) run(ctx context.Context) {
	defer func() {
		if r.opened {
			if err := r.cam.Source.Close(); err != nil {
				log.Printf("[Scheduler] Camera %s close: %v", r.cam.ID, err)
			}
		}
		r.setState(pipeline.StateClosed)
		r.setHealth(pipeline.HealthClosed)
		log.Printf("[Scheduler] Camera %s capture loop stopped", r.cam.ID)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		started := time.Now()
		wait, ok := r.attempt(ctx)
		if ok {
			// The interval is anchored to the attempt's start, so the
			// cadence does not stretch by the capture duration.
			wait -= time.Since(started)
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)
	}
}

// attempt runs one capture cycle and returns the delay before the next
// cycle plus whether the cycle succeeded (interval) or failed (backoff)
func (r *runner) attempt(ctx context.Context) (time.Duration, bool) {
	if !r.opened {
		r.setState(pipeline.StateConnecting)
		if err := r.cam.Source.Open(ctx); err != nil {
			return r.fail(err)
		}
		r.opened = true
	}

	r.setState(pipeline.StateCapturing)
	frame, err := r.cam.Source.Capture(ctx)
	if err != nil {
		return r.fail(err)
	}

	r.seq++
	frame.Seq = r.seq
	if frame.CameraID == "" {
		frame.CameraID = r.cam.ID
	}

	r.queue.Enqueue(frame)
	r.succeed(frame.Seq)
	return r.cam.Interval, true
}

// succeed resets failure tracking after a successful capture
func (r *runner) succeed(seq uint64) {
	r.backoff = 0

	r.statusMu.Lock()
	prev := r.status.Health
	r.status.State = pipeline.StateEnqueued
	r.status.Health = pipeline.HealthHealthy
	r.status.LastSeq = seq
	r.status.FramesEnqueued++
	r.status.ConsecutiveFailures = 0
	r.status.CurrentBackoff = 0
	r.status.LastError = ""
	r.status.LastSuccess = time.Now()
	r.statusMu.Unlock()

	if prev != pipeline.HealthHealthy {
		log.Printf("[Scheduler] Camera %s recovered (%s -> healthy)", r.cam.ID, prev)
	}
}

// fail records a capture failure, advances backoff and health, and
// reconnects when the error class demands it. Returns the retry delay.
func (r *runner) fail(err error) (time.Duration, bool) {
	if r.backoff == 0 {
		r.backoff = r.cfg.BackoffMin
	} else {
		r.backoff *= 2
		if r.backoff > r.cfg.BackoffMax {
			r.backoff = r.cfg.BackoffMax
		}
	}

	if r.opened && source.NeedsReconnect(err) {
		if cerr := r.cam.Source.Close(); cerr != nil {
			log.Printf("[Scheduler] Camera %s close before reconnect: %v", r.cam.ID, cerr)
		}
		r.opened = false
	}

	r.statusMu.Lock()
	r.status.State = pipeline.StateFailed
	r.status.Failures++
	r.status.ConsecutiveFailures++
	r.status.CurrentBackoff = r.backoff
	r.status.LastError = err.Error()

	consecutive := r.status.ConsecutiveFailures
	prev := r.status.Health
	switch {
	case consecutive >= r.cfg.DegradedAfter+r.cfg.UnreachableAfter:
		r.status.Health = pipeline.HealthUnreachable
	case consecutive >= r.cfg.DegradedAfter:
		r.status.Health = pipeline.HealthDegraded
	}
	health := r.status.Health
	r.statusMu.Unlock()

	if health != prev {
		log.Printf("[Scheduler] Camera %s health %s -> %s after %d consecutive failures",
			r.cam.ID, prev, health, consecutive)
	}
	log.Printf("[Scheduler] Camera %s capture failed (retry in %s): %v", r.cam.ID, r.backoff, err)

	return r.backoff, false
}

func (r *runner) setState(state pipeline.CycleState) {
	r.statusMu.Lock()
	r.status.State = state
	r.statusMu.Unlock()
}

func (r *runner) setHealth(health pipeline.HealthState) {
	r.statusMu.Lock()
	r.status.Health = health
	r.statusMu.Unlock()
}

func (r *runner) snapshot() CameraStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}
