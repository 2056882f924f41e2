// Package source provides the polymorphic camera source abstraction:
// cloud-session snapshot cameras, RTSP streams, and local still-image
// directories, all behind one capture contract.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cambanzo/internal/pipeline"
	"cambanzo/internal/session"
)

// Error taxonomy for capture attempts. All of these are transient and
// per-camera: the scheduler retries them with backoff, never stopping
// the process.
var (
	ErrConnection  = errors.New("connection error")
	ErrAuth        = errors.New("authentication error")
	ErrAuthExpired = errors.New("authentication expired")
	ErrTimeout     = errors.New("capture timeout")
	ErrStream      = errors.New("stream error")
)

// Source is a single camera capture endpoint
type Source interface {
	// Open establishes the capture session
	Open(ctx context.Context) error

	// Capture pulls one frame. The returned frame has no sequence number;
	// the scheduler assigns it on enqueue.
	Capture(ctx context.Context) (*pipeline.Frame, error)

	// Close releases the capture session
	Close() error

	// Kind returns the source variant name (rtsp, cloud, file)
	Kind() string
}

// Config describes one camera source
type Config struct {
	ID             string
	Kind           string // rtsp | cloud | file
	URL            string
	CredentialRef  string // cloud only: passed to the session provider
	CaptureRegexp  string // file only: filename filter, default matches jpegs
	CaptureTimeout time.Duration
}

// New builds the source variant named by cfg.Kind. All polymorphism is
// resolved here; callers only see the Source interface afterwards.
func New(cfg Config, sessions session.Provider) (Source, error) {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 10 * time.Second
	}

	switch cfg.Kind {
	case "rtsp":
		return newRTSPSource(cfg), nil
	case "cloud":
		if sessions == nil {
			return nil, fmt.Errorf("camera %s: cloud source requires a session provider", cfg.ID)
		}
		return newCloudSource(cfg, sessions), nil
	case "file":
		return newFileSource(cfg)
	default:
		return nil, fmt.Errorf("camera %s: unknown source kind %q", cfg.ID, cfg.Kind)
	}
}

// NeedsReconnect reports whether an error must be answered with a full
// close+open cycle rather than a bare capture retry.
func NeedsReconnect(err error) bool {
	return errors.Is(err, ErrStream) || errors.Is(err, ErrConnection)
}
