package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"cambanzo/internal/pipeline"
)

// stale frames skipped before each read; RTSP decoders buffer a few
// frames and only the most recent matters for detection freshness
const rtspDrainFrames = 4

// RTSPSource keeps a persistent stream connection and pulls the latest
// decodable frame per capture.
type RTSPSource struct {
	id  string
	url string

	mu  sync.Mutex
	cap *gocv.VideoCapture
}

func newRTSPSource(cfg Config) *RTSPSource {
	return &RTSPSource{
		id:  cfg.ID,
		url: cfg.URL,
	}
}

// Kind implements Source
func (r *RTSPSource) Kind() string { return "rtsp" }

// Open implements Source
func (r *RTSPSource) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cap != nil {
		return nil
	}

	cap, err := gocv.OpenVideoCapture(r.url)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrConnection, r.url, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("%w: stream %s not opened", ErrConnection, r.url)
	}

	r.cap = cap
	return nil
}

// Capture implements Source
func (r *RTSPSource) Capture(ctx context.Context) (*pipeline.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cap == nil {
		return nil, fmt.Errorf("%w: camera %s not open", ErrStream, r.id)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	// Skip buffered frames so the read returns the freshest one
	r.cap.Grab(rtspDrainFrames)

	mat := gocv.NewMat()
	defer mat.Close()

	if ok := r.cap.Read(&mat); !ok {
		return nil, fmt.Errorf("%w: camera %s read failed", ErrStream, r.id)
	}
	if mat.Empty() {
		return nil, fmt.Errorf("%w: camera %s produced empty frame", ErrStream, r.id)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %s jpeg encode: %v", ErrStream, r.id, err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())

	return &pipeline.Frame{
		CameraID:  r.id,
		Timestamp: time.Now(),
		Data:      data,
	}, nil
}

// Close implements Source
func (r *RTSPSource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cap == nil {
		return nil
	}
	err := r.cap.Close()
	r.cap = nil
	return err
}
