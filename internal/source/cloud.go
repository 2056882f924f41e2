package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"cambanzo/internal/pipeline"
	"cambanzo/internal/session"
)

// CloudSource performs one authenticated HTTP snapshot request per
// capture using the camera's current session. Expired sessions are
// refreshed through the credential session provider; on an auth failure
// mid-capture the refresh is attempted once and the single capture is
// retried before the failure propagates.
type CloudSource struct {
	id       string
	url      string
	credRef  string
	client   *resty.Client
	sessions session.Provider

	mu   sync.Mutex
	sess *session.Session
}

func newCloudSource(cfg Config, sessions session.Provider) *CloudSource {
	r := resty.New()
	r.SetTimeout(cfg.CaptureTimeout)
	r.SetHeader("Accept", "image/jpeg")

	return &CloudSource{
		id:       cfg.ID,
		url:      cfg.URL,
		credRef:  cfg.CredentialRef,
		client:   r,
		sessions: sessions,
	}
}

// Kind implements Source
func (c *CloudSource) Kind() string { return "cloud" }

// Open implements Source
func (c *CloudSource) Open(ctx context.Context) error {
	sess, err := c.sessions.Acquire(ctx, c.credentialKey())
	if err != nil {
		return fmt.Errorf("%w: acquire session for camera %s: %v", ErrAuth, c.id, err)
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	return nil
}

// Capture implements Source
func (c *CloudSource) Capture(ctx context.Context) (*pipeline.Frame, error) {
	sess, err := c.currentSession(ctx)
	if err != nil {
		return nil, err
	}

	frame, err := c.snapshot(ctx, sess)
	if err == nil {
		return frame, nil
	}
	if !isAuthExpired(err) {
		return nil, err
	}

	// One refresh, one retry for this capture attempt
	sess, refreshErr := c.sessions.Refresh(ctx, c.credentialKey())
	if refreshErr != nil {
		return nil, fmt.Errorf("%w: refresh for camera %s: %v", ErrAuthExpired, c.id, refreshErr)
	}
	c.storeSession(sess)

	return c.snapshot(ctx, sess)
}

// Close implements Source
func (c *CloudSource) Close() error {
	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
	return nil
}

// currentSession returns a session that is valid now, refreshing
// proactively so an expired session is never put on the wire.
func (c *CloudSource) currentSession(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess.Valid(time.Now()) {
		return sess, nil
	}

	sess, err := c.sessions.Refresh(ctx, c.credentialKey())
	if err != nil {
		return nil, fmt.Errorf("%w: refresh for camera %s: %v", ErrAuthExpired, c.id, err)
	}
	c.storeSession(sess)
	return sess, nil
}

func (c *CloudSource) storeSession(sess *session.Session) {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
}

func (c *CloudSource) credentialKey() string {
	if c.credRef != "" {
		return c.credRef
	}
	return c.id
}

func (c *CloudSource) snapshot(ctx context.Context, sess *session.Session) (*pipeline.Frame, error) {
	req := c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+sess.Token)
	if sess.Cookie != "" {
		req.SetHeader("Cookie", sess.Cookie)
	}

	resp, err := req.Get(c.url)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: camera %s snapshot: %v", ErrTimeout, c.id, err)
		}
		return nil, fmt.Errorf("%w: camera %s snapshot: %v", ErrConnection, c.id, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		// fall through to body validation
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: camera %s snapshot rejected with status %d", ErrAuthExpired, c.id, resp.StatusCode())
	default:
		return nil, fmt.Errorf("%w: camera %s snapshot returned status %d", ErrStream, c.id, resp.StatusCode())
	}

	body := resp.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: camera %s snapshot body empty", ErrStream, c.id)
	}

	return &pipeline.Frame{
		CameraID:  c.id,
		Timestamp: time.Now(),
		Data:      body,
	}, nil
}

func isAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
