package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cambanzo/internal/session"
)

// fakeProvider hands out tokens from a list and counts calls
type fakeProvider struct {
	tokens     []string
	next       atomic.Int32
	refreshes  atomic.Int32
	refreshErr error
	ttl        time.Duration
}

func (p *fakeProvider) issue() (*session.Session, error) {
	i := int(p.next.Add(1)) - 1
	if i >= len(p.tokens) {
		i = len(p.tokens) - 1
	}
	// A non-default ttl only applies to the first issued session;
	// refreshed sessions are always live.
	ttl := p.ttl
	if ttl == 0 || i > 0 {
		ttl = time.Hour
	}
	return &session.Session{
		Token:     p.tokens[i],
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (p *fakeProvider) Acquire(ctx context.Context, cameraID string) (*session.Session, error) {
	return p.issue()
}

func (p *fakeProvider) Refresh(ctx context.Context, cameraID string) (*session.Session, error) {
	p.refreshes.Add(1)
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return p.issue()
}

// snapshotServer accepts only the given token and serves a tiny JPEG
func snapshotServer(t *testing.T, accept string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+accept {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	}))
}

func newTestCloudSource(t *testing.T, url string, provider session.Provider) *CloudSource {
	t.Helper()
	src, err := New(Config{ID: "cam2", Kind: "cloud", URL: url}, provider)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	cloud, ok := src.(*CloudSource)
	if !ok {
		t.Fatalf("expected *CloudSource, got %T", src)
	}
	return cloud
}

func TestCloudCaptureHappyPath(t *testing.T) {
	provider := &fakeProvider{tokens: []string{"tok-1"}}
	srv := snapshotServer(t, "tok-1")
	defer srv.Close()

	src := newTestCloudSource(t, srv.URL, provider)
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	frame, err := src.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if frame.CameraID != "cam2" {
		t.Errorf("frame camera id = %q, want cam2", frame.CameraID)
	}
	if len(frame.Data) == 0 {
		t.Error("frame data empty")
	}
	if n := provider.refreshes.Load(); n != 0 {
		t.Errorf("unexpected refreshes: %d", n)
	}
}

func TestCloudCaptureRefreshesOnceOnAuthExpired(t *testing.T) {
	// First issued token is rejected by the server; the refreshed one works
	provider := &fakeProvider{tokens: []string{"stale", "fresh"}}
	srv := snapshotServer(t, "fresh")
	defer srv.Close()

	src := newTestCloudSource(t, srv.URL, provider)
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	frame, err := src.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed after refresh: %v", err)
	}
	if len(frame.Data) == 0 {
		t.Error("frame data empty")
	}
	if n := provider.refreshes.Load(); n != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", n)
	}
}

func TestCloudCaptureFailsWhenRefreshFails(t *testing.T) {
	provider := &fakeProvider{
		tokens:     []string{"stale"},
		refreshErr: fmt.Errorf("login rejected"),
	}
	srv := snapshotServer(t, "other")
	defer srv.Close()

	src := newTestCloudSource(t, srv.URL, provider)
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	_, err := src.Capture(context.Background())
	if err == nil {
		t.Fatal("expected capture to fail when refresh fails")
	}
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("error = %v, want ErrAuthExpired", err)
	}
	if n := provider.refreshes.Load(); n != 1 {
		t.Errorf("expected exactly 1 refresh attempt, got %d", n)
	}
}

func TestCloudCaptureNeverUsesExpiredSession(t *testing.T) {
	// Open issues an already expired session; Capture must refresh before
	// the request and the server must never see the expired token.
	provider := &fakeProvider{tokens: []string{"expired", "live"}, ttl: -time.Second}

	var sawExpired atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer expired" {
			sawExpired.Store(true)
		}
		w.Write([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	}))
	defer srv.Close()

	src := newTestCloudSource(t, srv.URL, provider)
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	if _, err := src.Capture(context.Background()); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if sawExpired.Load() {
		t.Error("expired session token reached the wire")
	}
	if n := provider.refreshes.Load(); n != 1 {
		t.Errorf("expected 1 proactive refresh, got %d", n)
	}
}

func TestCloudCaptureStreamErrorOnBadStatus(t *testing.T) {
	provider := &fakeProvider{tokens: []string{"tok"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "camera offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	src := newTestCloudSource(t, srv.URL, provider)
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	_, err := src.Capture(context.Background())
	if !errors.Is(err, ErrStream) {
		t.Errorf("error = %v, want ErrStream", err)
	}
	if !NeedsReconnect(err) {
		t.Error("stream error should require reconnect")
	}
}
