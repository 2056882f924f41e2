package session

import (
	"context"
	"time"
)

// Session is time-bounded credential state used to authenticate cloud
// camera capture requests. A Session must never be used for a capture
// attempt past its expiry instant.
type Session struct {
	Token     string
	Cookie    string
	ExpiresAt time.Time
}

// Valid reports whether the session can still authenticate a request at
// the given instant.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// Provider supplies and refreshes per-camera access credentials.
// Implementations encapsulate vendor-specific login protocols; the
// pipeline only calls Acquire and Refresh and reacts to expiry failures.
type Provider interface {
	// Acquire returns a usable session for the camera
	Acquire(ctx context.Context, cameraID string) (*Session, error)

	// Refresh replaces an expired session with a fresh one
	Refresh(ctx context.Context, cameraID string) (*Session, error)
}
