package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

// LoginConfig holds configuration for the HTTP login provider
type LoginConfig struct {
	Endpoint string        // Vendor login URL
	Username string
	Password string
	TTL      time.Duration // Session lifetime when the token carries no exp claim
	Timeout  time.Duration
}

// LoginProvider exchanges configured credentials for a session token via
// a vendor login endpoint. The same login round-trip serves both acquire
// and refresh.
type LoginProvider struct {
	cfg    LoginConfig
	client *resty.Client

	mu       sync.Mutex
	sessions map[string]*Session // cameraID -> last issued session
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	CameraID string `json:"camera_id,omitempty"`
}

type loginResponse struct {
	Token  string `json:"token"`
	Cookie string `json:"cookie,omitempty"`
}

// NewLoginProvider creates a provider backed by an HTTP login endpoint
func NewLoginProvider(cfg LoginConfig) *LoginProvider {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	r := resty.New()
	r.SetTimeout(cfg.Timeout)
	r.SetHeader("Content-Type", "application/json")
	r.SetHeader("Accept", "application/json")

	return &LoginProvider{
		cfg:      cfg,
		client:   r,
		sessions: make(map[string]*Session),
	}
}

// Acquire implements Provider
func (p *LoginProvider) Acquire(ctx context.Context, cameraID string) (*Session, error) {
	p.mu.Lock()
	if sess, ok := p.sessions[cameraID]; ok && sess.Valid(time.Now()) {
		p.mu.Unlock()
		return sess, nil
	}
	p.mu.Unlock()

	return p.login(ctx, cameraID)
}

// Refresh implements Provider. Any cached session is discarded first so a
// refresh always performs a fresh login.
func (p *LoginProvider) Refresh(ctx context.Context, cameraID string) (*Session, error) {
	p.mu.Lock()
	delete(p.sessions, cameraID)
	p.mu.Unlock()

	return p.login(ctx, cameraID)
}

func (p *LoginProvider) login(ctx context.Context, cameraID string) (*Session, error) {
	payload := loginPayload{
		Username: p.cfg.Username,
		Password: p.cfg.Password,
		CameraID: cameraID,
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&loginResponse{}).
		Post(p.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("login rejected with status %d", resp.StatusCode())
	}

	result, ok := resp.Result().(*loginResponse)
	if !ok || result.Token == "" {
		return nil, errors.New("login succeeded but no token returned")
	}

	sess := &Session{
		Token:     result.Token,
		Cookie:    result.Cookie,
		ExpiresAt: time.Now().Add(p.cfg.TTL),
	}
	if exp, ok := expiryFromToken(result.Token); ok {
		sess.ExpiresAt = exp
	}

	p.mu.Lock()
	p.sessions[cameraID] = sess
	p.mu.Unlock()

	log.Printf("[Session] Issued session for camera %s (expires %s)", cameraID, sess.ExpiresAt.Format(time.RFC3339))
	return sess, nil
}

// expiryFromToken extracts the exp claim from a JWT access token without
// verifying its signature. The expiry instant is the vendor's statement
// about the session, not something we can validate locally.
func expiryFromToken(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
