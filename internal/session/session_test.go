package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSessionValid(t *testing.T) {
	now := time.Now()

	var nilSession *Session
	if nilSession.Valid(now) {
		t.Error("nil session reported valid")
	}

	empty := &Session{ExpiresAt: now.Add(time.Hour)}
	if empty.Valid(now) {
		t.Error("session without token reported valid")
	}

	expired := &Session{Token: "tok", ExpiresAt: now.Add(-time.Second)}
	if expired.Valid(now) {
		t.Error("expired session reported valid")
	}

	live := &Session{Token: "tok", ExpiresAt: now.Add(time.Minute)}
	if !live.Valid(now) {
		t.Error("live session reported invalid")
	}
}

// unsignedJWT builds a JWT with the given exp claim and a junk signature,
// enough for unverified parsing.
func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return header + "." + payload + ".sig"
}

func TestExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)

	got, ok := expiryFromToken(unsignedJWT(t, exp))
	if !ok {
		t.Fatal("expiryFromToken returned ok=false for valid JWT")
	}
	if !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}

	if _, ok := expiryFromToken("not-a-jwt"); ok {
		t.Error("expiryFromToken accepted an opaque token")
	}
}

func TestLoginProviderAcquireAndRefresh(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute)
	var logins int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins++
		var payload loginPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode login payload: %v", err)
		}
		if payload.Username != "operator" {
			t.Errorf("unexpected username %q", payload.Username)
		}
		json.NewEncoder(w).Encode(loginResponse{
			Token:  unsignedJWT(t, exp),
			Cookie: fmt.Sprintf("session=%d", logins),
		})
	}))
	defer srv.Close()

	provider := NewLoginProvider(LoginConfig{
		Endpoint: srv.URL,
		Username: "operator",
		Password: "secret",
	})

	sess, err := provider.Acquire(context.Background(), "cam2")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !sess.Valid(time.Now()) {
		t.Error("acquired session not valid")
	}
	if sess.ExpiresAt.Unix() != exp.Unix() {
		t.Errorf("expiry not taken from JWT: got %v want %v", sess.ExpiresAt, exp)
	}

	// Second acquire reuses the cached session
	again, err := provider.Acquire(context.Background(), "cam2")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if again != sess {
		t.Error("Acquire did not reuse cached session")
	}
	if logins != 1 {
		t.Errorf("expected 1 login, got %d", logins)
	}

	// Refresh always performs a new login
	fresh, err := provider.Refresh(context.Background(), "cam2")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if fresh == sess {
		t.Error("Refresh returned the stale session")
	}
	if logins != 2 {
		t.Errorf("expected 2 logins after refresh, got %d", logins)
	}
}

func TestLoginProviderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider := NewLoginProvider(LoginConfig{Endpoint: srv.URL, Username: "x", Password: "y"})
	if _, err := provider.Acquire(context.Background(), "cam1"); err == nil {
		t.Fatal("expected error for rejected login")
	}
}
