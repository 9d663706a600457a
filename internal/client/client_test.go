package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateCredentials(t *testing.T) {
	creds, err := GenerateCredentials("test-agent")
	if err != nil {
		t.Fatalf("generate credentials: %v", err)
	}
	if creds.Name != "test-agent" {
		t.Errorf("expected name 'test-agent', got '%s'", creds.Name)
	}
	if creds.PublicKey == "" {
		t.Error("expected non-empty public key")
	}
	if len(creds.PrivateKey) == 0 {
		t.Error("expected non-empty private key")
	}
}

func TestCredentialsSign(t *testing.T) {
	creds, err := GenerateCredentials("test-agent")
	if err != nil {
		t.Fatalf("generate credentials: %v", err)
	}
	sig := creds.Sign("test message")
	if sig != creds.Sign("test message") {
		t.Error("expected deterministic signature for ed25519")
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	pub, _ := base64.StdEncoding.DecodeString(creds.PublicKey)
	if !ed25519.Verify(pub, []byte("test message"), raw) {
		t.Error("signature does not verify")
	}
}

func TestCredentialsFromKeys(t *testing.T) {
	orig, err := GenerateCredentials("test-agent")
	if err != nil {
		t.Fatalf("generate credentials: %v", err)
	}
	loaded, err := CredentialsFromKeys("test-agent", base64.StdEncoding.EncodeToString(orig.PrivateKey))
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if loaded.PublicKey != orig.PublicKey {
		t.Errorf("derived public key mismatch")
	}
	if _, err := CredentialsFromKeys("x", "AAAA"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestClientNew(t *testing.T) {
	c := New("https://example.com/")
	if c.BaseURL != "https://example.com" {
		t.Errorf("expected trimmed base URL, got '%s'", c.BaseURL)
	}
	if c.HTTPClient == nil {
		t.Error("expected non-nil HTTP client")
	}
	if c.IsAuthenticated() {
		t.Error("expected new client to not be authenticated")
	}
	if !c.WithToken("nf_x").IsAuthenticated() || c.IsAuthenticated() {
		t.Error("WithToken must copy")
	}
}

func TestErrorCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer nf_token" {
			t.Errorf("missing bearer header: %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/api/v1/votes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Retry-After", "15")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "rate limit exceeded", "retry_after": 15})
	}))
	defer srv.Close()

	c := New(srv.URL).WithToken("nf_token")
	_, err := c.Vote(context.Background(), "post", 1, 1)
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.RetryAfter != 15*time.Second {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Message != "rate limit exceeded" || StatusOf(err) != 429 {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}
