package mcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "toolmux",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return tok
}

func TestBearerTokenAuth_Opaque(t *testing.T) {
	a := NewBearerTokenAuth("  opaque-token ")

	if _, ok := a.Expiry(); ok {
		t.Error("opaque token should have no expiry")
	}
	h, err := a.GetHeaders(context.Background())
	if err != nil {
		t.Fatalf("GetHeaders failed: %v", err)
	}
	if h["Authorization"] != "Bearer opaque-token" {
		t.Errorf("Authorization = %q", h["Authorization"])
	}
}

func TestBearerTokenAuth_JWTExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	a := NewBearerTokenAuth(signedToken(t, exp))

	got, ok := a.Expiry()
	if !ok || !got.Equal(exp) {
		t.Fatalf("Expiry() = %v, %v; want %v", got, ok, exp)
	}
	if err := a.Check(); err != nil {
		t.Errorf("Check() on valid token: %v", err)
	}

	a.nowFunc = func() time.Time { return exp.Add(time.Second) }
	if err := a.Check(); !errors.Is(err, ErrCredentialExpired) {
		t.Errorf("Check() after expiry = %v, want ErrCredentialExpired", err)
	}
	if _, err := a.GetHeaders(context.Background()); !errors.Is(err, ErrCredentialExpired) {
		t.Errorf("GetHeaders() after expiry = %v, want ErrCredentialExpired", err)
	}
}

func TestAuthAwareTransport_AppliesHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer ts.Close()

	client := buildHTTPClient(ServerConfig{
		Name:        "kb",
		Headers:     map[string]string{"X-Api-Key": "k1", "Authorization": "static"},
		BearerToken: "tok",
	})
	if client == nil {
		t.Fatal("expected an HTTP client when headers are configured")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if got.Get("X-Api-Key") != "k1" {
		t.Errorf("X-Api-Key = %q", got.Get("X-Api-Key"))
	}
	if got.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q, want bearer credential to win", got.Get("Authorization"))
	}
	if req.Header.Get("X-Api-Key") != "" {
		t.Error("the caller's request must not be modified")
	}
}

func TestBuildHTTPClient_NoneNeeded(t *testing.T) {
	if c := buildHTTPClient(ServerConfig{Name: "plain", URL: "http://x"}); c != nil {
		t.Error("expected nil client without headers or credential")
	}
}
