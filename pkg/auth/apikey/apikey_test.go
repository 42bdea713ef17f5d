package apikey

import (
	"context"
	"net/http"
	"testing"

	"github.com/rhuss/toolmux/pkg/auth"
)

func newTestAuth() *Authenticator {
	return New([]Key{
		{
			Key: "tm-test-key-1",
			Identity: auth.Identity{
				Subject:  "alice",
				Tier:     "standard",
				Tools:    []string{"query"},
				Metadata: map[string]string{"tenant_id": "org-1"},
			},
		},
		{Key: "tm-test-key-2", Identity: auth.Identity{Subject: "bob", Tier: "premium"}},
		{Key: "", Identity: auth.Identity{Subject: "nobody"}},
	})
}

func request(headers map[string]string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestAuthenticate(t *testing.T) {
	a := newTestAuth()
	if a.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (empty keys skipped)", a.Len())
	}

	tests := []struct {
		name        string
		headers     map[string]string
		want        auth.Decision
		wantSubject string
	}{
		{"bearer key", map[string]string{"Authorization": "Bearer tm-test-key-1"}, auth.Yes, "alice"},
		{"api key header", map[string]string{HeaderName: "tm-test-key-2"}, auth.Yes, "bob"},
		{"api key header wins", map[string]string{HeaderName: "tm-test-key-2", "Authorization": "Bearer tm-test-key-1"}, auth.Yes, "bob"},
		{"unknown key", map[string]string{"Authorization": "Bearer tm-wrong"}, auth.No, ""},
		{"empty bearer", map[string]string{"Authorization": "Bearer "}, auth.No, ""},
		{"empty api key header", map[string]string{HeaderName: ""}, auth.No, ""},
		{"no credentials", nil, auth.Abstain, ""},
		{"basic auth", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}, auth.Abstain, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.Authenticate(context.Background(), request(tt.headers))
			if res.Decision != tt.want {
				t.Fatalf("Decision = %s, want %s", res.Decision, tt.want)
			}
			if tt.want == auth.Yes && res.Identity.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", res.Identity.Subject, tt.wantSubject)
			}
		})
	}
}

func TestIdentityIsCopied(t *testing.T) {
	a := newTestAuth()
	r := request(map[string]string{"Authorization": "Bearer tm-test-key-1"})

	first := a.Authenticate(context.Background(), r)
	first.Identity.Subject = "mallory"
	first.Identity.Tools[0] = "*"

	second := a.Authenticate(context.Background(), r)
	if second.Identity.Subject != "alice" || second.Identity.Tools[0] != "query" {
		t.Errorf("stored identity mutated: %+v", second.Identity)
	}
	if second.Identity.TenantID() != "org-1" {
		t.Errorf("TenantID = %q", second.Identity.TenantID())
	}
}
