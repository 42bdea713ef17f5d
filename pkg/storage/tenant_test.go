package storage

import (
	"context"
	"testing"
)

func TestTenantScope(t *testing.T) {
	base := context.Background()
	acme := WithTenant(base, "acme")

	tests := []struct {
		name  string
		ctx   context.Context
		owner string
		want  bool
	}{
		{"single tenant sees untagged", base, "", true},
		{"single tenant sees every tenant", base, "acme", true},
		{"own records", acme, "acme", true},
		{"other tenant", acme, "globex", false},
		{"untagged hidden from tenant", acme, "", false},
		{"innermost scope wins", WithTenant(acme, "globex"), "globex", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TenantVisible(tt.ctx, tt.owner); got != tt.want {
				t.Errorf("TenantVisible(%q) = %v, want %v", tt.owner, got, tt.want)
			}
		})
	}

	if got := TenantFrom(acme); got != "acme" {
		t.Errorf("TenantFrom = %q", got)
	}
	// A plain string key must not alias the tenant key.
	foreign := context.WithValue(base, "tenant", "acme")
	if got := TenantFrom(foreign); got != "" {
		t.Errorf("string key leaked into TenantFrom: %q", got)
	}
}
