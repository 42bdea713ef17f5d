package storage

import "context"

type tenantKey struct{}

// WithTenant scopes journal reads and writes made with ctx to tenant.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFrom returns the tenant set by WithTenant. An empty tenant means
// single-tenant mode, where every record is visible.
func TenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey{}).(string)
	return tenant
}

// TenantVisible reports whether a record written for owner may be read
// through ctx.
func TenantVisible(ctx context.Context, owner string) bool {
	tenant := TenantFrom(ctx)
	return tenant == "" || tenant == owner
}
