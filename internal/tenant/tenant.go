// Package tenant carries the per-operation tenant identity and role that
// every database transaction must declare before touching tenant-scoped rows.
//
// The carrier is an explicit value threaded through context.Context, not a
// package-level global. It is set exactly once per logical operation (one
// HTTP request, or one job execution) and read by the transaction hook in
// internal/db. It is never persisted.
package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Role selects which row-level policy applies to the operation.
type Role string

const (
	// RoleMember sees only rows whose tenant_id matches the context.
	RoleMember Role = "member"

	// RoleOwnerAdmin is the bypass role for system and background operations
	// acting on behalf of a tenant without an end-user session.
	RoleOwnerAdmin Role = "owner_admin"
)

// Valid reports whether the role is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleOwnerAdmin
}

// Context identifies the tenant and role for one logical operation.
type Context struct {
	TenantID uuid.UUID
	Role     Role
}

// Validate checks that the context can be applied to a transaction. A member
// context must name a tenant; an owner_admin context may omit it for the
// discovery step that looks up which tenant a job belongs to.
func (c Context) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("tenant context: unknown role %q", c.Role)
	}
	if c.Role == RoleMember && c.TenantID == uuid.Nil {
		return fmt.Errorf("tenant context: tenant id is required for member role")
	}
	return nil
}

type ctxKey struct{}

// NewContext returns a context carrying tc. Workers call this once per job
// with the job's declared tenant; the HTTP layer calls it once per request.
func NewContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext extracts the tenant context, if one was set.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// AsWorker returns a context scoped to tenantID with the admin-bypass role.
// Background workers always act as owner_admin on the job's declared tenant,
// never on a wildcard.
func AsWorker(ctx context.Context, tenantID uuid.UUID) context.Context {
	return NewContext(ctx, Context{TenantID: tenantID, Role: RoleOwnerAdmin})
}

// AsSystem returns an owner_admin context with no tenant. It exists solely
// for the claim and lookup steps that discover which tenant a job belongs
// to; once the tenant is known, callers switch to AsWorker.
func AsSystem(ctx context.Context) context.Context {
	return NewContext(ctx, Context{Role: RoleOwnerAdmin})
}
