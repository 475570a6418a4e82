package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestContextRoundTrip(t *testing.T) {
	tc := Context{TenantID: uuid.New(), Role: RoleMember}
	ctx := NewContext(context.Background(), tc)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected tenant context to be present")
	}
	if got != tc {
		t.Errorf("got %+v, want %+v", got, tc)
	}
}

func TestFromContext_Absent(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no tenant context on a bare context")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		tc      Context
		wantErr bool
	}{
		{"member with tenant", Context{TenantID: uuid.New(), Role: RoleMember}, false},
		{"member without tenant", Context{Role: RoleMember}, true},
		{"owner_admin with tenant", Context{TenantID: uuid.New(), Role: RoleOwnerAdmin}, false},
		{"owner_admin without tenant", Context{Role: RoleOwnerAdmin}, false},
		{"unknown role", Context{TenantID: uuid.New(), Role: Role("superuser")}, true},
		{"empty role", Context{TenantID: uuid.New()}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tc.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAsWorker(t *testing.T) {
	tenantID := uuid.New()
	tc, ok := FromContext(AsWorker(context.Background(), tenantID))
	if !ok {
		t.Fatal("expected tenant context")
	}
	if tc.TenantID != tenantID || tc.Role != RoleOwnerAdmin {
		t.Errorf("unexpected worker context: %+v", tc)
	}
}

func TestAsSystem(t *testing.T) {
	tc, ok := FromContext(AsSystem(context.Background()))
	if !ok {
		t.Fatal("expected tenant context")
	}
	if tc.TenantID != uuid.Nil || tc.Role != RoleOwnerAdmin {
		t.Errorf("unexpected system context: %+v", tc)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("system context should validate, got %v", err)
	}
}
