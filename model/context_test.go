package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{SubjectID: "user-1", TenantID: "tenant-1"},
			wantErr: false,
		},
		{
			name:    "missing SubjectID",
			rc:      &RequestContext{TenantID: "tenant-1"},
			wantErr: true,
		},
		{
			name:    "missing TenantID",
			rc:      &RequestContext{SubjectID: "user-1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			rc:      &RequestContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_plumbing(t *testing.T) {
	rctx := &RequestContext{SubjectID: "user-1", TenantID: "tenant-1"}
	ctx := WithRequestContext(context.Background(), rctx)

	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom = %p, want %p", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
	if got := MustRequestContext(ctx); got != rctx {
		t.Error("MustRequestContext returned wrong context")
	}
}

func TestMustRequestContext_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustRequestContext(context.Background())
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"initiator", "approver"}}
	if !rc.HasRole("approver") {
		t.Error("HasRole(approver) = false")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true")
	}
}
