package authz

import (
	"context"
	"testing"
)

func TestStaticRoles_GrantAndCheck(t *testing.T) {
	t.Parallel()

	roles := NewStaticRoles()
	ctx := context.Background()
	finalizer := [20]byte{1}
	admin := [20]byte{2}
	stranger := [20]byte{3}

	roles.GrantFinalizer(finalizer)
	roles.GrantAdministrator(admin)

	if ok, err := roles.CanFinalize(ctx, finalizer); err != nil || !ok {
		t.Fatalf("expected finalizer to be authorized, ok=%v err=%v", ok, err)
	}
	if ok, err := roles.CanFinalize(ctx, stranger); err != nil || ok {
		t.Fatalf("expected stranger to not be authorized to finalize, ok=%v err=%v", ok, err)
	}
	if ok, err := roles.CanAdminister(ctx, admin); err != nil || !ok {
		t.Fatalf("expected administrator to be authorized, ok=%v err=%v", ok, err)
	}
	if ok, err := roles.CanAdminister(ctx, finalizer); err != nil || ok {
		t.Fatalf("expected finalizer to not have administrator role, ok=%v err=%v", ok, err)
	}
}
