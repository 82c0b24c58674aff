package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{Invalid("ttl", "must be positive"), "validation_error"},
		{fmt.Errorf("acquire: %w", &ConflictError{Resource: FilePattern("src/**")}), "conflict"},
		{&PoolExhaustedError{Pool: "build", Capacity: 2, Active: 2}, "pool_exhausted"},
		{&ExpiredError{LeaseID: "x", Status: StatusReleased}, "expired"},
		{fmt.Errorf("renew: %w", ErrNotHolder), "not_holder"},
		{ErrRetryExhausted, "retry_exhausted"},
		{errors.New("disk on fire"), "internal"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestIsDomain(t *testing.T) {
	if !IsDomain(&ConflictError{}) {
		t.Fatal("conflict should be a domain outcome")
	}
	if IsDomain(ErrRetryExhausted) {
		t.Fatal("retry exhaustion is an infrastructure failure")
	}
	if IsDomain(errors.New("boom")) {
		t.Fatal("plain error is not a domain outcome")
	}
}

func TestConflictErrorAs(t *testing.T) {
	blocking := Lease{ID: "l1", Holder: 7, Resource: FilePattern("src/**")}
	err := fmt.Errorf("acquire: %w", &ConflictError{Resource: FilePattern("src/main.rs"), Blocking: []Lease{blocking}})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatal("expected ConflictError")
	}
	if len(ce.Blocking) != 1 || ce.Blocking[0].ID != "l1" {
		t.Fatalf("unexpected blocking leases: %+v", ce.Blocking)
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusActive.Terminal() {
		t.Fatal("active is not terminal")
	}
	for _, s := range []Status{StatusReleased, StatusExpired, StatusForceReleased} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}
