package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
	ErrNotHolder      = errors.New("not the lease holder")
	ErrConflict       = errors.New("conflict")
	ErrPoolExhausted  = errors.New("pool exhausted")
	ErrExpired        = errors.New("lease is no longer active")
	ErrRetryExhausted = errors.New("storage contention retries exhausted")
	ErrUnknownAgent   = errors.New("unknown agent")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError carries the active leases that block an acquisition.
type ConflictError struct {
	Resource Resource
	Blocking []Lease
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Blocking))
	for _, l := range e.Blocking {
		ids = append(ids, fmt.Sprintf("%s (%s held by agent %d)", l.ID, l.Resource.Key, l.Holder))
	}
	return fmt.Sprintf("%s conflicts with %s", e.Resource, strings.Join(ids, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type PoolExhaustedError struct {
	Pool     string
	Capacity int
	Active   int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool %q exhausted: %d of %d slots in use", e.Pool, e.Active, e.Capacity)
}

func (e *PoolExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// ExpiredError reports an attempt to act on a terminal lease.
type ExpiredError struct {
	LeaseID string
	Status  Status
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("lease %s is %s", e.LeaseID, e.Status)
}

func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

var kinds = []struct {
	err  error
	code string
}{
	{ErrValidation, "validation_error"},
	{ErrUnauthorized, "unauthorized"},
	{ErrNotFound, "not_found"},
	{ErrNotHolder, "not_holder"},
	{ErrConflict, "conflict"},
	{ErrPoolExhausted, "pool_exhausted"},
	{ErrExpired, "expired"},
	{ErrRetryExhausted, "retry_exhausted"},
	{ErrUnknownAgent, "unknown_agent"},
}

// Kind returns the stable machine-readable code for err, or "internal" when
// err is not one of the lease error kinds.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

// IsDomain reports whether err is a lease outcome rather than an
// infrastructure failure.
func IsDomain(err error) bool {
	return Kind(err) != "internal" && !errors.Is(err, ErrRetryExhausted)
}
