// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed caller input.
var ErrValidation = errors.New("validation failed")

// Store constraint races. Callers recover from these locally.
var (
	ErrDuplicateTenant      = errors.New("tenant already exists")
	ErrDuplicateCode        = errors.New("license code already exists")
	ErrDuplicateEntitlement = errors.New("entitlement already exists for identity and capability")
)

// ErrMissingDefault is returned when a tenant has no default capability configured.
var ErrMissingDefault = errors.New("tenant has no default capability")

// ErrQuotaExceeded is returned when a tenant would exceed its unused license quota.
var ErrQuotaExceeded = errors.New("license quota exceeded")

// External drift and permission failures.
var (
	ErrCapabilityGone = errors.New("capability no longer exists")
	ErrTenantGone     = errors.New("tenant no longer exists")
	ErrGrantDenied    = errors.New("privilege grant denied")
	ErrRevokeDenied   = errors.New("privilege revoke denied")
	ErrDriftDetected  = errors.New("external privilege state differs from recorded entitlements")
)
