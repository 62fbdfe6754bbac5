// Package privilege defines the port to the external system that actually
// holds capabilities (roles) and identities (members).
package privilege

import (
	"context"
	"errors"
)

// ErrForbidden is returned when the external system refuses a grant or
// revoke, e.g. because of role hierarchy or missing permissions.
var ErrForbidden = errors.New("privilege: forbidden")

// ErrNotFound is returned when the identity, capability or tenant targeted
// by a grant or revoke does not exist, or when a revoke targets a capability
// the identity does not hold.
var ErrNotFound = errors.New("privilege: not found")

// Gateway is the privilege-grant collaborator. All calls may block on the
// network; implementations must honour ctx deadlines.
type Gateway interface {
	// Grant adds capabilityID to identityID in tenantID.
	Grant(ctx context.Context, tenantID, identityID, capabilityID, reason string) error

	// Revoke removes capabilityID from identityID in tenantID.
	Revoke(ctx context.Context, tenantID, identityID, capabilityID string) error

	// HasCapability reports whether identityID currently holds capabilityID.
	HasCapability(ctx context.Context, tenantID, identityID, capabilityID string) (bool, error)

	CapabilityExists(ctx context.Context, tenantID, capabilityID string) (bool, error)
	IdentityInTenant(ctx context.Context, tenantID, identityID string) (bool, error)
	TenantExists(ctx context.Context, tenantID string) (bool, error)
}
