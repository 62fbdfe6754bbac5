// Package entitlement defines the live record of an identity holding a
// capability until an absolute expiry instant.
package entitlement

import (
	"fmt"
	"time"

	"github.com/Strob0t/licenser/internal/domain"
)

// Entitlement is unique per (IdentityID, CapabilityID). ExpiresAt is always UTC.
type Entitlement struct {
	IdentityID   string    `json:"identity_id"`
	TenantID     string    `json:"tenant_id"`
	CapabilityID string    `json:"capability_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Key identifies an entitlement row.
type Key struct {
	IdentityID   string
	CapabilityID string
}

// Key returns the unique key of e.
func (e Entitlement) Key() Key {
	return Key{IdentityID: e.IdentityID, CapabilityID: e.CapabilityID}
}

// New builds an entitlement that expires duration after now.
func New(identityID, tenantID, capabilityID string, now time.Time, duration time.Duration) (Entitlement, error) {
	e := Entitlement{
		IdentityID:   identityID,
		TenantID:     tenantID,
		CapabilityID: capabilityID,
		ExpiresAt:    now.Add(duration).UTC(),
	}
	if err := e.Validate(now); err != nil {
		return Entitlement{}, err
	}
	return e, nil
}

// Validate checks required fields and that the entitlement expires after now.
func (e Entitlement) Validate(now time.Time) error {
	switch {
	case e.IdentityID == "":
		return fmt.Errorf("%w: identity_id is required", domain.ErrValidation)
	case e.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	case e.CapabilityID == "":
		return fmt.Errorf("%w: capability_id is required", domain.ErrValidation)
	case !e.ExpiresAt.After(now):
		return fmt.Errorf("%w: expires_at must be after creation time", domain.ErrValidation)
	}
	return nil
}

// Expired reports whether the entitlement has run out at now. An entitlement
// expiring exactly at now is expired.
func (e Entitlement) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Remaining returns the time left before expiry, never negative.
func Remaining(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Truncate(time.Second)
}
