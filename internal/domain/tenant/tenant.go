// Package tenant defines the tenant domain model. A tenant is the isolation
// boundary (a guild) that owns capabilities, licenses and entitlements.
package tenant

import (
	"fmt"
	"time"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/entitlement"
	"github.com/Strob0t/licenser/internal/domain/license"
)

// MaxPrefixLength is the longest command prefix a tenant may configure.
const MaxPrefixLength = 5

// DefaultDurationHours is applied to tenants that never configured a duration (30 days).
const DefaultDurationHours = 720

// Tenant represents an isolated tenant known to the engine.
type Tenant struct {
	ID                   string    `json:"id"`
	Prefix               string    `json:"prefix"`
	DefaultCapabilityID  string    `json:"default_capability_id,omitempty"`
	DefaultDurationHours int       `json:"default_duration_hours"`
	CreatedAt            time.Time `json:"created_at"`
}

// Defaults is the license template used when generate is called without
// an explicit capability or duration.
type Defaults struct {
	CapabilityID  string `json:"capability_id,omitempty"`
	DurationHours int    `json:"duration_hours"`
}

// Backup is a point-in-time export of everything a tenant owns.
type Backup struct {
	Tenant       Tenant                    `json:"tenant"`
	Licenses     []license.License         `json:"licenses"`
	Entitlements []entitlement.Entitlement `json:"entitlements"`
	ExportedAt   time.Time                 `json:"exported_at"`
}

// CreateRequest holds the fields required to register a tenant.
type CreateRequest struct {
	ID     string `json:"id"`
	Prefix string `json:"prefix"`
}

// UpdateRequest holds the fields that can be updated on a tenant.
// Nil fields are left untouched.
type UpdateRequest struct {
	Prefix               *string `json:"prefix,omitempty"`
	DefaultCapabilityID  *string `json:"default_capability_id,omitempty"`
	DefaultDurationHours *int    `json:"default_duration_hours,omitempty"`
}

// Validate checks the create request.
func (r CreateRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	return ValidatePrefix(r.Prefix)
}

// Validate checks the update request.
func (r UpdateRequest) Validate() error {
	if r.Prefix != nil {
		if err := ValidatePrefix(*r.Prefix); err != nil {
			return err
		}
	}
	if r.DefaultDurationHours != nil && *r.DefaultDurationHours < 0 {
		return fmt.Errorf("%w: default duration must be >= 0 hours", domain.ErrValidation)
	}
	if r.DefaultDurationHours != nil && *r.DefaultDurationHours > license.MaxDurationHours {
		return fmt.Errorf("%w: default duration must not exceed %d hours", domain.ErrValidation, license.MaxDurationHours)
	}
	return nil
}

// ValidatePrefix enforces the prefix length limit.
func ValidatePrefix(prefix string) error {
	if len([]rune(prefix)) > MaxPrefixLength {
		return fmt.Errorf("%w: prefix is too long (max %d characters)", domain.ErrValidation, MaxPrefixLength)
	}
	return nil
}

// Apply merges the non-nil fields of req into t.
func (t *Tenant) Apply(req UpdateRequest) {
	if req.Prefix != nil {
		t.Prefix = *req.Prefix
	}
	if req.DefaultCapabilityID != nil {
		t.DefaultCapabilityID = *req.DefaultCapabilityID
	}
	if req.DefaultDurationHours != nil {
		t.DefaultDurationHours = *req.DefaultDurationHours
	}
}

// Stats counts what a tenant currently holds.
type Stats struct {
	TenantID           string `json:"tenant_id"`
	UnusedLicenses     int    `json:"unused_licenses"`
	ActiveEntitlements int    `json:"active_entitlements"`
}
