// Package database defines the entitlement store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/licenser/internal/domain/entitlement"
	"github.com/Strob0t/licenser/internal/domain/license"
	"github.com/Strob0t/licenser/internal/domain/tenant"
)

// Store is the port interface for durable tenant, license and entitlement
// state. Every method is atomic with respect to a single transaction.
// Missing rows are reported as domain.ErrNotFound; unique constraint
// violations as domain.ErrDuplicate*.
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, req tenant.CreateRequest) (*tenant.Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (*tenant.Tenant, error)
	UpdateTenant(ctx context.Context, t *tenant.Tenant) error
	ListTenantIDs(ctx context.Context) ([]string, error)
	// GetTenantDefaults returns domain.ErrMissingDefault when no default
	// capability is set; DurationHours is still populated in that case.
	GetTenantDefaults(ctx context.Context, tenantID string) (tenant.Defaults, error)

	// Licenses
	InsertLicenses(ctx context.Context, codes []string, tenantID, capabilityID string, durationHours int) error
	LookupLicense(ctx context.Context, code string) (*license.License, error)
	DeleteLicense(ctx context.Context, code string) error
	// ConsumeLicense deletes code and reports whether this call removed
	// the row; false means another redemption consumed it first.
	ConsumeLicense(ctx context.Context, code string) (bool, error)
	ListLicenses(ctx context.Context, tenantID, capabilityID string, limit int) ([]license.Summary, error)
	CountLicenses(ctx context.Context, tenantID string) (int, error)

	// Entitlements
	InsertEntitlement(ctx context.Context, e entitlement.Entitlement) error
	ReplaceEntitlement(ctx context.Context, e entitlement.Entitlement) error
	GetEntitlementExpiry(ctx context.Context, identityID, capabilityID string) (*entitlement.Entitlement, error)
	DeleteEntitlement(ctx context.Context, identityID, capabilityID string) error
	ListEntitlementsByIdentity(ctx context.Context, tenantID, identityID string) ([]entitlement.Entitlement, error)
	ScanEntitlements(ctx context.Context, fn func(entitlement.Entitlement) error) error
	CountEntitlements(ctx context.Context, tenantID string) (int, error)

	// Backups
	// ExportTenant reads the tenant row with its licenses and entitlements
	// from one snapshot.
	ExportTenant(ctx context.Context, tenantID string) (*tenant.Backup, error)

	// Cascades
	CascadeDeleteTenant(ctx context.Context, tenantID string, dropTenantRow bool) error
	CascadeDeleteCapability(ctx context.Context, capabilityID string) error
}
