package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Strob0t/licenser/internal/config"
	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/license"
	"github.com/Strob0t/licenser/internal/domain/tenant"
	"github.com/Strob0t/licenser/internal/port/database"
	"github.com/Strob0t/licenser/internal/port/privilege"
)

// LicenseService mints, lists and counts license codes.
type LicenseService struct {
	store      database.Store
	gateway    privilege.Gateway
	tenants    *TenantService
	maxUnused  int
	retries    int
	newBackOff func() backoff.BackOff
}

// NewLicenseService creates a LicenseService.
func NewLicenseService(store database.Store, gateway privilege.Gateway, tenants *TenantService, cfg config.Licenses) *LicenseService {
	return &LicenseService{
		store:     store,
		gateway:   gateway,
		tenants:   tenants,
		maxUnused: cfg.MaxUnusedPerTenant,
		retries:   max(cfg.InsertRetries, 1),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			return b
		},
	}
}

// Generate mints req.Count codes. Missing capability or duration fall back
// to the tenant defaults. Code collisions regenerate the whole batch.
func (s *LicenseService) Generate(ctx context.Context, req license.GenerateRequest) (*license.Batch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.tenants.Ensure(ctx, req.TenantID); err != nil {
		return nil, err
	}

	capabilityID, durationHours, err := s.resolveTemplate(ctx, req.TenantID, req.CapabilityID, req.DurationHours)
	if err != nil {
		return nil, err
	}

	unused, err := s.store.CountLicenses(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if unused+req.Count > s.maxUnused {
		return nil, fmt.Errorf("tenant %s has %d unused licenses, limit is %d: %w", req.TenantID, unused, s.maxUnused, domain.ErrQuotaExceeded)
	}

	codes, err := backoff.Retry(ctx, func() ([]string, error) {
		codes, err := license.GenerateCodes(req.Count)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		err = s.store.InsertLicenses(ctx, codes, req.TenantID, capabilityID, durationHours)
		switch {
		case errors.Is(err, domain.ErrDuplicateCode):
			return nil, err
		case err != nil:
			return nil, backoff.Permanent(err)
		}
		return codes, nil
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(uint(s.retries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.WarnContext(ctx, "license code collision, regenerating batch", "tenant_id", req.TenantID, "next", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("generate licenses for tenant %s: %w", req.TenantID, err)
	}

	slog.InfoContext(ctx, "licenses generated",
		"tenant_id", req.TenantID,
		"capability_id", capabilityID,
		"duration_hours", durationHours,
		"count", len(codes),
	)
	return &license.Batch{
		TenantID:      req.TenantID,
		CapabilityID:  capabilityID,
		DurationHours: durationHours,
		Codes:         codes,
	}, nil
}

// resolveTemplate fills in tenant defaults and checks that the capability
// still exists externally.
func (s *LicenseService) resolveTemplate(ctx context.Context, tenantID, capabilityID string, durationHours int) (string, int, error) {
	if capabilityID == "" || durationHours == 0 {
		d, err := s.tenants.Defaults(ctx, tenantID)
		if err != nil && (capabilityID == "" || !errors.Is(err, domain.ErrMissingDefault)) {
			return "", 0, err
		}
		if capabilityID == "" {
			capabilityID = d.CapabilityID
		}
		if durationHours == 0 {
			durationHours = d.DurationHours
		}
	}
	if err := license.ValidateDuration(durationHours); err != nil {
		return "", 0, err
	}
	if err := s.requireCapability(ctx, tenantID, capabilityID); err != nil {
		return "", 0, err
	}
	return capabilityID, durationHours, nil
}

func (s *LicenseService) requireCapability(ctx context.Context, tenantID, capabilityID string) error {
	ok, err := s.gateway.CapabilityExists(ctx, tenantID, capabilityID)
	if err != nil {
		return fmt.Errorf("check capability %s: %w", capabilityID, err)
	}
	if !ok {
		return fmt.Errorf("capability %s in tenant %s: %w", capabilityID, tenantID, domain.ErrCapabilityGone)
	}
	return nil
}

// List returns up to limit unredeemed codes for a capability. An empty
// capabilityID uses the tenant default; limit 0 uses license.DefaultListLimit.
func (s *LicenseService) List(ctx context.Context, tenantID, capabilityID string, limit int) ([]license.Summary, error) {
	if limit == 0 {
		limit = license.DefaultListLimit
	}
	if err := license.ValidateListLimit(limit); err != nil {
		return nil, err
	}
	if capabilityID == "" {
		d, err := s.tenants.Defaults(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		capabilityID = d.CapabilityID
		if err := s.requireCapability(ctx, tenantID, capabilityID); err != nil {
			return nil, err
		}
	}
	return s.store.ListLicenses(ctx, tenantID, capabilityID, limit)
}

// Stats counts unused licenses and active entitlements of a tenant.
func (s *LicenseService) Stats(ctx context.Context, tenantID string) (*tenant.Stats, error) {
	licenses, err := s.store.CountLicenses(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	entitlements, err := s.store.CountEntitlements(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &tenant.Stats{
		TenantID:           tenantID,
		UnusedLicenses:     licenses,
		ActiveEntitlements: entitlements,
	}, nil
}

// Delete removes a license code. Deleting an unknown code is not an error.
func (s *LicenseService) Delete(ctx context.Context, code string) error {
	return s.store.DeleteLicense(ctx, code)
}
