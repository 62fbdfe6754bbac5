package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/license"
	"github.com/Strob0t/licenser/internal/domain/tenant"
	"github.com/Strob0t/licenser/internal/port/cache"
	"github.com/Strob0t/licenser/internal/port/database"
	"github.com/Strob0t/licenser/internal/port/privilege"
)

// TenantService manages tenant registration and per-tenant defaults.
type TenantService struct {
	store         database.Store
	gateway       privilege.Gateway
	cache         cache.Cache
	cacheTTL      time.Duration
	defaultPrefix string
}

// NewTenantService creates a new TenantService. defaultsCache may be nil.
func NewTenantService(store database.Store, gateway privilege.Gateway, defaultsCache cache.Cache, cacheTTL time.Duration, defaultPrefix string) *TenantService {
	return &TenantService{
		store:         store,
		gateway:       gateway,
		cache:         defaultsCache,
		cacheTTL:      cacheTTL,
		defaultPrefix: defaultPrefix,
	}
}

// Create validates and registers a new tenant.
func (s *TenantService) Create(ctx context.Context, req tenant.CreateRequest) (*tenant.Tenant, error) {
	if req.Prefix == "" {
		req.Prefix = s.defaultPrefix
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t, err := s.store.CreateTenant(ctx, req)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "tenant registered", "tenant_id", t.ID)
	return t, nil
}

// Ensure returns the tenant, registering it with default settings first if
// it is unknown.
func (s *TenantService) Ensure(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, err := s.store.GetTenant(ctx, id)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	t, err = s.Create(ctx, tenant.CreateRequest{ID: id})
	if errors.Is(err, domain.ErrDuplicateTenant) {
		return s.store.GetTenant(ctx, id)
	}
	return t, err
}

// Get returns a tenant by ID.
func (s *TenantService) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	return s.store.GetTenant(ctx, id)
}

// ListIDs returns the ids of every registered tenant.
func (s *TenantService) ListIDs(ctx context.Context) ([]string, error) {
	return s.store.ListTenantIDs(ctx)
}

// Update applies partial updates. A new default capability must exist in
// the external system.
func (s *TenantService) Update(ctx context.Context, id string, req tenant.UpdateRequest) (*tenant.Tenant, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.DefaultDurationHours != nil {
		if err := license.ValidateDuration(*req.DefaultDurationHours); err != nil {
			return nil, err
		}
	}
	if req.DefaultCapabilityID != nil && *req.DefaultCapabilityID != "" {
		ok, err := s.gateway.CapabilityExists(ctx, id, *req.DefaultCapabilityID)
		if err != nil {
			return nil, fmt.Errorf("check capability %s: %w", *req.DefaultCapabilityID, err)
		}
		if !ok {
			return nil, fmt.Errorf("capability %s in tenant %s: %w", *req.DefaultCapabilityID, id, domain.ErrCapabilityGone)
		}
	}

	t, err := s.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Apply(req)
	if err := s.store.UpdateTenant(ctx, t); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return t, nil
}

// SetPrefix changes the tenant's command prefix.
func (s *TenantService) SetPrefix(ctx context.Context, id, prefix string) (*tenant.Tenant, error) {
	return s.Update(ctx, id, tenant.UpdateRequest{Prefix: &prefix})
}

// SetDefaultCapability changes the capability used by generate when none is given.
func (s *TenantService) SetDefaultCapability(ctx context.Context, id, capabilityID string) (*tenant.Tenant, error) {
	return s.Update(ctx, id, tenant.UpdateRequest{DefaultCapabilityID: &capabilityID})
}

// SetDefaultDuration parses a human duration ("2y 5months", "36") and
// stores it as the tenant's default license length.
func (s *TenantService) SetDefaultDuration(ctx context.Context, id, duration string) (*tenant.Tenant, error) {
	hours, err := license.ParseDuration(duration)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, id, tenant.UpdateRequest{DefaultDurationHours: &hours})
}

// Defaults returns the tenant's license template. A tenant without a
// default capability yields domain.ErrMissingDefault alongside a Defaults
// whose DurationHours is still valid.
func (s *TenantService) Defaults(ctx context.Context, id string) (tenant.Defaults, error) {
	if d, ok := s.cachedDefaults(ctx, id); ok {
		return d, missingDefault(id, d)
	}

	d, err := s.store.GetTenantDefaults(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrMissingDefault) {
		return tenant.Defaults{}, err
	}
	s.cacheDefaults(ctx, id, d)
	return d, missingDefault(id, d)
}

// Purge removes the tenant and everything it owns.
func (s *TenantService) Purge(ctx context.Context, id string) error {
	if err := s.store.CascadeDeleteTenant(ctx, id, true); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	slog.InfoContext(ctx, "tenant purged", "tenant_id", id)
	return nil
}

// ClearData removes every license and entitlement of the tenant but keeps
// the tenant row and its settings. External capabilities are left as they
// are.
func (s *TenantService) ClearData(ctx context.Context, id string) error {
	if err := s.store.CascadeDeleteTenant(ctx, id, false); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	slog.InfoContext(ctx, "tenant data cleared", "tenant_id", id)
	return nil
}

// Backup exports the tenant row with its licenses and entitlements.
func (s *TenantService) Backup(ctx context.Context, id string) (*tenant.Backup, error) {
	b, err := s.store.ExportTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	b.ExportedAt = time.Now().UTC()
	slog.InfoContext(ctx, "tenant exported", "tenant_id", id,
		"licenses", len(b.Licenses), "entitlements", len(b.Entitlements))
	return b, nil
}

// Invalidate drops cached defaults for the tenant.
func (s *TenantService) Invalidate(ctx context.Context, id string) {
	s.invalidate(ctx, id)
}

func missingDefault(id string, d tenant.Defaults) error {
	if d.CapabilityID == "" {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrMissingDefault)
	}
	return nil
}

func defaultsKey(id string) string { return "tenant-defaults:" + id }

func (s *TenantService) cachedDefaults(ctx context.Context, id string) (tenant.Defaults, bool) {
	if s.cache == nil {
		return tenant.Defaults{}, false
	}
	raw, ok, err := s.cache.Get(ctx, defaultsKey(id))
	if err != nil || !ok {
		return tenant.Defaults{}, false
	}
	var d tenant.Defaults
	if err := json.Unmarshal(raw, &d); err != nil {
		return tenant.Defaults{}, false
	}
	return d, true
}

func (s *TenantService) cacheDefaults(ctx context.Context, id string, d tenant.Defaults) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, defaultsKey(id), raw, s.cacheTTL); err != nil {
		slog.DebugContext(ctx, "cache set failed", "tenant_id", id, "error", err)
	}
}

func (s *TenantService) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, defaultsKey(id)); err != nil {
		slog.DebugContext(ctx, "cache delete failed", "tenant_id", id, "error", err)
	}
}
