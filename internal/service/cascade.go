package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/licenser/internal/port/database"
	"github.com/Strob0t/licenser/internal/port/messagequeue"
	"github.com/Strob0t/licenser/internal/port/privilege"
)

// CascadeService removes dependent state when a tenant or capability
// disappears from the external system.
type CascadeService struct {
	store   database.Store
	gateway privilege.Gateway
	tenants *TenantService
}

// NewCascadeService creates a CascadeService.
func NewCascadeService(store database.Store, gateway privilege.Gateway, tenants *TenantService) *CascadeService {
	return &CascadeService{store: store, gateway: gateway, tenants: tenants}
}

// TenantRemoved deletes the tenant with all of its licenses and entitlements.
func (s *CascadeService) TenantRemoved(ctx context.Context, tenantID string) error {
	return s.tenants.Purge(ctx, tenantID)
}

// CapabilityRemoved deletes every license and entitlement referencing the
// capability and clears it as a tenant default. tenantID is optional and
// narrows cache invalidation.
func (s *CascadeService) CapabilityRemoved(ctx context.Context, tenantID, capabilityID string) error {
	if err := s.store.CascadeDeleteCapability(ctx, capabilityID); err != nil {
		return err
	}
	if tenantID != "" {
		s.tenants.Invalidate(ctx, tenantID)
	} else {
		ids, err := s.store.ListTenantIDs(ctx)
		if err != nil {
			return fmt.Errorf("invalidate tenant defaults: %w", err)
		}
		for _, id := range ids {
			s.tenants.Invalidate(ctx, id)
		}
	}
	slog.InfoContext(ctx, "capability purged", "capability_id", capabilityID)
	return nil
}

// Subscribe wires the removal subjects of q to the cascades. The returned
// function cancels both subscriptions.
func (s *CascadeService) Subscribe(ctx context.Context, q messagequeue.Queue) (func(), error) {
	cancelTenant, err := q.Subscribe(ctx, messagequeue.SubjectTenantRemoved, s.handleTenantRemoved)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectTenantRemoved, err)
	}
	cancelCapability, err := q.Subscribe(ctx, messagequeue.SubjectCapabilityRemoved, s.handleCapabilityRemoved)
	if err != nil {
		cancelTenant()
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectCapabilityRemoved, err)
	}
	return func() {
		cancelTenant()
		cancelCapability()
	}, nil
}

func (s *CascadeService) handleTenantRemoved(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TenantRemovedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode tenant removed: %w", err)
	}
	return s.TenantRemoved(ctx, p.TenantID)
}

func (s *CascadeService) handleCapabilityRemoved(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.CapabilityRemovedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode capability removed: %w", err)
	}
	return s.CapabilityRemoved(ctx, p.TenantID, p.CapabilityID)
}

// Reconcile purges every stored tenant the external system no longer knows
// and returns how many were purged. Lookup failures leave the tenant alone.
func (s *CascadeService) Reconcile(ctx context.Context) (int, error) {
	ids, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		return 0, err
	}
	var (
		purged int
		errs   []error
	)
	for _, id := range ids {
		exists, err := s.gateway.TenantExists(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
			continue
		}
		if exists {
			continue
		}
		if err := s.tenants.Purge(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}
	slog.InfoContext(ctx, "tenant reconciliation finished", "tenants", len(ids), "purged", purged)
	return purged, errors.Join(errs...)
}
