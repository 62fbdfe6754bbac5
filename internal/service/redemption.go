package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/entitlement"
	"github.com/Strob0t/licenser/internal/domain/redemption"
	"github.com/Strob0t/licenser/internal/port/database"
	"github.com/Strob0t/licenser/internal/port/privilege"
)

// RedemptionService converts license codes into entitlements and revokes
// them on request. External calls always happen outside store transactions.
type RedemptionService struct {
	store     database.Store
	gateway   privilege.Gateway
	tenants   *TenantService
	lifecycle *Lifecycle
	clock     quartz.Clock
	codes     keyedMutex
}

// NewRedemptionService creates a RedemptionService. lifecycle may be nil.
func NewRedemptionService(store database.Store, gateway privilege.Gateway, tenants *TenantService, lifecycle *Lifecycle, clock quartz.Clock) *RedemptionService {
	return &RedemptionService{
		store:     store,
		gateway:   gateway,
		tenants:   tenants,
		lifecycle: lifecycle,
		clock:     clock,
	}
}

// Redeem runs the redemption state machine for a code. Rejections are
// returned as results; the error is reserved for store and infrastructure
// failures.
func (s *RedemptionService) Redeem(ctx context.Context, req redemption.RedeemRequest) (redemption.Result, error) {
	if err := req.Validate(); err != nil {
		return redemption.Result{}, err
	}
	log := slog.With("identity_id", req.IdentityID)

	// Redemptions of one code run one at a time; the loser of a race then
	// finds the code consumed.
	unlock := s.codes.lock(req.Code)
	defer unlock()

	lic, err := s.store.LookupLicense(ctx, req.Code)
	if errors.Is(err, domain.ErrNotFound) {
		log.DebugContext(ctx, "redeem: unknown code")
		return redemption.Reject(redemption.OutcomeInvalidCode), nil
	}
	if err != nil {
		return redemption.Result{}, err
	}
	log = log.With("tenant_id", lic.TenantID, "capability_id", lic.CapabilityID)

	if req.ExpectedTenantID != "" && req.ExpectedTenantID != lic.TenantID {
		log.InfoContext(ctx, "redeem: code belongs to another tenant", "expected_tenant_id", req.ExpectedTenantID)
		return redemption.Reject(redemption.OutcomeWrongTenant), nil
	}

	res, err := s.grant(ctx, log, lic.TenantID, req.IdentityID, lic.CapabilityID, lic.Duration(), "license redeemed")
	if err != nil {
		return redemption.Result{}, err
	}

	switch res.Outcome {
	case redemption.OutcomeCapabilityGone:
		// The backing role is gone so the code can never be redeemed again.
		if err := s.store.DeleteLicense(ctx, lic.Code); err != nil {
			return redemption.Result{}, err
		}
		log.InfoContext(ctx, "redeem: capability gone, license removed")
	case redemption.OutcomeGranted:
		consumed, err := s.store.ConsumeLicense(ctx, lic.Code)
		if err != nil {
			// The entitlement stands; the redundant row is harmless and
			// deleting it again is idempotent.
			log.WarnContext(ctx, "redeem: consume license failed", "error", err)
			return res, fmt.Errorf("consume license: %w", err)
		}
		if !consumed {
			log.WarnContext(ctx, "redeem: license consumed concurrently, rolling back")
			return s.rollback(ctx, log, lic.TenantID, req.IdentityID, lic.CapabilityID)
		}
		log.InfoContext(ctx, "license redeemed", "expires_at", res.ExpiresAt)
	}
	return res, nil
}

// rollback undoes a grant whose license was claimed by another redemption.
func (s *RedemptionService) rollback(ctx context.Context, log *slog.Logger, tenantID, identityID, capabilityID string) (redemption.Result, error) {
	s.compensate(ctx, log, tenantID, identityID, capabilityID)
	if err := s.store.DeleteEntitlement(context.WithoutCancel(ctx), identityID, capabilityID); err != nil {
		return redemption.Result{}, fmt.Errorf("roll back entitlement: %w", err)
	}
	return redemption.Reject(redemption.OutcomeInvalidCode), nil
}

// GrantManual grants a capability without a license. Zero DurationHours
// uses the tenant default duration.
func (s *RedemptionService) GrantManual(ctx context.Context, g redemption.ManualGrant) (redemption.Result, error) {
	if err := g.Validate(); err != nil {
		return redemption.Result{}, err
	}
	hours := g.DurationHours
	if hours == 0 {
		d, err := s.tenants.Defaults(ctx, g.TenantID)
		if err != nil && !errors.Is(err, domain.ErrMissingDefault) {
			return redemption.Result{}, err
		}
		hours = d.DurationHours
	}
	if hours < 1 {
		return redemption.Result{}, fmt.Errorf("%w: duration must be at least 1 hour", domain.ErrValidation)
	}

	log := slog.With("identity_id", g.IdentityID, "tenant_id", g.TenantID, "capability_id", g.CapabilityID)
	res, err := s.grant(ctx, log, g.TenantID, g.IdentityID, g.CapabilityID, time.Duration(hours)*time.Hour, "manual grant")
	if err != nil {
		return redemption.Result{}, err
	}
	if res.Granted() {
		log.InfoContext(ctx, "manual grant recorded", "expires_at", res.ExpiresAt)
	}
	return res, nil
}

// grant runs the capability check, held check, external grant and record
// steps shared by redemption and manual grants.
func (s *RedemptionService) grant(ctx context.Context, log *slog.Logger, tenantID, identityID, capabilityID string, duration time.Duration, reason string) (redemption.Result, error) {
	exists, err := s.gateway.CapabilityExists(ctx, tenantID, capabilityID)
	if err != nil {
		return redemption.Result{}, fmt.Errorf("check capability %s: %w", capabilityID, err)
	}
	if !exists {
		return s.result(redemption.OutcomeCapabilityGone, tenantID, capabilityID), nil
	}

	held, err := s.gateway.HasCapability(ctx, tenantID, identityID, capabilityID)
	if err != nil {
		return redemption.Result{}, fmt.Errorf("check held capability %s: %w", capabilityID, err)
	}
	if held {
		current, err := s.store.GetEntitlementExpiry(ctx, identityID, capabilityID)
		switch {
		case err == nil:
			return redemption.AlreadyActive(tenantID, capabilityID, current.ExpiresAt, s.clock.Now()), nil
		case errors.Is(err, domain.ErrNotFound):
			log.WarnContext(ctx, "capability held without a recorded entitlement")
			return s.result(redemption.OutcomeDriftDetected, tenantID, capabilityID), nil
		default:
			return redemption.Result{}, err
		}
	}

	if err := s.gateway.Grant(ctx, tenantID, identityID, capabilityID, reason); err != nil {
		// Denials, timeouts and cancellations all leave the store untouched.
		// Only a refusal or a missing target proves the grant did not land.
		log.WarnContext(ctx, "external grant failed", "error", err)
		if !errors.Is(err, privilege.ErrForbidden) && !errors.Is(err, privilege.ErrNotFound) {
			s.compensate(ctx, log, tenantID, identityID, capabilityID)
		}
		return s.result(redemption.OutcomeGrantDenied, tenantID, capabilityID), nil
	}

	e, err := entitlement.New(identityID, tenantID, capabilityID, s.clock.Now().UTC(), duration)
	if err == nil {
		err = s.record(ctx, log, e)
	}
	if err != nil {
		s.compensate(ctx, log, tenantID, identityID, capabilityID)
		return redemption.Result{}, fmt.Errorf("record entitlement: %w", err)
	}

	s.lifecycle.Granted(ctx, e, reason)
	res := s.result(redemption.OutcomeGranted, tenantID, capabilityID)
	res.ExpiresAt = e.ExpiresAt
	return res, nil
}

// record inserts e, force-replacing a row that appeared concurrently.
func (s *RedemptionService) record(ctx context.Context, log *slog.Logger, e entitlement.Entitlement) error {
	err := s.store.InsertEntitlement(ctx, e)
	if !errors.Is(err, domain.ErrDuplicateEntitlement) {
		return err
	}
	log.WarnContext(ctx, "force-replace: entitlement row already existed, newer grant wins", "expires_at", e.ExpiresAt)
	return s.store.ReplaceEntitlement(ctx, e)
}

// compensate undoes an external grant whose entitlement could not be
// recorded, so no privilege exists without a row that will expire it.
func (s *RedemptionService) compensate(ctx context.Context, log *slog.Logger, tenantID, identityID, capabilityID string) {
	err := s.gateway.Revoke(context.WithoutCancel(ctx), tenantID, identityID, capabilityID)
	switch {
	case errors.Is(err, privilege.ErrNotFound):
		log.DebugContext(ctx, "external grant did not land, nothing to roll back")
		return
	case err != nil:
		log.ErrorContext(ctx, "compensating revoke failed, capability held without entitlement", "error", err)
		return
	}
	log.WarnContext(ctx, "external grant rolled back")
}

func (s *RedemptionService) result(outcome redemption.Outcome, tenantID, capabilityID string) redemption.Result {
	r := redemption.Reject(outcome)
	r.TenantID = tenantID
	r.CapabilityID = capabilityID
	return r
}

// Revoke removes a capability externally and then deletes its row. A
// capability the identity no longer holds counts as revoked. A refused
// revoke leaves the row untouched.
func (s *RedemptionService) Revoke(ctx context.Context, tenantID, identityID, capabilityID string) error {
	log := slog.With("identity_id", identityID, "tenant_id", tenantID, "capability_id", capabilityID)

	err := s.gateway.Revoke(ctx, tenantID, identityID, capabilityID)
	switch {
	case errors.Is(err, privilege.ErrNotFound):
		log.DebugContext(ctx, "revoke: capability already absent")
	case err != nil:
		log.WarnContext(ctx, "revoke denied", "error", err)
		return fmt.Errorf("revoke %s from %s: %w: %w", capabilityID, identityID, domain.ErrRevokeDenied, err)
	}

	if err := s.store.DeleteEntitlement(ctx, identityID, capabilityID); err != nil {
		return err
	}
	log.InfoContext(ctx, "entitlement revoked")
	s.lifecycle.Revoked(ctx, entitlement.Entitlement{IdentityID: identityID, TenantID: tenantID, CapabilityID: capabilityID}, "administrator revoke")
	return nil
}

// RevokeAll revokes every entitlement the identity holds in the tenant and
// returns how many were removed. Failures do not stop the remaining
// revocations and are joined into the returned error.
func (s *RedemptionService) RevokeAll(ctx context.Context, tenantID, identityID string) (int, error) {
	ents, err := s.store.ListEntitlementsByIdentity(ctx, tenantID, identityID)
	if err != nil {
		return 0, err
	}
	var (
		revoked int
		errs    []error
	)
	for _, e := range ents {
		if err := s.Revoke(ctx, e.TenantID, e.IdentityID, e.CapabilityID); err != nil {
			errs = append(errs, err)
			continue
		}
		revoked++
	}
	return revoked, errors.Join(errs...)
}
