// Package redemption describes the outcome of converting a license code
// (or a manual grant) into an entitlement.
package redemption

import (
	"fmt"
	"time"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/entitlement"
	"github.com/Strob0t/licenser/internal/domain/license"
)

// Outcome is the terminal state of a redemption attempt.
type Outcome string

const (
	OutcomeGranted        Outcome = "granted"
	OutcomeInvalidCode    Outcome = "invalid_code"
	OutcomeWrongTenant    Outcome = "wrong_tenant"
	OutcomeCapabilityGone Outcome = "capability_gone"
	OutcomeAlreadyActive  Outcome = "already_active"
	OutcomeDriftDetected  Outcome = "drift_detected"
	OutcomeGrantDenied    Outcome = "grant_denied"
)

// Result is returned for every attempt. Rejections are values, not errors.
type Result struct {
	Outcome      Outcome       `json:"outcome"`
	TenantID     string        `json:"tenant_id,omitempty"`
	CapabilityID string        `json:"capability_id,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at,omitzero"`
	Remaining    time.Duration `json:"-"`
	RemainingSec int64         `json:"remaining_seconds,omitempty"`
	Message      string        `json:"message"`
}

// Granted reports whether the attempt produced an entitlement.
func (r Result) Granted() bool { return r.Outcome == OutcomeGranted }

// Reject builds a rejection with the canonical message for outcome.
func Reject(outcome Outcome) Result {
	return Result{Outcome: outcome, Message: messages[outcome]}
}

// AlreadyActive builds the informational rejection for an identity that
// still holds a recorded entitlement.
func AlreadyActive(tenantID, capabilityID string, expiresAt, now time.Time) Result {
	remaining := entitlement.Remaining(expiresAt, now)
	r := Reject(OutcomeAlreadyActive)
	r.TenantID = tenantID
	r.CapabilityID = capabilityID
	r.ExpiresAt = expiresAt.UTC()
	r.Remaining = remaining
	r.RemainingSec = int64(remaining / time.Second)
	r.Message = fmt.Sprintf("%s; it expires in %s", r.Message, remaining)
	return r
}

var messages = map[Outcome]string{
	OutcomeGranted:        "license redeemed",
	OutcomeInvalidCode:    "the license key you entered is invalid or deactivated",
	OutcomeWrongTenant:    "the license key you entered is invalid or deactivated",
	OutcomeCapabilityGone: "the role linked to this license no longer exists; the license was removed",
	OutcomeAlreadyActive:  "you already hold this role",
	OutcomeDriftDetected:  "you already hold this role but no active license is recorded; ask an administrator to remove the role first",
	OutcomeGrantDenied:    "the role could not be assigned; check the bot's permissions and role hierarchy",
}

// Err maps a rejection to its domain sentinel, or nil for grants and
// informational outcomes.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeInvalidCode, OutcomeWrongTenant:
		return domain.ErrNotFound
	case OutcomeCapabilityGone:
		return domain.ErrCapabilityGone
	case OutcomeDriftDetected:
		return domain.ErrDriftDetected
	case OutcomeGrantDenied:
		return domain.ErrGrantDenied
	}
	return nil
}

// RedeemRequest is a code submitted by an identity. ExpectedTenantID is
// optional; when set the license must belong to that tenant.
type RedeemRequest struct {
	Code             string `json:"code"`
	IdentityID       string `json:"identity_id"`
	ExpectedTenantID string `json:"tenant_id,omitempty"`
}

// Validate checks required fields.
func (r RedeemRequest) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("%w: code is required", domain.ErrValidation)
	}
	if r.IdentityID == "" {
		return fmt.Errorf("%w: identity_id is required", domain.ErrValidation)
	}
	return nil
}

// ManualGrant bypasses code redemption. Zero DurationHours uses the tenant default.
type ManualGrant struct {
	TenantID      string `json:"tenant_id"`
	IdentityID    string `json:"identity_id"`
	CapabilityID  string `json:"capability_id"`
	DurationHours int    `json:"duration_hours,omitempty"`
}

// Validate checks required fields.
func (g ManualGrant) Validate() error {
	switch {
	case g.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	case g.IdentityID == "":
		return fmt.Errorf("%w: identity_id is required", domain.ErrValidation)
	case g.CapabilityID == "":
		return fmt.Errorf("%w: capability_id is required", domain.ErrValidation)
	case g.DurationHours < 0:
		return fmt.Errorf("%w: duration must be a positive number of hours", domain.ErrValidation)
	case g.DurationHours > 0:
		return license.ValidateDuration(g.DurationHours)
	}
	return nil
}
