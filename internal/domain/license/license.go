// Package license defines single-use license codes and the generator that mints them.
package license

import (
	"fmt"
	"time"

	"github.com/Strob0t/licenser/internal/domain"
)

// MaxBatch caps how many licenses a single generate or list call may touch.
const MaxBatch = 100

// MaxDurationHours caps any granted duration at 100 years, well inside the
// range of time.Duration.
const MaxDurationHours = 100 * hoursPerYear

// License is an unredeemed, single-use grant token. Never mutated in place.
type License struct {
	Code          string    `json:"code"`
	TenantID      string    `json:"tenant_id"`
	CapabilityID  string    `json:"capability_id"`
	DurationHours int       `json:"duration_hours"`
	CreatedAt     time.Time `json:"created_at"`
}

// Duration returns the entitlement length the license grants.
func (l License) Duration() time.Duration {
	return time.Duration(l.DurationHours) * time.Hour
}

// Summary is the (code, duration) pair returned by list_licenses.
type Summary struct {
	Code          string `json:"code"`
	DurationHours int    `json:"duration_hours"`
}

// GenerateRequest asks for a batch of licenses. Empty CapabilityID and zero
// DurationHours fall back to the tenant defaults.
type GenerateRequest struct {
	TenantID      string `json:"tenant_id"`
	Count         int    `json:"count"`
	CapabilityID  string `json:"capability_id,omitempty"`
	DurationHours int    `json:"duration_hours,omitempty"`
}

// Validate checks the request independently of tenant defaults.
func (r GenerateRequest) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", domain.ErrValidation)
	}
	if r.Count < 1 {
		return fmt.Errorf("%w: count must be a positive integer", domain.ErrValidation)
	}
	if r.Count > MaxBatch {
		return fmt.Errorf("%w: maximum number of licenses to generate at once is %d", domain.ErrValidation, MaxBatch)
	}
	if r.DurationHours < 0 {
		return fmt.Errorf("%w: duration must be a positive number of hours", domain.ErrValidation)
	}
	if r.DurationHours > MaxDurationHours {
		return errTooLong()
	}
	return nil
}

// ValidateDuration rejects durations shorter than one hour or longer than
// MaxDurationHours.
func ValidateDuration(hours int) error {
	if hours < 1 {
		return fmt.Errorf("%w: license duration must be at least 1 hour", domain.ErrValidation)
	}
	if hours > MaxDurationHours {
		return errTooLong()
	}
	return nil
}

func errTooLong() error {
	return fmt.Errorf("%w: duration must not exceed %d hours (100 years)", domain.ErrValidation, MaxDurationHours)
}

// DefaultListLimit is how many codes list returns when no limit is given.
const DefaultListLimit = 10

// Batch is the result of a successful generate call.
type Batch struct {
	TenantID      string   `json:"tenant_id"`
	CapabilityID  string   `json:"capability_id"`
	DurationHours int      `json:"duration_hours"`
	Codes         []string `json:"codes"`
}

// ValidateListLimit checks a list_licenses page size.
func ValidateListLimit(limit int) error {
	if limit < 1 || limit > MaxBatch {
		return fmt.Errorf("%w: maximum number of licenses to show at once is %d", domain.ErrValidation, MaxBatch)
	}
	return nil
}
