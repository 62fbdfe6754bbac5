package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/licenser/internal/domain"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Constraint names from migrations/001_init.sql.
const (
	constraintTenantPK        = "tenants_pkey"
	constraintLicensePK       = "licenses_pkey"
	constraintEntitlementUniq = "entitlements_identity_capability_key"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// nullIfEmpty returns nil for empty strings (for nullable columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefOrEmpty is the read-side counterpart of nullIfEmpty.
func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// orEmpty returns items unchanged if non-nil, or an empty slice if nil.
// Useful to ensure JSON serialization produces [] instead of null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// uniqueViolation reports whether err is a unique violation on constraint.
// An empty constraint matches any unique violation.
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// mapUnique rewrites a unique violation on constraint into sentinel, keeping
// the driver error in the chain. Other errors are wrapped unchanged.
func mapUnique(err error, constraint string, sentinel error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if uniqueViolation(err, constraint) {
		return fmt.Errorf("%s: %w: %w", msg, sentinel, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// notFoundWrap checks whether err is pgx.ErrNoRows and, if so, wraps
// domain.ErrNotFound with the given message. Otherwise it wraps the
// original error.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns domain.ErrNotFound with the given message.
func execExpectOne(tag pgconn.CommandTag, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return nil
}
