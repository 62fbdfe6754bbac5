package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/license"
)

// --- Licenses ---

// InsertLicenses inserts the whole batch in a single statement. Any code
// collision rejects the batch with domain.ErrDuplicateCode.
func (s *Store) InsertLicenses(ctx context.Context, codes []string, tenantID, capabilityID string, durationHours int) error {
	if len(codes) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO licenses (code, tenant_id, capability_id, duration_hours)
		 SELECT code, $2, $3, $4 FROM unnest($1::text[]) AS code`,
		codes, tenantID, capabilityID, durationHours)
	if err != nil {
		return mapUnique(err, constraintLicensePK, domain.ErrDuplicateCode, "insert %d licenses for tenant %s", len(codes), tenantID)
	}
	return nil
}

func (s *Store) LookupLicense(ctx context.Context, code string) (*license.License, error) {
	var l license.License
	err := s.pool.QueryRow(ctx,
		`SELECT code, tenant_id, capability_id, duration_hours, created_at
		 FROM licenses WHERE code = $1`, code,
	).Scan(&l.Code, &l.TenantID, &l.CapabilityID, &l.DurationHours, &l.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "lookup license")
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

// DeleteLicense is idempotent: deleting an absent code is not an error.
func (s *Store) DeleteLicense(ctx context.Context, code string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM licenses WHERE code = $1`, code); err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	return nil
}

// ConsumeLicense deletes code and reports whether this call removed it.
// Of two concurrent consumers exactly one sees true.
func (s *Store) ConsumeLicense(ctx context.Context, code string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM licenses WHERE code = $1`, code)
	if err != nil {
		return false, fmt.Errorf("consume license: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListLicenses returns up to limit unredeemed codes of a tenant, oldest
// first. An empty capabilityID lists every capability.
func (s *Store) ListLicenses(ctx context.Context, tenantID, capabilityID string, limit int) ([]license.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, duration_hours FROM licenses
		 WHERE tenant_id = $1 AND ($2 = '' OR capability_id = $2)
		 ORDER BY created_at ASC, code ASC
		 LIMIT $3`,
		tenantID, capabilityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list licenses for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []license.Summary
	for rows.Next() {
		var l license.Summary
		if err := rows.Scan(&l.Code, &l.DurationHours); err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		out = append(out, l)
	}
	return orEmpty(out), rows.Err()
}

func (s *Store) CountLicenses(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM licenses WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count licenses for tenant %s: %w", tenantID, err)
	}
	return n, nil
}
