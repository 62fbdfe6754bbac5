package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/entitlement"
	"github.com/Strob0t/licenser/internal/domain/license"
	"github.com/Strob0t/licenser/internal/domain/tenant"
)

const tenantColumns = `id, prefix, default_capability_id, default_duration_hours, created_at`

func scanTenant(row scannable) (tenant.Tenant, error) {
	var t tenant.Tenant
	var defaultCap *string
	err := row.Scan(&t.ID, &t.Prefix, &defaultCap, &t.DefaultDurationHours, &t.CreatedAt)
	t.DefaultCapabilityID = derefOrEmpty(defaultCap)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, err
}

// --- Tenants ---

func (s *Store) CreateTenant(ctx context.Context, req tenant.CreateRequest) (*tenant.Tenant, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tenants (id, prefix, default_duration_hours) VALUES ($1, $2, $3)
		 RETURNING `+tenantColumns,
		req.ID, req.Prefix, tenant.DefaultDurationHours)

	t, err := scanTenant(row)
	if err != nil {
		return nil, mapUnique(err, constraintTenantPK, domain.ErrDuplicateTenant, "create tenant %s", req.ID)
	}
	return &t, nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)

	t, err := scanTenant(row)
	if err != nil {
		return nil, notFoundWrap(err, "get tenant %s", tenantID)
	}
	return &t, nil
}

func (s *Store) UpdateTenant(ctx context.Context, t *tenant.Tenant) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET prefix = $2, default_capability_id = $3, default_duration_hours = $4
		 WHERE id = $1`,
		t.ID, t.Prefix, nullIfEmpty(t.DefaultCapabilityID), t.DefaultDurationHours)
	return execExpectOne(tag, err, "update tenant %s", t.ID)
}

func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return orEmpty(ids), rows.Err()
}

func (s *Store) GetTenantDefaults(ctx context.Context, tenantID string) (tenant.Defaults, error) {
	var defaultCap *string
	var d tenant.Defaults
	err := s.pool.QueryRow(ctx,
		`SELECT default_capability_id, default_duration_hours FROM tenants WHERE id = $1`, tenantID,
	).Scan(&defaultCap, &d.DurationHours)
	if err != nil {
		return tenant.Defaults{}, notFoundWrap(err, "get tenant defaults %s", tenantID)
	}
	if defaultCap == nil || *defaultCap == "" {
		return d, fmt.Errorf("get tenant defaults %s: %w", tenantID, domain.ErrMissingDefault)
	}
	d.CapabilityID = *defaultCap
	return d, nil
}

// --- Backups ---

// ExportTenant reads the tenant, its unredeemed licenses and its
// entitlements inside one REPEATABLE READ read-only transaction.
func (s *Store) ExportTenant(ctx context.Context, tenantID string) (*tenant.Backup, error) {
	var b tenant.Backup
	err := s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		t, err := scanTenant(tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID))
		if err != nil {
			return notFoundWrap(err, "export tenant %s", tenantID)
		}
		b.Tenant = t

		rows, err := tx.Query(ctx,
			`SELECT code, tenant_id, capability_id, duration_hours, created_at
			 FROM licenses WHERE tenant_id = $1
			 ORDER BY created_at ASC, code ASC`, tenantID)
		if err != nil {
			return fmt.Errorf("export licenses for tenant %s: %w", tenantID, err)
		}
		b.Licenses, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (license.License, error) {
			var l license.License
			err := row.Scan(&l.Code, &l.TenantID, &l.CapabilityID, &l.DurationHours, &l.CreatedAt)
			l.CreatedAt = l.CreatedAt.UTC()
			return l, err
		})
		if err != nil {
			return fmt.Errorf("scan license: %w", err)
		}

		rows, err = tx.Query(ctx,
			`SELECT `+entitlementColumns+` FROM entitlements
			 WHERE tenant_id = $1
			 ORDER BY identity_id, capability_id`, tenantID)
		if err != nil {
			return fmt.Errorf("export entitlements for tenant %s: %w", tenantID, err)
		}
		b.Entitlements, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (entitlement.Entitlement, error) {
			return scanEntitlement(row)
		})
		if err != nil {
			return fmt.Errorf("scan entitlement: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.Licenses = orEmpty(b.Licenses)
	b.Entitlements = orEmpty(b.Entitlements)
	return &b, nil
}
