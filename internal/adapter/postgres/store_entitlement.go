package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/entitlement"
)

// scanPageSize bounds how many rows a single snapshot page holds.
const scanPageSize = 500

const entitlementColumns = `identity_id, tenant_id, capability_id, expires_at`

func scanEntitlement(row scannable) (entitlement.Entitlement, error) {
	var e entitlement.Entitlement
	err := row.Scan(&e.IdentityID, &e.TenantID, &e.CapabilityID, &e.ExpiresAt)
	e.ExpiresAt = e.ExpiresAt.UTC()
	return e, err
}

// --- Entitlements ---

func (s *Store) InsertEntitlement(ctx context.Context, e entitlement.Entitlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (`+entitlementColumns+`) VALUES ($1, $2, $3, $4)`,
		e.IdentityID, e.TenantID, e.CapabilityID, e.ExpiresAt.UTC())
	if err != nil {
		return mapUnique(err, constraintEntitlementUniq, domain.ErrDuplicateEntitlement,
			"insert entitlement %s/%s", e.IdentityID, e.CapabilityID)
	}
	return nil
}

// ReplaceEntitlement deletes any row for (identity, capability) and inserts
// e in the same transaction.
func (s *Store) ReplaceEntitlement(ctx context.Context, e entitlement.Entitlement) error {
	return s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM entitlements WHERE identity_id = $1 AND capability_id = $2`,
			e.IdentityID, e.CapabilityID); err != nil {
			return fmt.Errorf("replace entitlement %s/%s: delete: %w", e.IdentityID, e.CapabilityID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO entitlements (`+entitlementColumns+`) VALUES ($1, $2, $3, $4)`,
			e.IdentityID, e.TenantID, e.CapabilityID, e.ExpiresAt.UTC()); err != nil {
			return mapUnique(err, constraintEntitlementUniq, domain.ErrDuplicateEntitlement,
				"replace entitlement %s/%s: insert", e.IdentityID, e.CapabilityID)
		}
		return nil
	})
}

func (s *Store) GetEntitlementExpiry(ctx context.Context, identityID, capabilityID string) (*entitlement.Entitlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE identity_id = $1 AND capability_id = $2`, identityID, capabilityID)

	e, err := scanEntitlement(row)
	if err != nil {
		return nil, notFoundWrap(err, "get entitlement %s/%s", identityID, capabilityID)
	}
	return &e, nil
}

// DeleteEntitlement is idempotent: deleting an absent row is not an error.
func (s *Store) DeleteEntitlement(ctx context.Context, identityID, capabilityID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM entitlements WHERE identity_id = $1 AND capability_id = $2`,
		identityID, capabilityID); err != nil {
		return fmt.Errorf("delete entitlement %s/%s: %w", identityID, capabilityID, err)
	}
	return nil
}

func (s *Store) ListEntitlementsByIdentity(ctx context.Context, tenantID, identityID string) ([]entitlement.Entitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE tenant_id = $1 AND identity_id = $2
		 ORDER BY expires_at ASC`, tenantID, identityID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements for %s in %s: %w", identityID, tenantID, err)
	}
	defer rows.Close()

	var out []entitlement.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return orEmpty(out), rows.Err()
}

// ScanEntitlements visits every entitlement in keyset-ordered pages. Each
// page is read in its own REPEATABLE READ read-only transaction which is
// closed before fn runs, so fn may perform slow external calls and
// concurrent deletes are harmless. A non-nil error from fn stops the scan.
func (s *Store) ScanEntitlements(ctx context.Context, fn func(entitlement.Entitlement) error) error {
	var afterIdentity, afterCapability string
	for {
		page, err := s.scanPage(ctx, afterIdentity, afterCapability)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		last := page[len(page)-1]
		afterIdentity, afterCapability = last.IdentityID, last.CapabilityID
	}
}

func (s *Store) scanPage(ctx context.Context, afterIdentity, afterCapability string) ([]entitlement.Entitlement, error) {
	page := make([]entitlement.Entitlement, 0, scanPageSize)
	err := s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+entitlementColumns+` FROM entitlements
			 WHERE (identity_id, capability_id) > ($1, $2)
			 ORDER BY identity_id, capability_id
			 LIMIT $3`, afterIdentity, afterCapability, scanPageSize)
		if err != nil {
			return fmt.Errorf("scan entitlements: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntitlement(rows)
			if err != nil {
				return fmt.Errorf("scan entitlement: %w", err)
			}
			page = append(page, e)
		}
		return rows.Err()
	})
	return page, err
}

func (s *Store) CountEntitlements(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM entitlements WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entitlements for tenant %s: %w", tenantID, err)
	}
	return n, nil
}

// --- Cascades ---

// CascadeDeleteTenant removes every license and entitlement of the tenant
// and, when dropTenantRow is set, the tenant row itself. Idempotent.
func (s *Store) CascadeDeleteTenant(ctx context.Context, tenantID string, dropTenantRow bool) error {
	return s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM entitlements WHERE tenant_id = $1`, tenantID); err != nil {
			return fmt.Errorf("cascade tenant %s: entitlements: %w", tenantID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM licenses WHERE tenant_id = $1`, tenantID); err != nil {
			return fmt.Errorf("cascade tenant %s: licenses: %w", tenantID, err)
		}
		if dropTenantRow {
			if _, err := tx.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID); err != nil {
				return fmt.Errorf("cascade tenant %s: tenant row: %w", tenantID, err)
			}
		}
		return nil
	})
}

// CascadeDeleteCapability removes every license and entitlement for the
// capability and clears it as a tenant default. Idempotent.
func (s *Store) CascadeDeleteCapability(ctx context.Context, capabilityID string) error {
	return s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM entitlements WHERE capability_id = $1`, capabilityID); err != nil {
			return fmt.Errorf("cascade capability %s: entitlements: %w", capabilityID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM licenses WHERE capability_id = $1`, capabilityID); err != nil {
			return fmt.Errorf("cascade capability %s: licenses: %w", capabilityID, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tenants SET default_capability_id = NULL WHERE default_capability_id = $1`, capabilityID); err != nil {
			return fmt.Errorf("cascade capability %s: tenant defaults: %w", capabilityID, err)
		}
		return nil
	})
}
