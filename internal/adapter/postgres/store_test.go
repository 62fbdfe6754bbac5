package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/licenser/internal/adapter/postgres"
	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/entitlement"
	"github.com/Strob0t/licenser/internal/domain/license"
	"github.com/Strob0t/licenser/internal/domain/tenant"
	"github.com/Strob0t/licenser/internal/port/database"
)

var _ database.Store = (*postgres.Store)(nil)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

// createTestTenant creates a tenant with a random id and removes it with
// everything it owns when the test ends.
func createTestTenant(t *testing.T, store *postgres.Store) string {
	t.Helper()
	id := "t-" + uuid.NewString()[:8]
	if _, err := store.CreateTenant(context.Background(), tenant.CreateRequest{ID: id, Prefix: "!"}); err != nil {
		t.Fatalf("create test tenant: %v", err)
	}
	t.Cleanup(func() {
		_ = store.CascadeDeleteTenant(context.Background(), id, true)
	})
	return id
}

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func mustCodes(t *testing.T, n int) []string {
	t.Helper()
	codes, err := license.GenerateCodes(n)
	if err != nil {
		t.Fatalf("generate codes: %v", err)
	}
	return codes
}

func TestMigrations_Idempotent(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()

	for range 2 {
		if err := postgres.RunMigrations(ctx, dsn); err != nil {
			t.Fatalf("run migrations: %v", err)
		}
	}
	version, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version < 1 {
		t.Errorf("expected an applied schema version, got %d", version)
	}
}

func TestStore_TenantLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := createTestTenant(t, store)

	_, err := store.CreateTenant(ctx, tenant.CreateRequest{ID: id})
	if !errors.Is(err, domain.ErrDuplicateTenant) {
		t.Fatalf("expected ErrDuplicateTenant, got %v", err)
	}

	got, err := store.GetTenant(ctx, id)
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if got.DefaultDurationHours != tenant.DefaultDurationHours {
		t.Errorf("default duration = %d, want %d", got.DefaultDurationHours, tenant.DefaultDurationHours)
	}

	if _, err := store.GetTenantDefaults(ctx, id); !errors.Is(err, domain.ErrMissingDefault) {
		t.Fatalf("expected ErrMissingDefault, got %v", err)
	}

	got.DefaultCapabilityID = "cap-1"
	got.DefaultDurationHours = 48
	if err := store.UpdateTenant(ctx, got); err != nil {
		t.Fatalf("update tenant: %v", err)
	}
	d, err := store.GetTenantDefaults(ctx, id)
	if err != nil {
		t.Fatalf("get defaults: %v", err)
	}
	if d.CapabilityID != "cap-1" || d.DurationHours != 48 {
		t.Errorf("defaults = %+v", d)
	}

	if _, err := store.GetTenantDefaults(ctx, uniqueID("missing")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateTenant(ctx, &tenant.Tenant{ID: uniqueID("missing")}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestStore_LicenseUniquenessAndIdempotentDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tid := createTestTenant(t, store)

	codes := mustCodes(t, 3)
	if err := store.InsertLicenses(ctx, codes, tid, "100", 24); err != nil {
		t.Fatalf("insert licenses: %v", err)
	}

	// A batch containing one existing code is rejected whole.
	batch := append(mustCodes(t, 2), codes[0])
	err := store.InsertLicenses(ctx, batch, tid, "100", 24)
	if !errors.Is(err, domain.ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}
	n, err := store.CountLicenses(ctx, tid)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 licenses after rejected batch, got %d", n)
	}

	l, err := store.LookupLicense(ctx, codes[1])
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if l.TenantID != tid || l.CapabilityID != "100" || l.DurationHours != 24 {
		t.Errorf("unexpected license %+v", l)
	}

	list, err := store.ListLicenses(ctx, tid, "100", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 listed, got %d", len(list))
	}

	for range 2 {
		if err := store.DeleteLicense(ctx, codes[1]); err != nil {
			t.Fatalf("delete license: %v", err)
		}
	}
	if _, err := store.LookupLicense(ctx, codes[1]); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if n, _ := store.CountLicenses(ctx, tid); n != 2 {
		t.Fatalf("expected 2 licenses, got %d", n)
	}
}

func TestStore_ConsumeLicenseOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tid := createTestTenant(t, store)
	code := mustCodes(t, 1)[0]
	if err := store.InsertLicenses(ctx, []string{code}, tid, "100", 24); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ConsumeLicense(ctx, code)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one consumer to win, got %d", got)
	}
	if ok, err := store.ConsumeLicense(ctx, code); err != nil || ok {
		t.Errorf("consuming a gone code: ok=%v err=%v", ok, err)
	}
}

func TestStore_EntitlementUniquenessAndReplace(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tid := createTestTenant(t, store)
	identity := uniqueID("user")
	now := time.Now().UTC()

	e := entitlement.Entitlement{IdentityID: identity, TenantID: tid, CapabilityID: "100", ExpiresAt: now.Add(time.Hour)}
	if err := store.InsertEntitlement(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertEntitlement(ctx, e); !errors.Is(err, domain.ErrDuplicateEntitlement) {
		t.Fatalf("expected ErrDuplicateEntitlement, got %v", err)
	}

	e.ExpiresAt = now.Add(48 * time.Hour)
	if err := store.ReplaceEntitlement(ctx, e); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := store.GetEntitlementExpiry(ctx, identity, "100")
	if err != nil {
		t.Fatalf("get expiry: %v", err)
	}
	if got.ExpiresAt.Sub(e.ExpiresAt).Abs() > time.Millisecond {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, e.ExpiresAt)
	}
	if got.ExpiresAt.Location() != time.UTC {
		t.Errorf("expected UTC instant, got %v", got.ExpiresAt.Location())
	}

	list, err := store.ListEntitlementsByIdentity(ctx, tid, identity)
	if err != nil || len(list) != 1 {
		t.Fatalf("list by identity = %v, %v", list, err)
	}

	for range 2 {
		if err := store.DeleteEntitlement(ctx, identity, "100"); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}
	if _, err := store.GetEntitlementExpiry(ctx, identity, "100"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ScanEntitlementsPages(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tid := createTestTenant(t, store)
	expires := time.Now().UTC().Add(time.Hour)

	const rows = 1200
	for i := range rows {
		e := entitlement.Entitlement{
			IdentityID:   uniqueID("scan"),
			TenantID:     tid,
			CapabilityID: "cap",
			ExpiresAt:    expires.Add(time.Duration(i) * time.Second),
		}
		if err := store.InsertEntitlement(ctx, e); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	seen := 0
	err := store.ScanEntitlements(ctx, func(e entitlement.Entitlement) error {
		if e.TenantID != tid {
			return nil
		}
		seen++
		// Deleting while scanning must not disturb the scan.
		return store.DeleteEntitlement(ctx, e.IdentityID, e.CapabilityID)
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if seen != rows {
		t.Fatalf("scanned %d rows, want %d", seen, rows)
	}
	if n, _ := store.CountEntitlements(ctx, tid); n != 0 {
		t.Fatalf("expected 0 remaining, got %d", n)
	}
}

func TestStore_CascadeDeleteTenant(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tid := createTestTenant(t, store)

	if err := store.InsertLicenses(ctx, mustCodes(t, 4), tid, "100", 24); err != nil {
		t.Fatalf("insert licenses: %v", err)
	}
	e := entitlement.Entitlement{IdentityID: uniqueID("u"), TenantID: tid, CapabilityID: "100", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.InsertEntitlement(ctx, e); err != nil {
		t.Fatalf("insert entitlement: %v", err)
	}

	// Keep the row first, then drop it; both calls are idempotent.
	if err := store.CascadeDeleteTenant(ctx, tid, false); err != nil {
		t.Fatalf("cascade keep row: %v", err)
	}
	if _, err := store.GetTenant(ctx, tid); err != nil {
		t.Fatalf("tenant row should survive: %v", err)
	}
	if err := store.CascadeDeleteTenant(ctx, tid, true); err != nil {
		t.Fatalf("cascade drop row: %v", err)
	}
	if err := store.CascadeDeleteTenant(ctx, tid, true); err != nil {
		t.Fatalf("cascade twice: %v", err)
	}

	if n, _ := store.CountLicenses(ctx, tid); n != 0 {
		t.Errorf("licenses remain: %d", n)
	}
	if n, _ := store.CountEntitlements(ctx, tid); n != 0 {
		t.Errorf("entitlements remain: %d", n)
	}
	if _, err := store.GetTenant(ctx, tid); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected tenant row gone, got %v", err)
	}
}

func TestStore_ExportTenant(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tid := createTestTenant(t, store)

	codes := mustCodes(t, 3)
	if err := store.InsertLicenses(ctx, codes, tid, "100", 48); err != nil {
		t.Fatalf("insert licenses: %v", err)
	}
	for _, capID := range []string{"100", "200"} {
		e := entitlement.Entitlement{IdentityID: uniqueID("u"), TenantID: tid, CapabilityID: capID, ExpiresAt: time.Now().Add(time.Hour)}
		if err := store.InsertEntitlement(ctx, e); err != nil {
			t.Fatalf("insert entitlement: %v", err)
		}
	}

	b, err := store.ExportTenant(ctx, tid)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if b.Tenant.ID != tid || len(b.Licenses) != 3 || len(b.Entitlements) != 2 {
		t.Fatalf("unexpected export: tenant %s, %d licenses, %d entitlements", b.Tenant.ID, len(b.Licenses), len(b.Entitlements))
	}
	for _, l := range b.Licenses {
		if l.TenantID != tid || l.DurationHours != 48 || l.CreatedAt.IsZero() {
			t.Errorf("unexpected license %+v", l)
		}
	}

	// Clearing data keeps an exportable, empty tenant.
	if err := store.CascadeDeleteTenant(ctx, tid, false); err != nil {
		t.Fatalf("cascade keep row: %v", err)
	}
	b, err = store.ExportTenant(ctx, tid)
	if err != nil {
		t.Fatalf("export after clear: %v", err)
	}
	if b.Licenses == nil || b.Entitlements == nil || len(b.Licenses)+len(b.Entitlements) != 0 {
		t.Errorf("expected empty lists, got %+v", b)
	}

	if _, err := store.ExportTenant(ctx, uniqueID("missing")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_CascadeDeleteCapability(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tid := createTestTenant(t, store)
	capID := uniqueID("cap")

	tn, err := store.GetTenant(ctx, tid)
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	tn.DefaultCapabilityID = capID
	if err := store.UpdateTenant(ctx, tn); err != nil {
		t.Fatalf("update tenant: %v", err)
	}
	if err := store.InsertLicenses(ctx, mustCodes(t, 2), tid, capID, 24); err != nil {
		t.Fatalf("insert licenses: %v", err)
	}
	if err := store.InsertLicenses(ctx, mustCodes(t, 1), tid, "other", 24); err != nil {
		t.Fatalf("insert licenses: %v", err)
	}

	if err := store.CascadeDeleteCapability(ctx, capID); err != nil {
		t.Fatalf("cascade capability: %v", err)
	}
	if n, _ := store.CountLicenses(ctx, tid); n != 1 {
		t.Errorf("expected 1 license left, got %d", n)
	}
	if _, err := store.GetTenantDefaults(ctx, tid); !errors.Is(err, domain.ErrMissingDefault) {
		t.Errorf("expected default cleared, got %v", err)
	}
}
