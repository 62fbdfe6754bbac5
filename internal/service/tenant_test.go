package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/license"
	"github.com/Strob0t/licenser/internal/domain/tenant"
)

func TestTenantService_Ensure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tenants.Ensure(ctx, "guild-new")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if created.Prefix != "!" || created.DefaultDurationHours != tenant.DefaultDurationHours {
		t.Errorf("unexpected defaults %+v", created)
	}
	again, err := f.tenants.Ensure(ctx, "guild-new")
	if err != nil || again.ID != "guild-new" {
		t.Fatalf("second Ensure: %+v %v", again, err)
	}

	if _, err := f.tenants.Create(ctx, tenant.CreateRequest{ID: "guild-new"}); !errors.Is(err, domain.ErrDuplicateTenant) {
		t.Errorf("expected ErrDuplicateTenant, got %v", err)
	}
}

func TestTenantService_DefaultsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.addTenant(testTenant, []string{"role-silver"}, nil)

	d, err := f.tenants.Defaults(ctx, testTenant)
	if err != nil {
		t.Fatalf("Defaults: %v", err)
	}
	if d.CapabilityID != testCapability || d.DurationHours != 24 {
		t.Errorf("unexpected defaults %+v", d)
	}
	if _, ok, _ := f.cache.Get(ctx, defaultsKey(testTenant)); !ok {
		t.Fatal("defaults must be cached")
	}

	if _, err := f.tenants.SetDefaultCapability(ctx, testTenant, "role-silver"); err != nil {
		t.Fatalf("SetDefaultCapability: %v", err)
	}
	if _, ok, _ := f.cache.Get(ctx, defaultsKey(testTenant)); ok {
		t.Fatal("update must invalidate cached defaults")
	}
	d, err = f.tenants.Defaults(ctx, testTenant)
	if err != nil || d.CapabilityID != "role-silver" {
		t.Errorf("expected fresh defaults, got %+v %v", d, err)
	}
}

func TestTenantService_MissingDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.putTenant(tenant.Tenant{ID: "guild-2", Prefix: "!", DefaultDurationHours: 48})

	for range 2 { // miss, then cache hit
		d, err := f.tenants.Defaults(ctx, "guild-2")
		if !errors.Is(err, domain.ErrMissingDefault) {
			t.Fatalf("expected ErrMissingDefault, got %v", err)
		}
		if d.DurationHours != 48 {
			t.Errorf("duration must still be reported, got %d", d.DurationHours)
		}
	}

	if _, err := f.tenants.Defaults(ctx, "guild-unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTenantService_Setters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.tenants.SetDefaultDuration(ctx, testTenant, "2d 12h")
	if err != nil {
		t.Fatalf("SetDefaultDuration: %v", err)
	}
	if got.DefaultDurationHours != 60 {
		t.Errorf("expected 60h, got %d", got.DefaultDurationHours)
	}
	if _, err := f.tenants.SetDefaultDuration(ctx, testTenant, "0"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for zero duration, got %v", err)
	}

	got, err = f.tenants.SetPrefix(ctx, testTenant, "?")
	if err != nil || got.Prefix != "?" {
		t.Errorf("SetPrefix: %+v %v", got, err)
	}
	if _, err := f.tenants.SetPrefix(ctx, testTenant, "toolong"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for long prefix, got %v", err)
	}

	if _, err := f.tenants.SetDefaultCapability(ctx, testTenant, "role-missing"); !errors.Is(err, domain.ErrCapabilityGone) {
		t.Errorf("expected ErrCapabilityGone, got %v", err)
	}
	stored, _ := f.tenants.Get(ctx, testTenant)
	if stored.DefaultCapabilityID != testCapability {
		t.Errorf("rejected update must not persist, got %q", stored.DefaultCapabilityID)
	}
}

func TestTenantService_Purge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(testCode, 1)
	f.putEntitlement(testIdentity, testTenant, testCapability, 0)
	if _, err := f.tenants.Defaults(ctx, testTenant); err != nil {
		t.Fatalf("Defaults: %v", err)
	}

	if err := f.tenants.Purge(ctx, testTenant); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if f.store.hasTenant(testTenant) || f.store.hasLicense(testCode) {
		t.Error("tenant and licenses must be gone")
	}
	if _, ok := f.store.entitlement(testIdentity, testCapability); ok {
		t.Error("entitlements must be gone")
	}
	if _, ok, _ := f.cache.Get(ctx, defaultsKey(testTenant)); ok {
		t.Error("purge must invalidate cached defaults")
	}
}

func TestTenantService_ClearDataKeepsTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(testCode, 1)
	f.putEntitlement(testIdentity, testTenant, testCapability, time.Hour)
	f.store.putTenant(tenant.Tenant{ID: "guild-2", Prefix: "?"})
	f.store.putLicense(license.License{Code: "other-code", TenantID: "guild-2", CapabilityID: "role-x", DurationHours: 1})
	if _, err := f.tenants.Defaults(ctx, testTenant); err != nil {
		t.Fatalf("Defaults: %v", err)
	}

	if err := f.tenants.ClearData(ctx, testTenant); err != nil {
		t.Fatalf("ClearData: %v", err)
	}
	if !f.store.hasTenant(testTenant) {
		t.Fatal("tenant row must be kept")
	}
	if f.store.hasLicense(testCode) {
		t.Error("licenses must be gone")
	}
	if _, ok := f.store.entitlement(testIdentity, testCapability); ok {
		t.Error("entitlements must be gone")
	}
	if !f.store.hasLicense("other-code") {
		t.Error("other tenants must be untouched")
	}
	if _, ok, _ := f.cache.Get(ctx, defaultsKey(testTenant)); ok {
		t.Error("clear must invalidate cached defaults")
	}
	d, err := f.tenants.Defaults(ctx, testTenant)
	if err != nil || d.CapabilityID != testCapability {
		t.Errorf("settings must survive, got %+v %v", d, err)
	}
}

func TestTenantService_Backup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addLicense(testCode, 5)
	f.putEntitlement(testIdentity, testTenant, testCapability, time.Hour)
	f.store.putLicense(license.License{Code: "other-code", TenantID: "guild-2", CapabilityID: "role-x", DurationHours: 1})

	b, err := f.tenants.Backup(ctx, testTenant)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if b.Tenant.ID != testTenant || b.Tenant.DefaultCapabilityID != testCapability {
		t.Errorf("unexpected tenant %+v", b.Tenant)
	}
	if len(b.Licenses) != 1 || b.Licenses[0].Code != testCode || b.Licenses[0].DurationHours != 5 {
		t.Errorf("unexpected licenses %+v", b.Licenses)
	}
	if len(b.Entitlements) != 1 || b.Entitlements[0].IdentityID != testIdentity {
		t.Errorf("unexpected entitlements %+v", b.Entitlements)
	}
	if b.ExportedAt.IsZero() {
		t.Error("export time must be set")
	}
	if !f.store.hasLicense(testCode) {
		t.Error("backup must not modify state")
	}

	if _, err := f.tenants.Backup(ctx, "unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown tenant: expected ErrNotFound, got %v", err)
	}
}
