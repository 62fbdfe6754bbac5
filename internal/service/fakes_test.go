package service

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/domain/entitlement"
	"github.com/Strob0t/licenser/internal/domain/license"
	"github.com/Strob0t/licenser/internal/domain/tenant"
	"github.com/Strob0t/licenser/internal/port/messagequeue"
	"github.com/Strob0t/licenser/internal/port/privilege"
)

// fakeStore is an in-memory database.Store. The *Err fields inject failures.
type fakeStore struct {
	mu       sync.Mutex
	tenants  map[string]tenant.Tenant
	licenses map[string]license.License
	ents     map[entitlement.Key]entitlement.Entitlement

	insertLicensesErrs []error // consumed one per InsertLicenses call
	insertLicenseCalls int
	insertEntErr       error
	deleteLicenseErr   error
	consumeLost        bool // ConsumeLicense reports the code as taken
	deleteEntErr       error
	cascadeErr         error
	replaced           int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:  make(map[string]tenant.Tenant),
		licenses: make(map[string]license.License),
		ents:     make(map[entitlement.Key]entitlement.Entitlement),
	}
}

func (s *fakeStore) CreateTenant(_ context.Context, req tenant.CreateRequest) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[req.ID]; ok {
		return nil, fmt.Errorf("create tenant %s: %w", req.ID, domain.ErrDuplicateTenant)
	}
	t := tenant.Tenant{ID: req.ID, Prefix: req.Prefix, DefaultDurationHours: tenant.DefaultDurationHours}
	s.tenants[req.ID] = t
	return &t, nil
}

func (s *fakeStore) GetTenant(_ context.Context, id string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (s *fakeStore) UpdateTenant(_ context.Context, t *tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; !ok {
		return fmt.Errorf("tenant %s: %w", t.ID, domain.ErrNotFound)
	}
	s.tenants[t.ID] = *t
	return nil
}

func (s *fakeStore) ListTenantIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *fakeStore) GetTenantDefaults(_ context.Context, id string) (tenant.Defaults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenant.Defaults{}, fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	d := tenant.Defaults{CapabilityID: t.DefaultCapabilityID, DurationHours: t.DefaultDurationHours}
	if d.CapabilityID == "" {
		return d, domain.ErrMissingDefault
	}
	return d, nil
}

func (s *fakeStore) InsertLicenses(_ context.Context, codes []string, tenantID, capabilityID string, durationHours int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLicenseCalls++
	if len(s.insertLicensesErrs) > 0 {
		err := s.insertLicensesErrs[0]
		s.insertLicensesErrs = s.insertLicensesErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, c := range codes {
		if _, ok := s.licenses[c]; ok {
			return fmt.Errorf("insert licenses: %w", domain.ErrDuplicateCode)
		}
	}
	for _, c := range codes {
		s.licenses[c] = license.License{Code: c, TenantID: tenantID, CapabilityID: capabilityID, DurationHours: durationHours}
	}
	return nil
}

func (s *fakeStore) LookupLicense(_ context.Context, code string) (*license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[code]
	if !ok {
		return nil, fmt.Errorf("license: %w", domain.ErrNotFound)
	}
	return &l, nil
}

func (s *fakeStore) DeleteLicense(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteLicenseErr != nil {
		return s.deleteLicenseErr
	}
	delete(s.licenses, code)
	return nil
}

func (s *fakeStore) ConsumeLicense(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteLicenseErr != nil {
		return false, s.deleteLicenseErr
	}
	_, ok := s.licenses[code]
	delete(s.licenses, code)
	return ok && !s.consumeLost, nil
}

func (s *fakeStore) ListLicenses(_ context.Context, tenantID, capabilityID string, limit int) ([]license.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []license.Summary
	for _, l := range s.licenses {
		if l.TenantID == tenantID && (capabilityID == "" || l.CapabilityID == capabilityID) {
			out = append(out, license.Summary{Code: l.Code, DurationHours: l.DurationHours})
		}
	}
	slices.SortFunc(out, func(a, b license.Summary) int { return cmp.Compare(a.Code, b.Code) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) CountLicenses(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.licenses {
		if l.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) InsertEntitlement(_ context.Context, e entitlement.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertEntErr != nil {
		return s.insertEntErr
	}
	if _, ok := s.ents[e.Key()]; ok {
		return fmt.Errorf("insert entitlement: %w", domain.ErrDuplicateEntitlement)
	}
	s.ents[e.Key()] = e
	return nil
}

func (s *fakeStore) ReplaceEntitlement(_ context.Context, e entitlement.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced++
	s.ents[e.Key()] = e
	return nil
}

func (s *fakeStore) GetEntitlementExpiry(_ context.Context, identityID, capabilityID string) (*entitlement.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ents[entitlement.Key{IdentityID: identityID, CapabilityID: capabilityID}]
	if !ok {
		return nil, fmt.Errorf("entitlement: %w", domain.ErrNotFound)
	}
	return &e, nil
}

func (s *fakeStore) DeleteEntitlement(ctx context.Context, identityID, capabilityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteEntErr != nil {
		return s.deleteEntErr
	}
	delete(s.ents, entitlement.Key{IdentityID: identityID, CapabilityID: capabilityID})
	return nil
}

func (s *fakeStore) ListEntitlementsByIdentity(_ context.Context, tenantID, identityID string) ([]entitlement.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entitlement.Entitlement
	for _, e := range s.ents {
		if e.TenantID == tenantID && e.IdentityID == identityID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b entitlement.Entitlement) int { return cmp.Compare(a.CapabilityID, b.CapabilityID) })
	return out, nil
}

// ScanEntitlements snapshots the rows before calling fn, so fn may delete.
func (s *fakeStore) ScanEntitlements(_ context.Context, fn func(entitlement.Entitlement) error) error {
	s.mu.Lock()
	snapshot := make([]entitlement.Entitlement, 0, len(s.ents))
	for _, e := range s.ents {
		snapshot = append(snapshot, e)
	}
	s.mu.Unlock()
	slices.SortFunc(snapshot, func(a, b entitlement.Entitlement) int {
		if c := cmp.Compare(a.IdentityID, b.IdentityID); c != 0 {
			return c
		}
		return cmp.Compare(a.CapabilityID, b.CapabilityID)
	})
	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) CountEntitlements(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.ents {
		if e.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ExportTenant(_ context.Context, tenantID string) (*tenant.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("export tenant %s: %w", tenantID, domain.ErrNotFound)
	}
	b := &tenant.Backup{Tenant: t, Licenses: []license.License{}, Entitlements: []entitlement.Entitlement{}}
	for _, l := range s.licenses {
		if l.TenantID == tenantID {
			b.Licenses = append(b.Licenses, l)
		}
	}
	for _, e := range s.ents {
		if e.TenantID == tenantID {
			b.Entitlements = append(b.Entitlements, e)
		}
	}
	slices.SortFunc(b.Licenses, func(a, b license.License) int { return cmp.Compare(a.Code, b.Code) })
	slices.SortFunc(b.Entitlements, func(a, b entitlement.Entitlement) int {
		return cmp.Or(cmp.Compare(a.IdentityID, b.IdentityID), cmp.Compare(a.CapabilityID, b.CapabilityID))
	})
	return b, nil
}

func (s *fakeStore) CascadeDeleteTenant(_ context.Context, tenantID string, dropTenantRow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cascadeErr != nil {
		return s.cascadeErr
	}
	for c, l := range s.licenses {
		if l.TenantID == tenantID {
			delete(s.licenses, c)
		}
	}
	for k, e := range s.ents {
		if e.TenantID == tenantID {
			delete(s.ents, k)
		}
	}
	if dropTenantRow {
		delete(s.tenants, tenantID)
	}
	return nil
}

func (s *fakeStore) CascadeDeleteCapability(_ context.Context, capabilityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cascadeErr != nil {
		return s.cascadeErr
	}
	for c, l := range s.licenses {
		if l.CapabilityID == capabilityID {
			delete(s.licenses, c)
		}
	}
	for k, e := range s.ents {
		if e.CapabilityID == capabilityID {
			delete(s.ents, k)
		}
	}
	for id, t := range s.tenants {
		if t.DefaultCapabilityID == capabilityID {
			t.DefaultCapabilityID = ""
			s.tenants[id] = t
		}
	}
	return nil
}

func (s *fakeStore) putTenant(t tenant.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.DefaultDurationHours == 0 {
		t.DefaultDurationHours = tenant.DefaultDurationHours
	}
	s.tenants[t.ID] = t
}

func (s *fakeStore) putLicense(l license.License) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.licenses[l.Code] = l
}

func (s *fakeStore) putEntitlement(e entitlement.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ents[e.Key()] = e
}

func (s *fakeStore) hasLicense(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.licenses[code]
	return ok
}

func (s *fakeStore) entitlement(identityID, capabilityID string) (entitlement.Entitlement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ents[entitlement.Key{IdentityID: identityID, CapabilityID: capabilityID}]
	return e, ok
}

func (s *fakeStore) hasTenant(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tenants[id]
	return ok
}

// fakeGateway is an in-memory privilege.Gateway keyed by tenant, identity
// and capability.
type fakeGateway struct {
	mu           sync.Mutex
	tenants      map[string]bool
	capabilities map[string]bool // tenant/capability
	members      map[string]bool // tenant/identity
	held         map[string]bool // tenant/identity/capability

	grantErr        error
	grantLandedErr  error                 // grant is applied, then this error returned
	onGrant         func(identity string) // runs before a grant, outside the lock
	onRevoke        func()                // runs before a revoke, outside the lock
	revokeErr       error
	tenantExistsErr error

	grants            []string
	revokes           []string
	tenantExistsCalls map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		tenants:           make(map[string]bool),
		capabilities:      make(map[string]bool),
		members:           make(map[string]bool),
		held:              make(map[string]bool),
		tenantExistsCalls: make(map[string]int),
	}
}

// addTenant registers a tenant with the given capabilities and members.
func (g *fakeGateway) addTenant(tenantID string, capabilities []string, members []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tenants[tenantID] = true
	for _, c := range capabilities {
		g.capabilities[tenantID+"/"+c] = true
	}
	for _, m := range members {
		g.members[tenantID+"/"+m] = true
	}
}

func (g *fakeGateway) setHeld(tenantID, identityID, capabilityID string, held bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held[tenantID+"/"+identityID+"/"+capabilityID] = held
}

func (g *fakeGateway) isHeld(tenantID, identityID, capabilityID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held[tenantID+"/"+identityID+"/"+capabilityID]
}

func (g *fakeGateway) removeTenant(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tenants, tenantID)
}

func (g *fakeGateway) Grant(ctx context.Context, tenantID, identityID, capabilityID, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.onGrant != nil {
		g.onGrant(identityID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.grantErr != nil {
		return g.grantErr
	}
	g.grants = append(g.grants, identityID+"/"+capabilityID)
	g.held[tenantID+"/"+identityID+"/"+capabilityID] = true
	return g.grantLandedErr
}

func (g *fakeGateway) grantCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.grants)
}

func (g *fakeGateway) Revoke(ctx context.Context, tenantID, identityID, capabilityID string) error {
	if g.onRevoke != nil {
		g.onRevoke()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revokes = append(g.revokes, identityID+"/"+capabilityID)
	if g.revokeErr != nil {
		return g.revokeErr
	}
	key := tenantID + "/" + identityID + "/" + capabilityID
	if !g.held[key] {
		return privilege.ErrNotFound
	}
	delete(g.held, key)
	return nil
}

func (g *fakeGateway) HasCapability(_ context.Context, tenantID, identityID, capabilityID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held[tenantID+"/"+identityID+"/"+capabilityID], nil
}

func (g *fakeGateway) CapabilityExists(_ context.Context, tenantID, capabilityID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capabilities[tenantID+"/"+capabilityID], nil
}

func (g *fakeGateway) IdentityInTenant(_ context.Context, tenantID, identityID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members[tenantID+"/"+identityID], nil
}

func (g *fakeGateway) TenantExists(_ context.Context, tenantID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tenantExistsCalls[tenantID]++
	if g.tenantExistsErr != nil {
		return false, g.tenantExistsErr
	}
	return g.tenants[tenantID], nil
}

func (g *fakeGateway) revokeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.revokes)
}

// fakeQueue records publishes and keeps subscribed handlers.
type fakeQueue struct {
	mu        sync.Mutex
	published []string
	handlers  map[string]messagequeue.Handler
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{handlers: make(map[string]messagequeue.Handler)}
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, subject)
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.handlers, subject)
	}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) deliver(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	h, ok := q.handlers[subject]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for %s", subject)
	}
	return h(ctx, subject, data)
}

func (q *fakeQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.published)
}

// memCache is a map-backed cache.Cache without expiry.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
