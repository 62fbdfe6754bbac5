package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/licenser/internal/domain/license"
	"github.com/Strob0t/licenser/internal/domain/redemption"
	"github.com/Strob0t/licenser/internal/domain/tenant"
	"github.com/Strob0t/licenser/internal/service"
)

// Redemptions converts codes into entitlements and revokes them.
type Redemptions interface {
	Redeem(ctx context.Context, req redemption.RedeemRequest) (redemption.Result, error)
	GrantManual(ctx context.Context, g redemption.ManualGrant) (redemption.Result, error)
	Revoke(ctx context.Context, tenantID, identityID, capabilityID string) error
	RevokeAll(ctx context.Context, tenantID, identityID string) (int, error)
}

// Licenses mints and inspects license codes.
type Licenses interface {
	Generate(ctx context.Context, req license.GenerateRequest) (*license.Batch, error)
	List(ctx context.Context, tenantID, capabilityID string, limit int) ([]license.Summary, error)
	Stats(ctx context.Context, tenantID string) (*tenant.Stats, error)
	Delete(ctx context.Context, code string) error
}

// Tenants manages tenant registration and defaults.
type Tenants interface {
	Create(ctx context.Context, req tenant.CreateRequest) (*tenant.Tenant, error)
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	ListIDs(ctx context.Context) ([]string, error)
	Update(ctx context.Context, id string, req tenant.UpdateRequest) (*tenant.Tenant, error)
	ClearData(ctx context.Context, id string) error
	Backup(ctx context.Context, id string) (*tenant.Backup, error)
}

// Cascades removes state for tenants and capabilities that disappeared.
type Cascades interface {
	TenantRemoved(ctx context.Context, tenantID string) error
	CapabilityRemoved(ctx context.Context, tenantID, capabilityID string) error
	Reconcile(ctx context.Context) (int, error)
}

// Sweeps runs an expiration sweep on demand.
type Sweeps interface {
	Tick(ctx context.Context) (service.SweepReport, error)
}

// Handlers holds the services the routes call into.
type Handlers struct {
	Redemptions Redemptions
	Licenses    Licenses
	Tenants     Tenants
	Cascades    Cascades
	Sweeps      Sweeps
	BodyLimit   int64
}

// Redeem handles POST /api/v1/redeem. Rejections carry the result body
// with a 4xx status.
func (h *Handlers) Redeem(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[redemption.RedeemRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	res, err := h.Redemptions.Redeem(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "license not found")
		return
	}
	writeJSON(w, outcomeStatus(res.Outcome), res)
}

// GrantManual handles POST /api/v1/tenants/{tid}/grants
func (h *Handlers) GrantManual(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[redemption.ManualGrant](w, r, h.BodyLimit)
	if !ok {
		return
	}
	req.TenantID = chi.URLParam(r, "tid")
	res, err := h.Redemptions.GrantManual(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, outcomeStatus(res.Outcome), res)
}

func outcomeStatus(o redemption.Outcome) int {
	switch o {
	case redemption.OutcomeGranted:
		return http.StatusCreated
	case redemption.OutcomeInvalidCode, redemption.OutcomeWrongTenant:
		return http.StatusNotFound
	case redemption.OutcomeCapabilityGone:
		return http.StatusGone
	case redemption.OutcomeAlreadyActive, redemption.OutcomeDriftDetected:
		return http.StatusConflict
	case redemption.OutcomeGrantDenied:
		return http.StatusForbidden
	}
	return http.StatusOK
}

// RevokeCapability handles DELETE /api/v1/tenants/{tid}/identities/{iid}/capabilities/{cid}
func (h *Handlers) RevokeCapability(w http.ResponseWriter, r *http.Request) {
	err := h.Redemptions.Revoke(r.Context(), chi.URLParam(r, "tid"), chi.URLParam(r, "iid"), chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err, "entitlement not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAll handles DELETE /api/v1/tenants/{tid}/identities/{iid}/entitlements
func (h *Handlers) RevokeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.Redemptions.RevokeAll(r.Context(), chi.URLParam(r, "tid"), chi.URLParam(r, "iid"))
	if err != nil {
		// Partial success: report what was revoked next to the failure.
		if n > 0 {
			writeJSON(w, http.StatusMultiStatus, map[string]any{"revoked": n, "error": err.Error()})
			return
		}
		writeDomainError(w, err, "identity not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// GenerateLicenses handles POST /api/v1/tenants/{tid}/licenses
func (h *Handlers) GenerateLicenses(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[license.GenerateRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	req.TenantID = chi.URLParam(r, "tid")
	batch, err := h.Licenses.Generate(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

// ListLicenses handles GET /api/v1/tenants/{tid}/licenses?capability_id=&limit=
func (h *Handlers) ListLicenses(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := h.Licenses.List(r.Context(), chi.URLParam(r, "tid"), r.URL.Query().Get("capability_id"), limit)
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	if items == nil {
		items = []license.Summary{}
	}
	writeJSON(w, http.StatusOK, items)
}

// DeleteLicense handles DELETE /api/v1/licenses/{code}
func (h *Handlers) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	if err := h.Licenses.Delete(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeDomainError(w, err, "license not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TenantStats handles GET /api/v1/tenants/{tid}/stats
func (h *Handlers) TenantStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Licenses.Stats(r.Context(), chi.URLParam(r, "tid"))
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListTenants handles GET /api/v1/tenants
func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Tenants.ListIDs(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// CreateTenant handles POST /api/v1/tenants
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[tenant.CreateRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	t, err := h.Tenants.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTenant handles GET /api/v1/tenants/{tid}
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tenants.Get(r.Context(), chi.URLParam(r, "tid"))
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// updateTenantRequest extends tenant.UpdateRequest with a human duration
// such as "2y 5months".
type updateTenantRequest struct {
	tenant.UpdateRequest
	DefaultDuration *string `json:"default_duration,omitempty"`
}

// UpdateTenant handles PATCH /api/v1/tenants/{tid}
func (h *Handlers) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[updateTenantRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	if req.DefaultDuration != nil {
		hours, err := license.ParseDuration(*req.DefaultDuration)
		if err != nil {
			writeDomainError(w, err, "")
			return
		}
		req.DefaultDurationHours = &hours
	}
	t, err := h.Tenants.Update(r.Context(), chi.URLParam(r, "tid"), req.UpdateRequest)
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTenant handles DELETE /api/v1/tenants/{tid}
func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := h.Cascades.TenantRemoved(r.Context(), chi.URLParam(r, "tid")); err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearTenantData handles DELETE /api/v1/tenants/{tid}/data. Licenses and
// entitlements are removed; the tenant and its settings stay.
func (h *Handlers) ClearTenantData(w http.ResponseWriter, r *http.Request) {
	if err := h.Tenants.ClearData(r.Context(), chi.URLParam(r, "tid")); err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BackupTenant handles GET /api/v1/tenants/{tid}/backup
func (h *Handlers) BackupTenant(w http.ResponseWriter, r *http.Request) {
	b, err := h.Tenants.Backup(r.Context(), chi.URLParam(r, "tid"))
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// DeleteCapability handles DELETE /api/v1/capabilities/{cid}?tenant_id=
func (h *Handlers) DeleteCapability(w http.ResponseWriter, r *http.Request) {
	err := h.Cascades.CapabilityRemoved(r.Context(), r.URL.Query().Get("tenant_id"), chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err, "capability not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile handles POST /api/v1/reconcile
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := h.Cascades.Reconcile(r.Context())
	if err != nil {
		writeJSON(w, http.StatusMultiStatus, map[string]any{"purged": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// Sweep handles POST /api/v1/sweeps
func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Sweeps.Tick(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
