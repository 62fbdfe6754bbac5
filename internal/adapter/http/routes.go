package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middlewares are optional per-route guards. Nil entries are skipped.
type Middlewares struct {
	Auth        func(http.Handler) http.Handler
	RedeemLimit func(http.Handler) http.Handler
	Idempotency func(http.Handler) http.Handler
}

func use(mws ...func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, 0, len(mws))
	for _, mw := range mws {
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, mw Middlewares) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(use(mw.Auth)...)

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"1"}`))
		})

		// Redemption
		r.With(use(mw.RedeemLimit)...).Post("/redeem", h.Redeem)

		// Tenants
		r.Get("/tenants", h.ListTenants)
		r.Post("/tenants", h.CreateTenant)
		r.Get("/tenants/{tid}", h.GetTenant)
		r.Patch("/tenants/{tid}", h.UpdateTenant)
		r.Delete("/tenants/{tid}", h.DeleteTenant)
		r.Get("/tenants/{tid}/stats", h.TenantStats)
		r.Get("/tenants/{tid}/backup", h.BackupTenant)
		r.Delete("/tenants/{tid}/data", h.ClearTenantData)

		// Licenses (nested under tenants)
		r.With(use(mw.Idempotency)...).Post("/tenants/{tid}/licenses", h.GenerateLicenses)
		r.Get("/tenants/{tid}/licenses", h.ListLicenses)
		r.Delete("/licenses/{code}", h.DeleteLicense)

		// Entitlements
		r.With(use(mw.Idempotency)...).Post("/tenants/{tid}/grants", h.GrantManual)
		r.Delete("/tenants/{tid}/identities/{iid}/capabilities/{cid}", h.RevokeCapability)
		r.Delete("/tenants/{tid}/identities/{iid}/entitlements", h.RevokeAll)

		// Consistency
		r.Delete("/capabilities/{cid}", h.DeleteCapability)
		r.Post("/reconcile", h.Reconcile)
		r.Post("/sweeps", h.Sweep)
	})
}
