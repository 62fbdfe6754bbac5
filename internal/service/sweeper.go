package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/Strob0t/licenser/internal/config"
	"github.com/Strob0t/licenser/internal/domain/entitlement"
	"github.com/Strob0t/licenser/internal/logger"
	"github.com/Strob0t/licenser/internal/port/database"
	"github.com/Strob0t/licenser/internal/port/privilege"
)

// SweepReport summarizes one sweep tick. Skipped counts expired rows kept
// for the next tick; rows removed by a tenant purge are only counted in
// Expired.
type SweepReport struct {
	SweepID       string `json:"sweep_id"`
	Scanned       int    `json:"scanned"`
	Expired       int    `json:"expired"`
	Revoked       int    `json:"revoked"`
	Deleted       int    `json:"deleted"`
	Skipped       int    `json:"skipped"`
	TenantsPurged int    `json:"tenants_purged"`
}

// Sweeper periodically revokes and deletes expired entitlements.
type Sweeper struct {
	store     database.Store
	gateway   privilege.Gateway
	tenants   *TenantService
	lifecycle *Lifecycle
	clock     quartz.Clock
	cfg       config.Sweeper

	tickMu sync.Mutex // serializes ticks from the loop and manual triggers

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper. lifecycle may be nil.
func NewSweeper(store database.Store, gateway privilege.Gateway, tenants *TenantService, lifecycle *Lifecycle, clock quartz.Clock, cfg config.Sweeper) *Sweeper {
	return &Sweeper{
		store:     store,
		gateway:   gateway,
		tenants:   tenants,
		lifecycle: lifecycle,
		clock:     clock,
		cfg:       cfg,
	}
}

// Start launches the sweep loop. It is a no-op when already running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(s.cfg.Interval, "sweeper")
	defer ticker.Stop()

	slog.Info("sweeper started", "interval", s.cfg.Interval, "run_on_start", s.cfg.RunOnStart)
	if s.cfg.RunOnStart {
		s.runTick(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Sweeper) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		slog.Error("sweep failed", "error", err)
	}
}

// sweepState is the per-tick memo of tenant existence.
type sweepState struct {
	report  SweepReport
	exists  map[string]bool
	handled map[string]bool // tenants already purged (or failed to purge) this tick
}

// Tick runs one sweep over every entitlement. Per-row failures are logged
// and never abort the tick; the returned error reports scan failures and
// cancellation. Cancelling ctx stops the scan between rows; a row already
// being revoked and deleted is finished first.
func (s *Sweeper) Tick(ctx context.Context) (SweepReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	st := &sweepState{
		report:  SweepReport{SweepID: uuid.NewString()},
		exists:  make(map[string]bool),
		handled: make(map[string]bool),
	}
	ctx = logger.WithSweepID(ctx, st.report.SweepID)
	work := context.WithoutCancel(ctx)
	now := s.clock.Now()

	err := s.store.ScanEntitlements(ctx, func(e entitlement.Entitlement) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.report.Scanned++
		if !e.Expired(now) {
			return nil
		}
		st.report.Expired++
		s.sweepOne(work, st, e)
		return nil
	})

	r := st.report
	slog.InfoContext(ctx, "sweep finished",
		"scanned", r.Scanned, "expired", r.Expired, "revoked", r.Revoked,
		"deleted", r.Deleted, "skipped", r.Skipped, "tenants_purged", r.TenantsPurged)
	return r, err
}

func (s *Sweeper) sweepOne(ctx context.Context, st *sweepState, e entitlement.Entitlement) {
	log := slog.With("tenant_id", e.TenantID, "identity_id", e.IdentityID, "capability_id", e.CapabilityID)

	if st.handled[e.TenantID] {
		return
	}
	exists, ok := st.exists[e.TenantID]
	if !ok {
		var err error
		exists, err = s.gateway.TenantExists(ctx, e.TenantID)
		if err != nil {
			log.WarnContext(ctx, "sweep: tenant lookup failed, keeping row", "error", err)
			st.report.Skipped++
			return
		}
		st.exists[e.TenantID] = exists
	}
	if !exists {
		st.handled[e.TenantID] = true
		if err := s.tenants.Purge(ctx, e.TenantID); err != nil {
			log.ErrorContext(ctx, "sweep: purge of departed tenant failed", "error", err)
			st.report.Skipped++
			return
		}
		log.InfoContext(ctx, "sweep: tenant no longer exists, purged")
		st.report.TenantsPurged++
		return
	}

	inTenant, err := s.gateway.IdentityInTenant(ctx, e.TenantID, e.IdentityID)
	if err != nil {
		log.WarnContext(ctx, "sweep: identity lookup failed, keeping row", "error", err)
		st.report.Skipped++
		return
	}
	if !inTenant {
		log.InfoContext(ctx, "sweep: identity left tenant, dropping entitlement")
		s.drop(ctx, log, st, e, "identity left tenant")
		return
	}

	err = s.gateway.Revoke(ctx, e.TenantID, e.IdentityID, e.CapabilityID)
	switch {
	case errors.Is(err, privilege.ErrNotFound):
		log.WarnContext(ctx, "sweep: capability already removed externally, dropping entitlement")
		s.drop(ctx, log, st, e, "capability already removed")
	case err != nil:
		log.WarnContext(ctx, "sweep: revoke failed, retrying next tick", "error", err)
		st.report.Skipped++
	default:
		st.report.Revoked++
		if s.delete(ctx, log, st, e) {
			s.lifecycle.Expired(ctx, e, "entitlement expired", s.cfg.NotifyExpiry)
		}
	}
}

// drop deletes a row whose capability could not be revoked because it is
// no longer held. The identity is not notified.
func (s *Sweeper) drop(ctx context.Context, log *slog.Logger, st *sweepState, e entitlement.Entitlement, reason string) {
	if s.delete(ctx, log, st, e) {
		s.lifecycle.Expired(ctx, e, reason, false)
	}
}

func (s *Sweeper) delete(ctx context.Context, log *slog.Logger, st *sweepState, e entitlement.Entitlement) bool {
	if err := s.store.DeleteEntitlement(ctx, e.IdentityID, e.CapabilityID); err != nil {
		log.ErrorContext(ctx, "sweep: delete entitlement failed", "error", err)
		st.report.Skipped++
		return false
	}
	st.report.Deleted++
	return true
}
