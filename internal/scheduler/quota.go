package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/config"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
)

// warnThreshold is the cost-cap fraction at which a warning is logged.
const warnThreshold = 0.8

// Quotas enforces the daily run and cost caps. Admins bypass every
// gate. A cap of zero means the gate is disabled.
type Quotas struct {
	store  *store.Store
	cfg    *config.Settings
	clock  ident.Clock
	logger *slog.Logger
}

// NewQuotas wires the quota gates.
func NewQuotas(st *store.Store, cfg *config.Settings, clock ident.Clock, logger *slog.Logger) *Quotas {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Quotas{store: st, cfg: cfg, clock: clock, logger: logger}
}

// CheckRunAllowed gates a run start for an owner: daily run count,
// per-owner cost cap, global cost cap.
func (q *Quotas) CheckRunAllowed(ctx context.Context, owner *store.Owner) error {
	if owner.Role == store.RoleAdmin {
		return nil
	}
	dayStart := q.dayStart()

	if cap := q.cfg.DailyRunsPerUser; cap > 0 {
		n, err := q.store.CountRunsSince(ctx, owner.ID, dayStart)
		if err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		if n >= cap {
			return apierr.Newf(apierr.KindQuota, "daily run limit reached (%d/%d)", n, cap)
		}
	}

	if cap := q.cfg.DailyCostPerUserCents; cap > 0 {
		if err := q.checkCost(ctx, owner.ID, cap, dayStart, "owner "+owner.ID); err != nil {
			return err
		}
	}
	if cap := q.cfg.DailyCostGlobalCents; cap > 0 {
		if err := q.checkCost(ctx, "", cap, dayStart, "global"); err != nil {
			return err
		}
	}
	return nil
}

func (q *Quotas) checkCost(ctx context.Context, ownerID string, capCents int, since time.Time, scope string) error {
	usd, err := q.store.SumCostSince(ctx, ownerID, since)
	if err != nil {
		return fmt.Errorf("sum cost: %w", err)
	}
	cents := usd * 100
	if cents >= float64(capCents) {
		return apierr.Newf(apierr.KindQuota, "daily cost limit reached for %s (%.1f/%d cents)", scope, cents, capCents)
	}
	if cents >= warnThreshold*float64(capCents) {
		q.logger.Warn("daily cost approaching cap",
			"scope", scope, "spent_cents", cents, "cap_cents", capCents)
	}
	return nil
}

// CheckModelAllowed gates agent create/update on the non-admin model
// allowlist. An empty allowlist permits everything.
func (q *Quotas) CheckModelAllowed(owner *store.Owner, model string) error {
	if owner.Role == store.RoleAdmin || len(q.cfg.AllowedModelsNonAdmin) == 0 {
		return nil
	}
	for _, allowed := range q.cfg.AllowedModelsNonAdmin {
		if model == allowed {
			return nil
		}
	}
	return apierr.Newf(apierr.KindValidation, "model %q is not in the allowed list", model)
}

func (q *Quotas) dayStart() time.Time {
	now := q.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
