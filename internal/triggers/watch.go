package triggers

import (
	"context"
	"log/slog"
	"time"

	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/secrets"
	"github.com/zerg-ai/zerg/internal/store"
)

const (
	// Gmail watches expire after 7 days; renew anything inside this
	// window of its expiry.
	watchRenewWindow = 48 * time.Hour

	defaultWatchPeriod = 6 * time.Hour
)

// WatchRenewer keeps Gmail push watches alive. Google expires a watch
// after 7 days; the loop re-issues users.watch before that happens.
type WatchRenewer struct {
	store  *store.Store
	box    *secrets.Box
	api    GmailAPI
	topic  string
	clock  ident.Clock
	logger *slog.Logger
	period time.Duration
}

// NewWatchRenewer builds the renewal loop. topic is the Pub/Sub topic
// new watches publish to.
func NewWatchRenewer(st *store.Store, box *secrets.Box, api GmailAPI, topic string, clock ident.Clock, logger *slog.Logger) *WatchRenewer {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WatchRenewer{
		store:  st,
		box:    box,
		api:    api,
		topic:  topic,
		clock:  clock,
		logger: logger,
		period: defaultWatchPeriod,
	}
}

// Run blocks, renewing watches every period until ctx is cancelled.
func (r *WatchRenewer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.RenewDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RenewDue(ctx)
		}
	}
}

// RenewDue renews every email connector whose watch expires inside the
// renewal window. One connector failing does not stop the sweep.
func (r *WatchRenewer) RenewDue(ctx context.Context) {
	conns, err := r.store.ListEmailConnectors(ctx)
	if err != nil {
		r.logger.Error("list email connectors", "error", err)
		return
	}
	cutoff := r.clock.Now().Add(watchRenewWindow)
	for _, conn := range conns {
		if !conn.Config.WatchExpiry.IsZero() && conn.Config.WatchExpiry.After(cutoff) {
			continue
		}
		if err := r.renew(ctx, conn); err != nil {
			r.logger.Error("renew gmail watch", "connector_id", conn.ID, "error", err)
		}
	}
}

func (r *WatchRenewer) renew(ctx context.Context, conn *store.Connector) error {
	refreshToken, err := r.box.Decrypt(conn.Credential)
	if err != nil {
		return err
	}
	expiry, historyID, err := r.api.Watch(ctx, refreshToken, r.topic)
	if err != nil {
		return err
	}

	cfg := conn.Config
	cfg.WatchExpiry = expiry
	if cfg.HistoryID == 0 && historyID > 0 {
		// First watch on a fresh connector; everything before this
		// baseline is history we never saw.
		cfg.HistoryID = historyID
	}
	if err := r.store.UpdateConnectorConfig(ctx, conn.ID, cfg); err != nil {
		return err
	}
	r.logger.Info("gmail watch renewed", "connector_id", conn.ID, "expiry", expiry)
	return nil
}
