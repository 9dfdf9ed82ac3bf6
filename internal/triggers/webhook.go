// Package triggers ingests external wake events (signed webhooks,
// Gmail Pub/Sub push) and publishes trigger_fired for matches.
package triggers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/metrics"
	"github.com/zerg-ai/zerg/internal/store"
)

// maxSkew is how far a signed timestamp may drift from the server
// clock before the delivery is rejected.
const maxSkew = 5 * time.Minute

// Signature headers on webhook deliveries.
const (
	HeaderTimestamp = "X-Zerg-Timestamp"
	HeaderSignature = "X-Zerg-Signature"
)

// Webhook verifies and fires signed webhook deliveries.
type Webhook struct {
	store  *store.Store
	bus    *events.Bus
	clock  ident.Clock
	logger *slog.Logger
}

// NewWebhook builds the webhook ingress.
func NewWebhook(st *store.Store, bus *events.Bus, clock ident.Clock, logger *slog.Logger) *Webhook {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{store: st, bus: bus, clock: clock, logger: logger}
}

// Sign computes the signature a caller must send: the hex HMAC-SHA256
// of "{ts}.{raw_body}" under the trigger's secret.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Handle verifies one delivery against the trigger's secret and, on
// success, publishes trigger_fired. A rejected delivery never fires
// and never changes state.
func (w *Webhook) Handle(ctx context.Context, triggerID, tsHeader, sigHeader string, body []byte) error {
	trig, err := w.store.GetTrigger(ctx, triggerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierr.Newf(apierr.KindNotFound, "trigger %s not found", triggerID)
		}
		return err
	}
	if trig.Type != store.TriggerWebhook {
		return apierr.Newf(apierr.KindValidation, "trigger %s is not a webhook trigger", triggerID)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return apierr.New(apierr.KindAuth, "missing or malformed timestamp header")
	}
	skew := w.clock.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return apierr.New(apierr.KindAuth, "signed timestamp outside the allowed window")
	}

	want := Sign(trig.Secret, ts, body)
	if !hmac.Equal([]byte(want), []byte(sigHeader)) {
		return apierr.New(apierr.KindAuth, "signature mismatch")
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			// Signed but not a JSON object; carry the raw text instead.
			payload = map[string]any{"raw": string(body)}
		}
	}

	w.bus.Publish(events.NewTypedEvent(events.SourceIngress, events.AgentTopic(trig.AgentID), events.TriggerFiredPayload{
		TriggerID: trig.ID,
		AgentID:   trig.AgentID,
		Source:    "webhook",
		Payload:   payload,
	}))
	metrics.TriggersFired.WithLabelValues("webhook").Inc()
	w.logger.Info("webhook trigger fired", "trigger_id", trig.ID, "agent_id", trig.AgentID)
	return nil
}
