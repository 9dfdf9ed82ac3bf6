package triggers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/metrics"
	"github.com/zerg-ai/zerg/internal/secrets"
	"github.com/zerg-ai/zerg/internal/store"
)

// Retry schedule for the background Gmail pipeline. Push delivery has
// already been acked with 202 by the time these run.
var gmailBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// PubSubPush is the envelope Google Pub/Sub POSTs to the push endpoint.
type PubSubPush struct {
	Message struct {
		Data      string `json:"data"` // base64 of {"emailAddress","historyId"}
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// GmailIngress handles Pub/Sub push notifications: dedupe first, then
// a background fetch-and-match pass.
type GmailIngress struct {
	store  *store.Store
	bus    *events.Bus
	box    *secrets.Box
	api    GmailAPI
	logger *slog.Logger

	// sleep is swapped out in tests to skip real backoff waits.
	sleep func(time.Duration)
}

// NewGmailIngress builds the Gmail push pipeline.
func NewGmailIngress(st *store.Store, bus *events.Bus, box *secrets.Box, api GmailAPI, logger *slog.Logger) *GmailIngress {
	if logger == nil {
		logger = slog.Default()
	}
	return &GmailIngress{
		store:  st,
		bus:    bus,
		box:    box,
		api:    api,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// HandlePush processes one push notification. It persists the dedupe
// watermark before dispatching the background handler, so a duplicate
// delivery is a no-op even if the process crashes in between.
func (g *GmailIngress) HandlePush(ctx context.Context, push *PubSubPush) error {
	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		return apierr.New(apierr.KindValidation, "pubsub message data is not base64")
	}
	var note gmailNotification
	if err := json.Unmarshal(data, &note); err != nil || note.EmailAddress == "" {
		return apierr.New(apierr.KindValidation, "pubsub message data is not a gmail notification")
	}
	historyID := numberToUint(note.HistoryID)

	conn, err := g.store.GetConnectorByEmail(ctx, note.EmailAddress)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierr.Newf(apierr.KindNotFound, "no connector for %s", note.EmailAddress)
		}
		return err
	}

	if historyID <= conn.Config.LastMsgNo {
		g.logger.Debug("gmail push deduped", "email", note.EmailAddress, "history_id", historyID)
		return nil
	}

	cfg := conn.Config
	cfg.LastMsgNo = historyID
	if err := g.store.UpdateConnectorConfig(ctx, conn.ID, cfg); err != nil {
		return fmt.Errorf("persist dedupe watermark: %w", err)
	}

	since := conn.Config.HistoryID
	go g.processWithRetry(conn, since)
	return nil
}

func (g *GmailIngress) processWithRetry(conn *store.Connector, since uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var err error
	for attempt := 0; ; attempt++ {
		err = g.process(ctx, conn, since)
		if err == nil {
			return
		}
		if attempt >= len(gmailBackoff) {
			break
		}
		g.logger.Warn("gmail processing failed, retrying",
			"connector_id", conn.ID, "attempt", attempt+1, "error", err)
		g.sleep(gmailBackoff[attempt])
	}
	metrics.GmailIngressErrors.Inc()
	g.logger.Error("gmail processing failed permanently", "connector_id", conn.ID, "error", err)
}

func (g *GmailIngress) process(ctx context.Context, conn *store.Connector, since uint64) error {
	refreshToken, err := g.box.Decrypt(conn.Credential)
	if err != nil {
		return fmt.Errorf("decrypt connector credential: %w", err)
	}

	ids, latest, err := g.api.ListNewMessageIDs(ctx, refreshToken, since)
	if err != nil {
		return fmt.Errorf("list gmail history: %w", err)
	}

	trigs, err := g.store.ListEmailTriggersForOwner(ctx, conn.OwnerID)
	if err != nil {
		return fmt.Errorf("list email triggers: %w", err)
	}

	for _, id := range ids {
		msg, err := g.api.GetMessage(ctx, refreshToken, id)
		if err != nil {
			return fmt.Errorf("get message %s: %w", id, err)
		}
		for _, trig := range trigs {
			var filter store.EmailFilter
			if len(trig.Config) > 0 {
				if err := json.Unmarshal(trig.Config, &filter); err != nil {
					g.logger.Warn("bad email trigger config", "trigger_id", trig.ID, "error", err)
					continue
				}
			}
			if !matchesFilter(msg, &filter) {
				continue
			}
			g.bus.Publish(events.NewTypedEvent(events.SourceIngress, events.AgentTopic(trig.AgentID), events.TriggerFiredPayload{
				TriggerID: trig.ID,
				AgentID:   trig.AgentID,
				Source:    "email",
				Payload: map[string]any{
					"message_id": msg.ID,
					"from":       msg.From,
					"subject":    msg.Subject,
					"snippet":    msg.Snippet,
				},
			}))
			metrics.TriggersFired.WithLabelValues("email").Inc()
		}
	}

	if latest > since {
		// Re-read so we do not clobber a watermark advanced by a
		// concurrent push.
		fresh, err := g.store.GetConnector(ctx, conn.ID)
		if err != nil {
			return fmt.Errorf("reload connector: %w", err)
		}
		cfg := fresh.Config
		if latest > cfg.HistoryID {
			cfg.HistoryID = latest
			if err := g.store.UpdateConnectorConfig(ctx, conn.ID, cfg); err != nil {
				return fmt.Errorf("advance history id: %w", err)
			}
		}
	}
	return nil
}

// matchesFilter applies the per-trigger rules. Empty rules match
// everything; label_include requires every listed label, label_exclude
// rejects on any listed label, query is a substring match over the
// from/subject/snippet metadata.
func matchesFilter(msg *GmailMessage, f *store.EmailFilter) bool {
	if f.FromContains != "" && !containsFold(msg.From, f.FromContains) {
		return false
	}
	if f.SubjectContains != "" && !containsFold(msg.Subject, f.SubjectContains) {
		return false
	}
	if f.Query != "" {
		haystack := msg.From + " " + msg.Subject + " " + msg.Snippet
		if !containsFold(haystack, f.Query) {
			return false
		}
	}
	for _, want := range f.LabelInclude {
		if !hasLabel(msg.Labels, want) {
			return false
		}
	}
	for _, banned := range f.LabelExclude {
		if hasLabel(msg.Labels, banned) {
			return false
		}
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, want) {
			return true
		}
	}
	return false
}
