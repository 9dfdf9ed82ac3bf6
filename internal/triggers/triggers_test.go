package triggers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/secrets"
	"github.com/zerg-ai/zerg/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.CreateOwner(context.Background(), &store.Owner{ID: "own_1", Email: "t@example.com"}); err != nil {
		t.Fatalf("owner: %v", err)
	}
	return s
}

func newTestBox(t *testing.T) *secrets.Box {
	t.Helper()
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	return box
}

func collectFired(t *testing.T, bus *events.Bus) func() []events.TriggerFiredPayload {
	t.Helper()
	var mu sync.Mutex
	var fired []events.TriggerFiredPayload
	unsub := bus.Subscribe(func(e events.Event) {
		p, ok := events.ExtractPayload[events.TriggerFiredPayload](e)
		if !ok {
			return
		}
		mu.Lock()
		fired = append(fired, p)
		mu.Unlock()
	}, events.EventTriggerFired)
	t.Cleanup(unsub)
	return func() []events.TriggerFiredPayload {
		mu.Lock()
		defer mu.Unlock()
		out := make([]events.TriggerFiredPayload, len(fired))
		copy(out, fired)
		return out
	}
}

func TestWebhookFires(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus(32)
	t.Cleanup(bus.Close)
	clock := fixedClock{t: time.Unix(1_700_000_000, 0)}
	w := NewWebhook(s, bus, clock, nil)
	fired := collectFired(t, bus)

	trig := &store.Trigger{
		ID: "trg_1", OwnerID: "own_1", AgentID: "agt_1",
		Type: store.TriggerWebhook, Secret: "s3cret",
	}
	if err := s.CreateTrigger(context.Background(), trig); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	body := []byte(`{"ping":1}`)
	ts := clock.t.Unix()
	sig := Sign("s3cret", ts, body)
	if err := w.Handle(context.Background(), "trg_1", fmt.Sprint(ts), sig, body); err != nil {
		t.Fatalf("handle: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(fired()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := fired()
	if len(got) != 1 {
		t.Fatalf("fired = %d events", len(got))
	}
	if got[0].TriggerID != "trg_1" || got[0].AgentID != "agt_1" || got[0].Source != "webhook" {
		t.Fatalf("payload = %+v", got[0])
	}
	if got[0].Payload["ping"] != float64(1) {
		t.Fatalf("payload body = %v", got[0].Payload)
	}
}

func TestWebhookRejections(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus(32)
	t.Cleanup(bus.Close)
	clock := fixedClock{t: time.Unix(1_700_000_000, 0)}
	w := NewWebhook(s, bus, clock, nil)
	fired := collectFired(t, bus)

	trig := &store.Trigger{
		ID: "trg_1", OwnerID: "own_1", AgentID: "agt_1",
		Type: store.TriggerWebhook, Secret: "s3cret",
	}
	if err := s.CreateTrigger(context.Background(), trig); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	body := []byte(`{"ping":1}`)
	goodTS := clock.t.Unix()

	cases := []struct {
		name    string
		trigger string
		ts      string
		sig     string
		kind    apierr.Kind
	}{
		{"bad signature", "trg_1", fmt.Sprint(goodTS), "deadbeef", apierr.KindAuth},
		{"wrong secret", "trg_1", fmt.Sprint(goodTS), Sign("other", goodTS, body), apierr.KindAuth},
		{"stale timestamp", "trg_1", fmt.Sprint(goodTS - 600), Sign("s3cret", goodTS-600, body), apierr.KindAuth},
		{"future timestamp", "trg_1", fmt.Sprint(goodTS + 600), Sign("s3cret", goodTS+600, body), apierr.KindAuth},
		{"malformed timestamp", "trg_1", "yesterday", "x", apierr.KindAuth},
		{"unknown trigger", "trg_missing", fmt.Sprint(goodTS), "x", apierr.KindNotFound},
	}
	for _, tc := range cases {
		err := w.Handle(context.Background(), tc.trigger, tc.ts, tc.sig, body)
		if apierr.KindOf(err) != tc.kind {
			t.Fatalf("%s: kind = %v (err %v), want %v", tc.name, apierr.KindOf(err), err, tc.kind)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(fired()); n != 0 {
		t.Fatalf("rejected deliveries fired %d events", n)
	}
}

type fakeGmail struct {
	mu       sync.Mutex
	messages map[string]*GmailMessage
	ids      []string
	latest   uint64
	listErr  error
	lists    int

	watchExpiry  time.Time
	watchHistory uint64
	watches      int
}

func (f *fakeGmail) ListNewMessageIDs(_ context.Context, _ string, _ uint64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	return f.ids, f.latest, nil
}

func (f *fakeGmail) GetMessage(_ context.Context, _ string, id string) (*GmailMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("no message %s", id)
	}
	return msg, nil
}

func (f *fakeGmail) Watch(_ context.Context, _, _ string) (time.Time, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches++
	return f.watchExpiry, f.watchHistory, nil
}

func (f *fakeGmail) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func pushFor(t *testing.T, email string, historyID uint64) *PubSubPush {
	t.Helper()
	data, err := json.Marshal(map[string]any{"emailAddress": email, "historyId": historyID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	p := &PubSubPush{}
	p.Message.Data = base64.StdEncoding.EncodeToString(data)
	p.Message.MessageID = "m1"
	return p
}

func seedEmailConnector(t *testing.T, s *store.Store, box *secrets.Box, cfg store.ConnectorConfig) *store.Connector {
	t.Helper()
	cred, err := box.Encrypt("refresh-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	conn := &store.Connector{
		ID: "con_1", OwnerID: "own_1", Type: "email", Provider: "gmail",
		Credential: cred, Config: cfg,
	}
	if err := s.UpsertConnector(context.Background(), conn); err != nil {
		t.Fatalf("upsert connector: %v", err)
	}
	return conn
}

func TestPubSubDedupe(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus(32)
	t.Cleanup(bus.Close)
	box := newTestBox(t)
	ctx := context.Background()

	seedEmailConnector(t, s, box, store.ConnectorConfig{
		EmailAddress: "user@gmail.com", HistoryID: 10, LastMsgNo: 10,
	})
	filterCfg, _ := json.Marshal(store.EmailFilter{})
	if err := s.CreateTrigger(ctx, &store.Trigger{
		ID: "trg_em", OwnerID: "own_1", AgentID: "agt_1",
		Type: store.TriggerEmail, Config: filterCfg,
	}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	api := &fakeGmail{
		ids:    []string{"msg-1"},
		latest: 42,
		messages: map[string]*GmailMessage{
			"msg-1": {ID: "msg-1", From: "Boss <boss@corp.com>", Subject: "Q2", Labels: []string{"INBOX"}},
		},
	}
	g := NewGmailIngress(s, bus, box, api, nil)
	g.sleep = func(time.Duration) {}
	fired := collectFired(t, bus)

	if err := g.HandlePush(ctx, pushFor(t, "user@gmail.com", 42)); err != nil {
		t.Fatalf("first push: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(fired()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fired(); len(got) != 1 || got[0].Source != "email" || got[0].Payload["message_id"] != "msg-1" {
		t.Fatalf("fired = %+v", got)
	}

	// Watermark advanced before dispatch; the duplicate is a no-op.
	conn, err := s.GetConnector(ctx, "con_1")
	if err != nil {
		t.Fatalf("get connector: %v", err)
	}
	if conn.Config.LastMsgNo != 42 {
		t.Fatalf("last_msg_no = %d", conn.Config.LastMsgNo)
	}

	lists := api.listCount()
	if err := g.HandlePush(ctx, pushFor(t, "user@gmail.com", 42)); err != nil {
		t.Fatalf("duplicate push: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if api.listCount() != lists {
		t.Fatal("duplicate push reached the gmail api")
	}
	if len(fired()) != 1 {
		t.Fatalf("duplicate push fired again: %d events", len(fired()))
	}

	// history_id advanced to the latest observed value.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, _ = s.GetConnector(ctx, "con_1")
		if conn.Config.HistoryID == 42 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn.Config.HistoryID != 42 {
		t.Fatalf("history_id = %d", conn.Config.HistoryID)
	}
}

func TestPubSubUnknownConnector(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)
	g := NewGmailIngress(s, bus, newTestBox(t), &fakeGmail{}, nil)

	err := g.HandlePush(context.Background(), pushFor(t, "stranger@gmail.com", 5))
	if apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("kind = %v", apierr.KindOf(err))
	}
}

func TestPubSubRetriesTransientErrors(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)
	box := newTestBox(t)

	seedEmailConnector(t, s, box, store.ConnectorConfig{
		EmailAddress: "user@gmail.com", HistoryID: 1, LastMsgNo: 1,
	})

	api := &fakeGmail{listErr: errors.New("503")}
	g := NewGmailIngress(s, bus, box, api, nil)
	g.sleep = func(time.Duration) {}

	if err := g.HandlePush(context.Background(), pushFor(t, "user@gmail.com", 2)); err != nil {
		t.Fatalf("push: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for api.listCount() < len(gmailBackoff)+1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := api.listCount(); got != len(gmailBackoff)+1 {
		t.Fatalf("attempts = %d, want %d", got, len(gmailBackoff)+1)
	}
}

func TestEmailFilterMatching(t *testing.T) {
	msg := &GmailMessage{
		From:    "Alice Smith <alice@corp.com>",
		Subject: "Invoice overdue",
		Labels:  []string{"INBOX", "IMPORTANT"},
		Snippet: "please pay by friday",
	}
	cases := []struct {
		name   string
		filter store.EmailFilter
		want   bool
	}{
		{"empty matches", store.EmailFilter{}, true},
		{"from match", store.EmailFilter{FromContains: "alice@corp"}, true},
		{"from case insensitive", store.EmailFilter{FromContains: "ALICE"}, true},
		{"from miss", store.EmailFilter{FromContains: "bob@"}, false},
		{"subject match", store.EmailFilter{SubjectContains: "invoice"}, true},
		{"query hits snippet", store.EmailFilter{Query: "friday"}, true},
		{"query miss", store.EmailFilter{Query: "monday"}, false},
		{"label include", store.EmailFilter{LabelInclude: []string{"INBOX", "IMPORTANT"}}, true},
		{"label include miss", store.EmailFilter{LabelInclude: []string{"SPAM"}}, false},
		{"label exclude", store.EmailFilter{LabelExclude: []string{"IMPORTANT"}}, false},
		{"combined", store.EmailFilter{FromContains: "alice", SubjectContains: "overdue", LabelExclude: []string{"SPAM"}}, true},
	}
	for _, tc := range cases {
		if got := matchesFilter(msg, &tc.filter); got != tc.want {
			t.Fatalf("%s: matchesFilter = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWatchRenewal(t *testing.T) {
	s := newTestStore(t)
	box := newTestBox(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedEmailConnector(t, s, box, store.ConnectorConfig{
		EmailAddress: "user@gmail.com",
		WatchExpiry:  now.Add(24 * time.Hour), // inside the renew window
	})

	api := &fakeGmail{
		watchExpiry:  now.Add(7 * 24 * time.Hour),
		watchHistory: 99,
	}
	r := NewWatchRenewer(s, box, api, "projects/p/topics/gmail", fixedClock{t: now}, nil)
	r.RenewDue(ctx)

	if api.watches != 1 {
		t.Fatalf("watches = %d", api.watches)
	}
	conn, err := s.GetConnector(ctx, "con_1")
	if err != nil {
		t.Fatalf("get connector: %v", err)
	}
	if !conn.Config.WatchExpiry.Equal(api.watchExpiry) {
		t.Fatalf("watch_expiry = %v", conn.Config.WatchExpiry)
	}
	if conn.Config.HistoryID != 99 {
		t.Fatalf("history_id = %d (fresh connector should take the watch baseline)", conn.Config.HistoryID)
	}
}

func TestWatchRenewalSkipsFreshWatches(t *testing.T) {
	s := newTestStore(t)
	box := newTestBox(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	seedEmailConnector(t, s, box, store.ConnectorConfig{
		EmailAddress: "user@gmail.com",
		WatchExpiry:  now.Add(6 * 24 * time.Hour),
	})

	api := &fakeGmail{}
	r := NewWatchRenewer(s, box, api, "projects/p/topics/gmail", fixedClock{t: now}, nil)
	r.RenewDue(context.Background())

	if api.watches != 0 {
		t.Fatalf("watches = %d, want 0", api.watches)
	}
}
