package notify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fiscalbot/internal/alert"
	"fiscalbot/internal/store"
	logx "fiscalbot/pkg/logx"
)

type fakeDispatchStore struct {
	groups []store.QueueGroup
	subs   map[int64]*store.Subscription
	conns  map[int64][]store.Connection

	marked       []int64 // maxID per MarkProcessed call
	lastNotified []int64 // connection ids
	history      []store.HistoryEntry
}

func (f *fakeDispatchStore) UnprocessedGroups(_ context.Context) ([]store.QueueGroup, error) {
	return f.groups, nil
}

func (f *fakeDispatchStore) SubscriptionByID(_ context.Context, id int64) (*store.Subscription, error) {
	return f.subs[id], nil
}

func (f *fakeDispatchStore) ActiveConnections(_ context.Context, subID int64) ([]store.Connection, error) {
	return f.conns[subID], nil
}

func (f *fakeDispatchStore) MarkProcessed(_ context.Context, subID, maxID int64) error {
	f.marked = append(f.marked, maxID)
	var remaining []store.QueueGroup
	for _, g := range f.groups {
		if g.SubscriptionID != subID {
			remaining = append(remaining, g)
			continue
		}
		var kept []store.QueueEntry
		for _, e := range g.Entries {
			if e.ID > maxID {
				kept = append(kept, e)
			}
		}
		if len(kept) > 0 {
			remaining = append(remaining, store.QueueGroup{SubscriptionID: subID, Entries: kept})
		}
	}
	f.groups = remaining
	return nil
}

func (f *fakeDispatchStore) UpdateLastNotification(_ context.Context, connID int64, _ time.Time) error {
	f.lastNotified = append(f.lastNotified, connID)
	return nil
}

func (f *fakeDispatchStore) RecordHistory(_ context.Context, e store.HistoryEntry) error {
	f.history = append(f.history, e)
	return nil
}

type fakeMessageSender struct {
	outcomes []SendOutcome // consumed in order; last one repeats
	sent     []int64       // chat ids
	texts    []string
}

func (f *fakeMessageSender) Send(_ context.Context, chatID int64, text string) SendOutcome {
	f.sent = append(f.sent, chatID)
	f.texts = append(f.texts, text)
	if len(f.outcomes) == 0 {
		return SendOutcome{Delivered: true, ExternalMessageID: "1"}
	}
	out := f.outcomes[0]
	if len(f.outcomes) > 1 {
		f.outcomes = f.outcomes[1:]
	}
	return out
}

func activeSub(id int64) *store.Subscription {
	return &store.Subscription{
		ID: id, ClientINN: "INN1", Status: store.SubscriptionActive,
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	}
}

func queuedGroup(subID int64, sevs ...alert.Severity) store.QueueGroup {
	g := store.QueueGroup{SubscriptionID: subID}
	for i, sev := range sevs {
		g.Entries = append(g.Entries, store.QueueEntry{
			ID: int64(i + 1), SubscriptionID: subID,
			TerminalKey: alert.TerminalKey("INN1", 1, i+1),
			Severity:    sev, EventType: "fiscal_drive",
			AlertSummary: "Fiscal drive near capacity",
			ShopNumber:   1, POSNumber: i + 1,
			CreatedAt: time.Now(),
		})
	}
	return g
}

func newTestDispatcher(st *fakeDispatchStore, sender MessageSender, now time.Time) *Dispatcher {
	d := NewDispatcher(DispatchConfig{BatchThreshold: 3, MaxQuietPeriod: 5 * time.Minute}, st, sender, logx.Nop())
	d.now = func() time.Time { return now }
	return d
}

func TestSweepSendsOnBatchThreshold(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityWarn, alert.SeverityWarn, alert.SeverityWarn)},
		subs:   map[int64]*store.Subscription{1: activeSub(1)},
		conns: map[int64][]store.Connection{
			1: {{ID: 10, SubscriptionID: 1, ChatID: 100, LastNotificationAt: &recent}},
		},
	}
	sender := &fakeMessageSender{}
	newTestDispatcher(st, sender, now).Sweep(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("three queued alerts should send despite recent notification, got %d sends", len(sender.sent))
	}
	if len(st.marked) != 1 || st.marked[0] != 3 {
		t.Errorf("entries should be cleared up to max id 3: %v", st.marked)
	}
	if len(st.lastNotified) != 1 || st.lastNotified[0] != 10 {
		t.Errorf("primary connection cadence not updated: %v", st.lastNotified)
	}
}

func TestSweepHoldsSmallRecentBatch(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityWarn, alert.SeverityWarn)},
		subs:   map[int64]*store.Subscription{1: activeSub(1)},
		conns: map[int64][]store.Connection{
			1: {{ID: 10, SubscriptionID: 1, ChatID: 100, LastNotificationAt: &recent}},
		},
	}
	sender := &fakeMessageSender{}
	newTestDispatcher(st, sender, now).Sweep(context.Background())

	if len(sender.sent) != 0 {
		t.Errorf("two warns a minute after the last message should be held")
	}
	if len(st.marked) != 0 {
		t.Errorf("held entries must stay queued")
	}
}

func TestSweepSendsAfterQuietPeriod(t *testing.T) {
	now := time.Now()
	stale := now.Add(-6 * time.Minute)
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityWarn)},
		subs:   map[int64]*store.Subscription{1: activeSub(1)},
		conns: map[int64][]store.Connection{
			1: {{ID: 10, SubscriptionID: 1, ChatID: 100, LastNotificationAt: &stale}},
		},
	}
	sender := &fakeMessageSender{}
	newTestDispatcher(st, sender, now).Sweep(context.Background())

	if len(sender.sent) != 1 {
		t.Errorf("a single warn after the quiet period should send")
	}
}

func TestSweepSendsWhenNeverNotified(t *testing.T) {
	now := time.Now()
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityWarn)},
		subs:   map[int64]*store.Subscription{1: activeSub(1)},
		conns: map[int64][]store.Connection{
			1: {{ID: 10, SubscriptionID: 1, ChatID: 100}},
		},
	}
	sender := &fakeMessageSender{}
	newTestDispatcher(st, sender, now).Sweep(context.Background())

	if len(sender.sent) != 1 {
		t.Errorf("never-notified connection should always be eligible")
	}
}

func TestSweepCriticalSendsImmediately(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Second)
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityCritical)},
		subs:   map[int64]*store.Subscription{1: activeSub(1)},
		conns: map[int64][]store.Connection{
			1: {{ID: 10, SubscriptionID: 1, ChatID: 100, LastNotificationAt: &recent}},
		},
	}
	sender := &fakeMessageSender{}
	newTestDispatcher(st, sender, now).Sweep(context.Background())

	if len(sender.sent) != 1 {
		t.Errorf("critical must bypass batching and quiet period")
	}
}

func TestSweepHoldsIneligibleSubscription(t *testing.T) {
	now := time.Now()
	expired := activeSub(1)
	expired.ExpiresAt = now.Add(-time.Hour)
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityCritical)},
		subs:   map[int64]*store.Subscription{1: expired},
		conns: map[int64][]store.Connection{
			1: {{ID: 10, SubscriptionID: 1, ChatID: 100}},
		},
	}
	sender := &fakeMessageSender{}
	newTestDispatcher(st, sender, now).Sweep(context.Background())

	if len(sender.sent) != 0 {
		t.Errorf("expired subscription must not be notified")
	}
	if len(st.marked) != 0 {
		t.Errorf("entries should stay queued for a possible renewal")
	}
}

func TestSweepHoldsWithoutConnections(t *testing.T) {
	now := time.Now()
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityCritical)},
		subs:   map[int64]*store.Subscription{1: activeSub(1)},
		conns:  map[int64][]store.Connection{},
	}
	sender := &fakeMessageSender{}
	newTestDispatcher(st, sender, now).Sweep(context.Background())

	if len(sender.sent) != 0 || len(st.marked) != 0 {
		t.Errorf("no connections: nothing to send, entries held")
	}
}

func TestSweepFansOutToAllConnections(t *testing.T) {
	now := time.Now()
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityCritical)},
		subs:   map[int64]*store.Subscription{1: activeSub(1)},
		conns: map[int64][]store.Connection{
			1: {
				{ID: 10, SubscriptionID: 1, ChatID: 100},
				{ID: 11, SubscriptionID: 1, ChatID: 200},
			},
		},
	}
	sender := &fakeMessageSender{}
	newTestDispatcher(st, sender, now).Sweep(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("want sends to both connections, got %d", len(sender.sent))
	}
	if len(st.history) != 2 {
		t.Errorf("want a history row per connection, got %d", len(st.history))
	}
	if len(st.lastNotified) != 1 || st.lastNotified[0] != 10 {
		t.Errorf("cadence is tracked on the primary connection only: %v", st.lastNotified)
	}
}

func TestSweepPrimaryFailureKeepsEntriesQueued(t *testing.T) {
	now := time.Now()
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityCritical)},
		subs:   map[int64]*store.Subscription{1: activeSub(1)},
		conns: map[int64][]store.Connection{
			1: {{ID: 10, SubscriptionID: 1, ChatID: 100}},
		},
	}
	sender := &fakeMessageSender{outcomes: []SendOutcome{{Err: context.DeadlineExceeded}}}
	newTestDispatcher(st, sender, now).Sweep(context.Background())

	if len(st.marked) != 0 {
		t.Errorf("failed primary send must leave entries queued")
	}
	if len(st.history) != 1 || st.history[0].Delivered {
		t.Errorf("failure should still be recorded in history: %+v", st.history)
	}
}

func TestSweepSecondPassIsNoop(t *testing.T) {
	now := time.Now()
	st := &fakeDispatchStore{
		groups: []store.QueueGroup{queuedGroup(1, alert.SeverityCritical)},
		subs:   map[int64]*store.Subscription{1: activeSub(1)},
		conns: map[int64][]store.Connection{
			1: {{ID: 10, SubscriptionID: 1, ChatID: 100}},
		},
	}
	sender := &fakeMessageSender{}
	d := newTestDispatcher(st, sender, now)
	d.Sweep(context.Background())
	d.Sweep(context.Background())

	if len(sender.sent) != 1 {
		t.Errorf("delivered entries must not be re-sent, got %d sends", len(sender.sent))
	}
}

// End-to-end through the real store: admission, sweep, delivery record.
func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	subID, err := st.CreateSubscription(ctx, "7707083893", time.Now().Add(30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateConnection(ctx, subID, 500, "ops chat"); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(EngineConfig{}, st, logx.Nop())
	key := alert.TerminalKey("7707083893", 1, 1)
	err = engine.AdmitAlert(ctx, "7707083893", key, alert.SeverityCritical,
		[]alert.Alert{{Type: "ofd_exchange", Message: "OFD exchange stopped", Severity: alert.SeverityCritical}}, 1, 1)
	if err != nil {
		t.Fatal(err)
	}

	sender := &fakeMessageSender{}
	NewDispatcher(DispatchConfig{}, st, sender, logx.Nop()).Sweep(ctx)

	if len(sender.sent) != 1 || sender.sent[0] != 500 {
		t.Fatalf("want one send to chat 500, got %v", sender.sent)
	}
	if n, _ := st.PendingCount(ctx, subID); n != 0 {
		t.Errorf("queue should be clear after delivery, %d pending", n)
	}
	hist, err := st.HistoryForSubscription(ctx, subID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || !hist[0].Delivered {
		t.Errorf("want one delivered history row: %+v", hist)
	}
	conns, _ := st.ActiveConnections(ctx, subID)
	if len(conns) != 1 || conns[0].LastNotificationAt == nil {
		t.Errorf("primary connection cadence should be stamped")
	}
}
