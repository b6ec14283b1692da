package notify

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fiscalbot/internal/alert"
	"fiscalbot/internal/store"
	logx "fiscalbot/pkg/logx"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLifecycleExpiresAndNotifies(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	subID, err := st.CreateSubscription(ctx, "INN1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateConnection(ctx, subID, 100, "chat"); err != nil {
		t.Fatal(err)
	}

	sender := &fakeMessageSender{}
	j := NewJanitor(JanitorConfig{}, st, sender, logx.Nop())
	j.RunLifecycle(ctx)

	sub, err := st.SubscriptionByID(ctx, subID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != store.SubscriptionExpired {
		t.Errorf("status = %s, want expired", sub.Status)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "expired") {
		t.Errorf("expiry notice not sent: %v", sender.texts)
	}

	// A second run finds nothing to flip and stays quiet.
	j.RunLifecycle(ctx)
	if len(sender.texts) != 1 {
		t.Errorf("expiry notice must be one-time, got %d messages", len(sender.texts))
	}
}

func TestLifecycleWarnsBeforeExpiryOnce(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	subID, err := st.CreateSubscription(ctx, "INN1", time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateConnection(ctx, subID, 100, "chat"); err != nil {
		t.Fatal(err)
	}

	sender := &fakeMessageSender{}
	j := NewJanitor(JanitorConfig{ExpiryWarnWindow: 72 * time.Hour}, st, sender, logx.Nop())
	j.RunLifecycle(ctx)

	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "expires on") {
		t.Fatalf("expiry warning not sent: %v", sender.texts)
	}

	j.RunLifecycle(ctx)
	if len(sender.texts) != 1 {
		t.Errorf("warning must go out once, got %d messages", len(sender.texts))
	}
}

func TestLifecycleIgnoresDistantExpiry(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	subID, err := st.CreateSubscription(ctx, "INN1", time.Now().Add(30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateConnection(ctx, subID, 100, "chat"); err != nil {
		t.Fatal(err)
	}

	sender := &fakeMessageSender{}
	NewJanitor(JanitorConfig{}, st, sender, logx.Nop()).RunLifecycle(ctx)

	if len(sender.texts) != 0 {
		t.Errorf("a month-out subscription needs no lifecycle messages: %v", sender.texts)
	}
}

func TestPurgesRemoveStaleRowsOnly(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now()

	subID, err := st.CreateSubscription(ctx, "INN1", now.Add(30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	connID, err := st.CreateConnection(ctx, subID, 100, "chat")
	if err != nil {
		t.Fatal(err)
	}

	// Old delivered history plus a fresh row.
	for _, sentAt := range []time.Time{now.Add(-200 * 24 * time.Hour), now.Add(-time.Hour)} {
		if err := st.RecordHistory(ctx, store.HistoryEntry{
			ConnectionID: connID, SubscriptionID: subID,
			Message: "m", AlertCount: 1, Delivered: true, SentAt: sentAt,
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Processed queue entry past retention, unprocessed entry kept.
	old := store.QueueEntry{
		SubscriptionID: subID, TerminalKey: "INN1:1:1",
		Severity: alert.SeverityWarn, EventType: "fiscal_drive",
		AlertSummary: "old", ShopNumber: 1, POSNumber: 1,
		CreatedAt: now.Add(-2 * time.Hour),
	}
	if err := st.EnqueueNotification(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkProcessed(ctx, subID, 1<<62); err != nil {
		t.Fatal(err)
	}
	fresh := old
	fresh.AlertSummary = "fresh"
	fresh.CreatedAt = now
	if err := st.EnqueueNotification(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	// Stale and fresh cooldowns.
	if err := st.UpsertCooldown(ctx, subID, "INN1:1:1", alert.SeverityWarn, now.Add(-8*24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertCooldown(ctx, subID, "INN1:1:2", alert.SeverityWarn, now); err != nil {
		t.Fatal(err)
	}

	NewJanitor(JanitorConfig{}, st, &fakeMessageSender{}, logx.Nop()).RunPurges(ctx)

	hist, err := st.HistoryForSubscription(ctx, subID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Errorf("want only the fresh history row, got %d", len(hist))
	}
	if n, _ := st.PendingCount(ctx, subID); n != 1 {
		t.Errorf("unprocessed entry must survive the purge, %d pending", n)
	}
	if cd, _ := st.CooldownFor(ctx, subID, "INN1:1:1"); cd != nil {
		t.Errorf("stale cooldown should be purged")
	}
	if cd, _ := st.CooldownFor(ctx, subID, "INN1:1:2"); cd == nil {
		t.Errorf("fresh cooldown must survive")
	}
}
