package notify

import (
	"context"
	"fmt"
	"time"

	"fiscalbot/internal/store"
	logx "fiscalbot/pkg/logx"
)

type JanitorConfig struct {
	// ExpiryWarnWindow is how far ahead of expiry the one-time renewal
	// warning goes out.
	ExpiryWarnWindow  time.Duration
	HistoryRetention  time.Duration
	QueueRetention    time.Duration
	CooldownRetention time.Duration
	// CodeGrace keeps expired connect codes around a little longer for
	// support diagnostics before the purge removes them.
	CodeGrace time.Duration
}

func (c *JanitorConfig) applyDefaults() {
	if c.ExpiryWarnWindow <= 0 {
		c.ExpiryWarnWindow = 72 * time.Hour
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 6 * 30 * 24 * time.Hour
	}
	if c.QueueRetention <= 0 {
		c.QueueRetention = time.Hour
	}
	if c.CooldownRetention <= 0 {
		c.CooldownRetention = 7 * 24 * time.Hour
	}
	if c.CodeGrace <= 0 {
		c.CodeGrace = 24 * time.Hour
	}
}

// JanitorStore is the slice of the store housekeeping needs.
type JanitorStore interface {
	ExpireDueSubscriptions(ctx context.Context, now time.Time) ([]store.Subscription, error)
	SubscriptionsExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]store.Subscription, error)
	MarkExpiryWarned(ctx context.Context, id int64, at time.Time) error
	ActiveConnections(ctx context.Context, subscriptionID int64) ([]store.Connection, error)
	PurgeConnectCodes(ctx context.Context, now time.Time, grace time.Duration) (int64, error)
	PurgeHistory(ctx context.Context, before time.Time) (int64, error)
	PurgeQueue(ctx context.Context, before time.Time) (int64, error)
	PurgeCooldowns(ctx context.Context, before time.Time) (int64, error)
}

// Janitor runs the periodic lifecycle sweeps. Every step is idempotent
// and safe to skip a run; a failure in one category never blocks the
// others.
type Janitor struct {
	st     JanitorStore
	sender MessageSender
	cfg    JanitorConfig
	log    logx.Logger
	now    func() time.Time
}

func NewJanitor(cfg JanitorConfig, st JanitorStore, sender MessageSender, log logx.Logger) *Janitor {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{st: st, sender: sender, cfg: cfg, log: log.With(logx.String("comp", "janitor")), now: time.Now}
}

// RunLifecycle expires due subscriptions (with a one-time notice outside
// the batching pipeline) and warns subscriptions approaching expiry.
func (j *Janitor) RunLifecycle(ctx context.Context) {
	now := j.now()

	expired, err := j.st.ExpireDueSubscriptions(ctx, now)
	if err != nil {
		j.log.Error("expiring subscriptions failed", logx.Err(err))
	} else {
		for _, sub := range expired {
			j.notifySubscription(ctx, sub,
				"Your subscription has expired. Alert notifications are paused until it is renewed.")
		}
		if len(expired) > 0 {
			j.log.Info("subscriptions expired", logx.Int("count", len(expired)))
		}
	}

	warn, err := j.st.SubscriptionsExpiringWithin(ctx, now, j.cfg.ExpiryWarnWindow)
	if err != nil {
		j.log.Error("listing expiring subscriptions failed", logx.Err(err))
		return
	}
	for _, sub := range warn {
		j.notifySubscription(ctx, sub, fmt.Sprintf(
			"Your subscription expires on %s. Renew it to keep receiving alerts.",
			sub.ExpiresAt.Format("02.01.2006")))
		if err := j.st.MarkExpiryWarned(ctx, sub.ID, now); err != nil {
			j.log.Error("marking expiry warning failed",
				logx.Int64("subscription_id", sub.ID), logx.Err(err))
		}
	}
}

// RunPurges removes stale rows per category; categories are isolated.
func (j *Janitor) RunPurges(ctx context.Context) {
	now := j.now()

	if n, err := j.st.PurgeConnectCodes(ctx, now, j.cfg.CodeGrace); err != nil {
		j.log.Error("purging connect codes failed", logx.Err(err))
	} else if n > 0 {
		j.log.Info("connect codes purged", logx.Int64("count", n))
	}

	if n, err := j.st.PurgeHistory(ctx, now.Add(-j.cfg.HistoryRetention)); err != nil {
		j.log.Error("purging history failed", logx.Err(err))
	} else if n > 0 {
		j.log.Info("history purged", logx.Int64("count", n))
	}

	if n, err := j.st.PurgeQueue(ctx, now.Add(-j.cfg.QueueRetention)); err != nil {
		j.log.Error("purging queue failed", logx.Err(err))
	} else if n > 0 {
		j.log.Info("queue entries purged", logx.Int64("count", n))
	}

	if n, err := j.st.PurgeCooldowns(ctx, now.Add(-j.cfg.CooldownRetention)); err != nil {
		j.log.Error("purging cooldowns failed", logx.Err(err))
	} else if n > 0 {
		j.log.Info("cooldowns purged", logx.Int64("count", n))
	}
}

// notifySubscription sends a lifecycle notice to every active connection
// of the subscription, bypassing the batching pipeline (no queue entry,
// no cooldown touch). Best-effort: failures are logged only.
func (j *Janitor) notifySubscription(ctx context.Context, sub store.Subscription, text string) {
	conns, err := j.st.ActiveConnections(ctx, sub.ID)
	if err != nil {
		j.log.Error("listing connections for notice failed",
			logx.Int64("subscription_id", sub.ID), logx.Err(err))
		return
	}
	for _, conn := range conns {
		if out := j.sender.Send(ctx, conn.ChatID, text); !out.Delivered {
			j.log.Warn("lifecycle notice failed",
				logx.Int64("subscription_id", sub.ID),
				logx.Int64("chat_id", conn.ChatID), logx.Err(out.Err))
		}
	}
}
