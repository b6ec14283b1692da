package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fiscalbot/internal/alert"
	"fiscalbot/internal/store"
	logx "fiscalbot/pkg/logx"
)

type DispatchConfig struct {
	// BatchThreshold sends a group as soon as it holds this many alerts.
	BatchThreshold int
	// MaxQuietPeriod sends a group of any size once the primary
	// connection has not been notified for this long. A connection that
	// was never notified is always eligible.
	MaxQuietPeriod time.Duration
	DashboardURL   string
}

func (c *DispatchConfig) applyDefaults() {
	if c.BatchThreshold <= 0 {
		c.BatchThreshold = 3
	}
	if c.MaxQuietPeriod <= 0 {
		c.MaxQuietPeriod = 5 * time.Minute
	}
}

// DispatchStore is the slice of the store the dispatch sweep needs.
type DispatchStore interface {
	UnprocessedGroups(ctx context.Context) ([]store.QueueGroup, error)
	SubscriptionByID(ctx context.Context, id int64) (*store.Subscription, error)
	ActiveConnections(ctx context.Context, subscriptionID int64) ([]store.Connection, error)
	MarkProcessed(ctx context.Context, subscriptionID, maxID int64) error
	UpdateLastNotification(ctx context.Context, connectionID int64, at time.Time) error
	RecordHistory(ctx context.Context, e store.HistoryEntry) error
}

// MessageSender is satisfied by *Sender.
type MessageSender interface {
	Send(ctx context.Context, chatID int64, text string) SendOutcome
}

// Dispatcher is the time-driven sweep converting queued entries into
// deliveries. Sweeps are single-flight: a tick that lands while the
// previous sweep is still running is skipped, and re-validation against
// the store closes the races that remain.
type Dispatcher struct {
	st     DispatchStore
	sender MessageSender
	log    logx.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg DispatchConfig

	busy atomic.Bool
}

func NewDispatcher(cfg DispatchConfig, st DispatchStore, sender MessageSender, log logx.Logger) *Dispatcher {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{st: st, sender: sender, cfg: cfg, log: log.With(logx.String("comp", "dispatch")), now: time.Now}
}

// Apply updates the batching knobs. Safe between and during sweeps.
func (d *Dispatcher) Apply(cfg DispatchConfig) {
	cfg.applyDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() DispatchConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Sweep runs one dispatch pass. An error in one subscription group is
// logged and never aborts the remaining groups.
func (d *Dispatcher) Sweep(ctx context.Context) {
	if !d.busy.CompareAndSwap(false, true) {
		d.log.Debug("sweep already running, skipping tick")
		return
	}
	defer d.busy.Store(false)

	groups, err := d.st.UnprocessedGroups(ctx)
	if err != nil {
		d.log.Error("fetching queued notifications failed", logx.Err(err))
		return
	}
	for _, g := range groups {
		if err := d.processGroup(ctx, g); err != nil {
			d.log.Error("subscription group failed",
				logx.Int64("subscription_id", g.SubscriptionID), logx.Err(err))
		}
	}
}

func (d *Dispatcher) processGroup(ctx context.Context, g store.QueueGroup) error {
	now := d.now()

	// Re-validate: the subscription may have been cancelled or expired,
	// and connections deactivated, since admission.
	sub, err := d.st.SubscriptionByID(ctx, g.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil || sub.Status != store.SubscriptionActive || sub.Expired(now) {
		d.log.Debug("subscription no longer eligible, holding entries",
			logx.Int64("subscription_id", g.SubscriptionID))
		return nil
	}
	conns, err := d.st.ActiveConnections(ctx, g.SubscriptionID)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		d.log.Debug("no active connections, holding entries",
			logx.Int64("subscription_id", g.SubscriptionID))
		return nil
	}
	primary := conns[0]

	cfg := d.config()
	if !d.shouldSend(cfg, g, primary, now) {
		return nil
	}

	text := FormatBatch(g.Entries, FormatOptions{DashboardURL: cfg.DashboardURL, Now: now})
	if text == "" {
		// Everything filtered out: consume the entries, nothing to say.
		d.log.Debug("batch filtered to nothing",
			logx.Int64("subscription_id", g.SubscriptionID),
			logx.Int("entries", len(g.Entries)))
		return d.st.MarkProcessed(ctx, g.SubscriptionID, g.MaxID())
	}

	// Fan out to every active connection; the primary connection's
	// outcome decides whether the queue entries are cleared.
	for i, conn := range conns {
		out := d.sender.Send(ctx, conn.ChatID, text)

		hist := store.HistoryEntry{
			ConnectionID:   conn.ID,
			SubscriptionID: g.SubscriptionID,
			Message:        text,
			AlertCount:     len(g.Entries),
			Delivered:      out.Delivered,
			SentAt:         now,
		}
		if out.Delivered {
			hist.ExternalMessageID = out.ExternalMessageID
		} else if out.Err != nil {
			hist.ErrorText = out.Err.Error()
		}
		if err := d.st.RecordHistory(ctx, hist); err != nil {
			d.log.Error("recording history failed",
				logx.Int64("connection_id", conn.ID), logx.Err(err))
		}

		if i == 0 && out.Delivered {
			if err := d.st.MarkProcessed(ctx, g.SubscriptionID, g.MaxID()); err != nil {
				return err
			}
			if err := d.st.UpdateLastNotification(ctx, primary.ID, now); err != nil {
				return err
			}
		}
		// On primary failure the entries stay queued; the next sweep is
		// the retry mechanism.
	}
	return nil
}

func (d *Dispatcher) shouldSend(cfg DispatchConfig, g store.QueueGroup, primary store.Connection, now time.Time) bool {
	for _, e := range g.Entries {
		if e.Severity == alert.SeverityCritical {
			return true
		}
	}
	if len(g.Entries) >= cfg.BatchThreshold {
		return true
	}
	if primary.LastNotificationAt == nil {
		return true
	}
	return now.Sub(*primary.LastNotificationAt) >= cfg.MaxQuietPeriod
}
