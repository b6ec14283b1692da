package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"fiscalbot/internal/alert"
	"fiscalbot/internal/store"
	logx "fiscalbot/pkg/logx"
)

// Number of alerts folded into a queue entry's summary line.
const summaryAlertMax = 3

type EngineConfig struct {
	// CooldownWindow suppresses repeat notifications for the same
	// terminal at the same severity.
	CooldownWindow time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = 30 * time.Minute
	}
}

// AdmissionStore is the slice of the store the admission engine needs.
type AdmissionStore interface {
	ActiveSubscriptionTargets(ctx context.Context, clientINN string, now time.Time) ([]store.SubscriptionTarget, error)
	CooldownFor(ctx context.Context, subscriptionID int64, terminalKey string) (*store.Cooldown, error)
	UpsertCooldown(ctx context.Context, subscriptionID int64, terminalKey string, sev alert.Severity, at time.Time) error
	EnqueueNotification(ctx context.Context, e store.QueueEntry) error
}

// Engine decides, per interested subscription, whether an incoming alert
// set is admitted to the notification queue or suppressed by cooldown.
// It never talks to the messaging channel; it only prepares state for the
// dispatch sweep.
type Engine struct {
	st  AdmissionStore
	log logx.Logger
	now func() time.Time

	mu  sync.RWMutex
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig, st AdmissionStore, log logx.Logger) *Engine {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{st: st, cfg: cfg, log: log.With(logx.String("comp", "admission")), now: time.Now}
}

// Apply updates the cooldown window. Safe during admissions.
func (e *Engine) Apply(cfg EngineConfig) {
	cfg.applyDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) window() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.CooldownWindow
}

// AdmitAlert runs the admission decision for one terminal event.
//
// Cooldown is keyed by terminal and severity, not by alert type: a
// terminal oscillating between alert types at one severity stays
// throttled, while a severity change (escalation or recovery to a
// different tier) passes through immediately. The cooldown clock starts
// at admission, not at delivery; a held batch still blocks repeats for
// the full window.
func (e *Engine) AdmitAlert(ctx context.Context, clientINN, terminalKey string, sev alert.Severity, alerts []alert.Alert, shopNumber, posNumber int) error {
	if len(alerts) == 0 {
		return nil
	}
	now := e.now()

	targets, err := e.st.ActiveSubscriptionTargets(ctx, clientINN, now)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range targets {
		if !t.Accepts(sev) {
			continue
		}
		if err := e.admitFor(ctx, t.SubscriptionID, terminalKey, sev, alerts, shopNumber, posNumber, now); err != nil {
			e.log.Error("admission failed",
				logx.Int64("subscription_id", t.SubscriptionID),
				logx.String("terminal", terminalKey), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) admitFor(ctx context.Context, subID int64, terminalKey string, sev alert.Severity, alerts []alert.Alert, shopNumber, posNumber int, now time.Time) error {
	cd, err := e.st.CooldownFor(ctx, subID, terminalKey)
	if err != nil {
		return err
	}
	if cd != nil && cd.LastSeverity == sev && now.Sub(cd.LastNotifiedAt) < e.window() {
		e.log.Debug("suppressed by cooldown",
			logx.Int64("subscription_id", subID),
			logx.String("terminal", terminalKey),
			logx.String("severity", string(sev)),
			logx.Time("last_notified_at", cd.LastNotifiedAt))
		return nil
	}

	entry := store.QueueEntry{
		SubscriptionID: subID,
		TerminalKey:    terminalKey,
		Severity:       sev,
		EventType:      alerts[0].Type,
		AlertSummary:   summarize(alerts),
		ShopNumber:     shopNumber,
		POSNumber:      posNumber,
		CreatedAt:      now,
	}
	if err := e.st.EnqueueNotification(ctx, entry); err != nil {
		return err
	}
	return e.st.UpsertCooldown(ctx, subID, terminalKey, sev, now)
}

// summarize folds the first few alerts into the queue entry's one-line
// summary.
func summarize(alerts []alert.Alert) string {
	n := len(alerts)
	if n > summaryAlertMax {
		n = summaryAlertMax
	}
	parts := make([]string, 0, n)
	for _, a := range alerts[:n] {
		parts = append(parts, a.Summary())
	}
	return strings.Join(parts, "; ")
}
