package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fiscalbot/internal/alert"
)

// EnqueueNotification appends an admitted alert to the durable queue.
func (s *Store) EnqueueNotification(ctx context.Context, e QueueEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_queue
		   (subscription_id, terminal_key, severity, event_type, alert_summary,
		    shop_number, pos_number, created_at, processed)
		 VALUES(?,?,?,?,?,?,?,?,0)`,
		e.SubscriptionID, e.TerminalKey, e.Severity, e.EventType, e.AlertSummary,
		e.ShopNumber, e.POSNumber, ms(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// UnprocessedGroups fetches all unprocessed queue entries grouped by
// subscription, in insertion order within each group.
func (s *Store) UnprocessedGroups(ctx context.Context) ([]QueueGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, terminal_key, severity, event_type, alert_summary,
		        shop_number, pos_number, created_at, processed
		 FROM notification_queue
		 WHERE processed = 0
		 ORDER BY subscription_id ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("unprocessed groups: %w", err)
	}
	defer rows.Close()

	var groups []QueueGroup
	for rows.Next() {
		var e QueueEntry
		var created int64
		var processed int
		var sev string
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.TerminalKey, &sev, &e.EventType,
			&e.AlertSummary, &e.ShopNumber, &e.POSNumber, &created, &processed); err != nil {
			return nil, err
		}
		e.Severity = alert.Severity(sev)
		e.CreatedAt = fromMS(created)
		e.Processed = processed != 0

		if n := len(groups); n == 0 || groups[n-1].SubscriptionID != e.SubscriptionID {
			groups = append(groups, QueueGroup{SubscriptionID: e.SubscriptionID})
		}
		groups[len(groups)-1].Entries = append(groups[len(groups)-1].Entries, e)
	}
	return groups, rows.Err()
}

// MarkProcessed flips a subscription's queue entries up to maxID to
// processed after a confirmed send. Entries enqueued during the send keep
// higher ids and stay queued. Housekeeping purges processed rows later.
func (s *Store) MarkProcessed(ctx context.Context, subscriptionID, maxID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_queue SET processed = 1
		 WHERE subscription_id = ? AND processed = 0 AND id <= ?`,
		subscriptionID, maxID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// PendingCount returns the number of unprocessed entries for a
// subscription. Used by the bot's /status command.
func (s *Store) PendingCount(ctx context.Context, subscriptionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_queue WHERE subscription_id = ? AND processed = 0`,
		subscriptionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// CooldownFor returns the cooldown row for (subscription, terminal), or
// nil when none exists.
func (s *Store) CooldownFor(ctx context.Context, subscriptionID int64, terminalKey string) (*Cooldown, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subscription_id, terminal_key, last_severity, last_notified_at
		 FROM cooldowns WHERE subscription_id = ? AND terminal_key = ?`,
		subscriptionID, terminalKey)
	var c Cooldown
	var sev string
	var notified int64
	err := row.Scan(&c.SubscriptionID, &c.TerminalKey, &sev, &notified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cooldown: %w", err)
	}
	c.LastSeverity = alert.Severity(sev)
	c.LastNotifiedAt = fromMS(notified)
	return &c, nil
}

// UpsertCooldown refreshes the suppression window for (subscription,
// terminal). The primary key makes concurrent admissions converge on the
// latest write.
func (s *Store) UpsertCooldown(ctx context.Context, subscriptionID int64, terminalKey string, sev alert.Severity, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldowns(subscription_id, terminal_key, last_severity, last_notified_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(subscription_id, terminal_key) DO UPDATE SET
		   last_severity = excluded.last_severity,
		   last_notified_at = excluded.last_notified_at`,
		subscriptionID, terminalKey, sev, ms(at))
	if err != nil {
		return fmt.Errorf("upsert cooldown: %w", err)
	}
	return nil
}
