package store

import (
	"context"
	"fmt"
	"time"
)

// Housekeeping deletes. Each returns the number of rows removed; the
// callers treat every category independently.

// PurgeConnectCodes removes codes whose expiry (plus grace) has passed,
// used or not.
func (s *Store) PurgeConnectCodes(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connect_codes WHERE expires_at < ?`, ms(now.Add(-grace)))
	if err != nil {
		return 0, fmt.Errorf("purge connect codes: %w", err)
	}
	return res.RowsAffected()
}

// PurgeHistory removes delivery audit rows older than the retention
// window.
func (s *Store) PurgeHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_history WHERE sent_at < ?`, ms(before))
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return res.RowsAffected()
}

// PurgeQueue removes processed entries past the short retention window,
// plus entries stranded by subscriptions that are no longer active.
func (s *Store) PurgeQueue(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_queue
		 WHERE created_at < ?
		   AND (processed = 1
		        OR subscription_id NOT IN (SELECT id FROM subscriptions WHERE status = ?))`,
		ms(before), SubscriptionActive)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	return res.RowsAffected()
}

// PurgeCooldowns removes cooldown rows past the retention window. A
// purged row simply means the next alert for that terminal is admitted.
func (s *Store) PurgeCooldowns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cooldowns WHERE last_notified_at < ?`, ms(before))
	if err != nil {
		return 0, fmt.Errorf("purge cooldowns: %w", err)
	}
	return res.RowsAffected()
}
