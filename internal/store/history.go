package store

import (
	"context"
	"fmt"
	"time"
)

// RecordHistory appends a write-once audit record of one delivery
// attempt.
func (s *Store) RecordHistory(ctx context.Context, e HistoryEntry) error {
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_history
		   (connection_id, subscription_id, message, alert_count, delivered,
		    external_message_id, error_text, sent_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ConnectionID, e.SubscriptionID, e.Message, e.AlertCount,
		boolInt(e.Delivered), e.ExternalMessageID, e.ErrorText, ms(e.SentAt))
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// HistoryForSubscription returns the most recent delivery attempts,
// newest first.
func (s *Store) HistoryForSubscription(ctx context.Context, subscriptionID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, connection_id, subscription_id, message, alert_count, delivered,
		        external_message_id, error_text, sent_at
		 FROM notification_history
		 WHERE subscription_id = ?
		 ORDER BY sent_at DESC, id DESC LIMIT ?`,
		subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var delivered int
		var sent int64
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.SubscriptionID, &e.Message,
			&e.AlertCount, &delivered, &e.ExternalMessageID, &e.ErrorText, &sent); err != nil {
			return nil, err
		}
		e.Delivered = delivered != 0
		e.SentAt = fromMS(sent)
		out = append(out, e)
	}
	return out, rows.Err()
}
