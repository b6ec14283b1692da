package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateConnection binds a chat to a subscription as an active delivery
// destination.
func (s *Store) CreateConnection(ctx context.Context, subscriptionID, chatID int64, title string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(subscription_id, chat_id, title, status, connected_at)
		 VALUES(?,?,?,?,?)`,
		subscriptionID, chatID, title, ConnectionActive, ms(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("create connection: %w", err)
	}
	return res.LastInsertId()
}

// ActiveConnections returns the subscription's active connections ordered
// by connection time. The first one is the primary connection used for
// lastNotificationAt tracking.
func (s *Store) ActiveConnections(ctx context.Context, subscriptionID int64) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, chat_id, title, status, deactivated_reason,
		        connected_at, last_notification_at
		 FROM connections
		 WHERE subscription_id = ? AND status = ?
		 ORDER BY connected_at ASC, id ASC`,
		subscriptionID, ConnectionActive)
	if err != nil {
		return nil, fmt.Errorf("active connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateLastNotification(ctx context.Context, connectionID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_notification_at = ? WHERE id = ?`, ms(at), connectionID)
	if err != nil {
		return fmt.Errorf("update last notification: %w", err)
	}
	return nil
}

// DeactivateConnectionsByChat deactivates every connection bound to the
// given chat. A chat could in theory be connected to several
// subscriptions, so this fans in across all of them.
func (s *Store) DeactivateConnectionsByChat(ctx context.Context, chatID int64, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET status = ?, deactivated_reason = ?
		 WHERE chat_id = ? AND status = ?`,
		ConnectionDeactivated, reason, chatID, ConnectionActive)
	if err != nil {
		return 0, fmt.Errorf("deactivate connections: %w", err)
	}
	return res.RowsAffected()
}

// SubscriptionsForChat returns the ids of subscriptions the chat is
// actively connected to. Used by the bot's /status command.
func (s *Store) SubscriptionsForChat(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT subscription_id FROM connections WHERE chat_id = ? AND status = ?`,
		chatID, ConnectionActive)
	if err != nil {
		return nil, fmt.Errorf("subscriptions for chat: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanConnection(rows *sql.Rows) (Connection, error) {
	var c Connection
	var connected int64
	var lastNotified sql.NullInt64
	err := rows.Scan(&c.ID, &c.SubscriptionID, &c.ChatID, &c.Title, &c.Status,
		&c.DeactivatedReason, &connected, &lastNotified)
	if err != nil {
		return c, err
	}
	c.ConnectedAt = fromMS(connected)
	c.LastNotificationAt = fromMSPtr(lastNotified)
	return c, nil
}
