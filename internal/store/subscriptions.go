package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSubscription inserts an active subscription for a client. The
// partial unique index rejects a second active subscription per INN.
func (s *Store) CreateSubscription(ctx context.Context, clientINN string, expiresAt time.Time) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(client_inn, status, expires_at, created_at) VALUES(?,?,?,?)`,
		clientINN, SubscriptionActive, ms(expiresAt), ms(now))
	if err != nil {
		return 0, fmt.Errorf("create subscription: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) SubscriptionByID(ctx context.Context, id int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_inn, status, expires_at, expiry_warned_at, created_at
		 FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

// ActiveSubscriptionTargets returns every active, unexpired subscription
// for the given client that has at least one active connection, together
// with its severity filter. The severity match itself is applied by the
// caller via SubscriptionTarget.Accepts.
func (s *Store) ActiveSubscriptionTargets(ctx context.Context, clientINN string, now time.Time) ([]SubscriptionTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, COALESCE(p.severities, '')
		 FROM subscriptions s
		 LEFT JOIN preferences p ON p.subscription_id = s.id
		 WHERE s.client_inn = ? AND s.status = ? AND s.expires_at > ?
		   AND EXISTS (SELECT 1 FROM connections c
		               WHERE c.subscription_id = s.id AND c.status = ?)`,
		clientINN, SubscriptionActive, ms(now), ConnectionActive)
	if err != nil {
		return nil, fmt.Errorf("active subscription targets: %w", err)
	}
	defer rows.Close()

	var out []SubscriptionTarget
	for rows.Next() {
		var t SubscriptionTarget
		var rawSevs string
		if err := rows.Scan(&t.SubscriptionID, &rawSevs); err != nil {
			return nil, err
		}
		t.Severities = splitSeverities(rawSevs)
		if len(t.Severities) == 0 {
			t.Severities = DefaultSeverities()
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CancelSubscription flips an active subscription to cancelled.
func (s *Store) CancelSubscription(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ? WHERE id = ? AND status = ?`,
		SubscriptionCancelled, id, SubscriptionActive)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

// ExpireDueSubscriptions flips every active subscription whose paid
// period has passed and returns the flipped rows so the caller can fire
// one-time expiry notices.
func (s *Store) ExpireDueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, client_inn, status, expires_at, expiry_warned_at, created_at
		 FROM subscriptions WHERE status = ? AND expires_at <= ?`,
		SubscriptionActive, ms(now))
	if err != nil {
		return nil, fmt.Errorf("expire subscriptions: %w", err)
	}
	var due []Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRows(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, *sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET status = ? WHERE status = ? AND expires_at <= ?`,
		SubscriptionExpired, SubscriptionActive, ms(now)); err != nil {
		return nil, fmt.Errorf("expire subscriptions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range due {
		due[i].Status = SubscriptionExpired
	}
	return due, nil
}

// SubscriptionsExpiringWithin returns active subscriptions whose expiry
// falls inside (now, now+window] and that have not been warned yet.
func (s *Store) SubscriptionsExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_inn, status, expires_at, expiry_warned_at, created_at
		 FROM subscriptions
		 WHERE status = ? AND expiry_warned_at IS NULL
		   AND expires_at > ? AND expires_at <= ?`,
		SubscriptionActive, ms(now), ms(now.Add(window)))
	if err != nil {
		return nil, fmt.Errorf("expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *Store) MarkExpiryWarned(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET expiry_warned_at = ? WHERE id = ?`, ms(at), id)
	if err != nil {
		return fmt.Errorf("mark expiry warned: %w", err)
	}
	return nil
}

// SetPreferences upserts the per-subscription notification settings.
func (s *Store) SetPreferences(ctx context.Context, p Preferences) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(subscription_id, severities, notify_on_recovery, notify_on_stale, notify_on_return)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(subscription_id) DO UPDATE SET
		   severities = excluded.severities,
		   notify_on_recovery = excluded.notify_on_recovery,
		   notify_on_stale = excluded.notify_on_stale,
		   notify_on_return = excluded.notify_on_return`,
		p.SubscriptionID, joinSeverities(p.Severities),
		boolInt(p.NotifyOnRecovery), boolInt(p.NotifyOnStale), boolInt(p.NotifyOnReturn))
	if err != nil {
		return fmt.Errorf("set preferences: %w", err)
	}
	return nil
}

// PreferencesFor returns the subscription's settings, with defaults when
// no row exists.
func (s *Store) PreferencesFor(ctx context.Context, subscriptionID int64) (Preferences, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT severities, notify_on_recovery, notify_on_stale, notify_on_return
		 FROM preferences WHERE subscription_id = ?`, subscriptionID)
	p := Preferences{SubscriptionID: subscriptionID}
	var rawSevs string
	var rec, stale, ret int
	err := row.Scan(&rawSevs, &rec, &stale, &ret)
	if errors.Is(err, sql.ErrNoRows) {
		p.Severities = DefaultSeverities()
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("preferences: %w", err)
	}
	p.Severities = splitSeverities(rawSevs)
	if len(p.Severities) == 0 {
		p.Severities = DefaultSeverities()
	}
	p.NotifyOnRecovery = rec != 0
	p.NotifyOnStale = stale != 0
	p.NotifyOnReturn = ret != 0
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row *sql.Row) (*Subscription, error) {
	return scanSubscriptionFrom(row)
}

func scanSubscriptionRows(rows *sql.Rows) (*Subscription, error) {
	return scanSubscriptionFrom(rows)
}

func scanSubscriptionFrom(r rowScanner) (*Subscription, error) {
	var sub Subscription
	var expires, created int64
	var warned sql.NullInt64
	if err := r.Scan(&sub.ID, &sub.ClientINN, &sub.Status, &expires, &warned, &created); err != nil {
		return nil, err
	}
	sub.ExpiresAt = fromMS(expires)
	sub.ExpiryWarnedAt = fromMSPtr(warned)
	sub.CreatedAt = fromMS(created)
	return &sub, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
