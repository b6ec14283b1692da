package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCodeInvalid covers unknown, expired and already-used codes alike
	// so the bot reply does not leak which it was.
	ErrCodeInvalid = errors.New("connect code invalid")
)

// Excludes ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 8

// CreateConnectCode generates a single-use code binding a future chat to
// the subscription. Generation retries on the (unlikely) unique-key
// collision.
func (s *Store) CreateConnectCode(ctx context.Context, subscriptionID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	for attempt := 0; attempt < 5; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO connect_codes(code, subscription_id, expires_at, created_at)
			 VALUES(?,?,?,?)`,
			code, subscriptionID, ms(now.Add(ttl)), ms(now))
		if err == nil {
			return code, nil
		}
		if !isUniqueViolation(err) {
			return "", fmt.Errorf("create connect code: %w", err)
		}
	}
	return "", errors.New("create connect code: exhausted retries")
}

// ConsumeConnectCode atomically claims an unused, unexpired code and
// returns the subscription it binds to. Returns ErrCodeInvalid otherwise.
func (s *Store) ConsumeConnectCode(ctx context.Context, code string, now time.Time) (*ConnectCode, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrCodeInvalid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT code, subscription_id, expires_at, used, used_at, created_at
		 FROM connect_codes WHERE code = ?`, code)
	var cc ConnectCode
	var expires, created int64
	var used int
	var usedAt sql.NullInt64
	err = row.Scan(&cc.Code, &cc.SubscriptionID, &expires, &used, &usedAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("consume connect code: %w", err)
	}
	cc.ExpiresAt = fromMS(expires)
	cc.CreatedAt = fromMS(created)
	if used != 0 || !cc.ExpiresAt.After(now) {
		return nil, ErrCodeInvalid
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE connect_codes SET used = 1, used_at = ? WHERE code = ? AND used = 0`,
		ms(now), code)
	if err != nil {
		return nil, fmt.Errorf("consume connect code: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrCodeInvalid
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	cc.Used = true
	cc.UsedAt = &now
	return &cc, nil
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random code: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
