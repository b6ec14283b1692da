package store

import (
	"strings"
	"time"

	"fiscalbot/internal/alert"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type ConnectionStatus string

const (
	ConnectionActive      ConnectionStatus = "active"
	ConnectionDeactivated ConnectionStatus = "deactivated"
)

type Subscription struct {
	ID             int64
	ClientINN      string
	Status         SubscriptionStatus
	ExpiresAt      time.Time
	ExpiryWarnedAt *time.Time
	CreatedAt      time.Time
}

// Expired reports whether the subscription's paid period has passed,
// regardless of whether housekeeping has flipped the status yet.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Connection is a chat (private or group) bound to a subscription.
// All connections under one subscription share one notification cadence;
// LastNotificationAt is tracked on the primary (earliest) connection.
type Connection struct {
	ID                 int64
	SubscriptionID     int64
	ChatID             int64
	Title              string
	Status             ConnectionStatus
	DeactivatedReason  string
	ConnectedAt        time.Time
	LastNotificationAt *time.Time
}

// Preferences holds per-subscription notification settings.
//
// NotifyOnRecovery/Stale/Return are persisted and surfaced but not yet
// consulted by the admission or dispatch decision; they are reserved for
// a future extension.
type Preferences struct {
	SubscriptionID   int64
	Severities       []alert.Severity
	NotifyOnRecovery bool
	NotifyOnStale    bool
	NotifyOnReturn   bool
}

// DefaultSeverities is the severity filter applied when a subscription
// has no preferences row.
func DefaultSeverities() []alert.Severity {
	return []alert.Severity{alert.SeverityCritical, alert.SeverityDanger, alert.SeverityWarn}
}

// SubscriptionTarget is a subscription matched during alert admission.
type SubscriptionTarget struct {
	SubscriptionID int64
	Severities     []alert.Severity
}

func (t SubscriptionTarget) Accepts(sev alert.Severity) bool {
	for _, s := range t.Severities {
		if s == sev {
			return true
		}
	}
	return false
}

// QueueEntry is an admitted, not-yet-delivered alert record.
type QueueEntry struct {
	ID             int64
	SubscriptionID int64
	TerminalKey    string
	Severity       alert.Severity
	EventType      string
	AlertSummary   string
	ShopNumber     int
	POSNumber      int
	CreatedAt      time.Time
	Processed      bool
}

// QueueGroup is the per-subscription batch a dispatch sweep works on.
type QueueGroup struct {
	SubscriptionID int64
	Entries        []QueueEntry
}

// MaxID returns the highest entry id in the group. Entries enqueued after
// the sweep fetched the group keep ids above it and survive the clear.
func (g QueueGroup) MaxID() int64 {
	var max int64
	for _, e := range g.Entries {
		if e.ID > max {
			max = e.ID
		}
	}
	return max
}

type Cooldown struct {
	SubscriptionID int64
	TerminalKey    string
	LastSeverity   alert.Severity
	LastNotifiedAt time.Time
}

// HistoryEntry is a write-once audit record of one delivery attempt.
type HistoryEntry struct {
	ID                int64
	ConnectionID      int64
	SubscriptionID    int64
	Message           string
	AlertCount        int
	Delivered         bool
	ExternalMessageID string
	ErrorText         string
	SentAt            time.Time
}

// ConnectCode is a short-lived, single-use code binding a chat to a
// subscription.
type ConnectCode struct {
	Code           string
	SubscriptionID int64
	ExpiresAt      time.Time
	Used           bool
	UsedAt         *time.Time
	CreatedAt      time.Time
}

// TerminalState is the last-known snapshot per terminal.
type TerminalState struct {
	TerminalKey string
	ClientINN   string
	ShopNumber  int
	POSNumber   int
	Severity    alert.Severity
	AlertCount  int
	ReceivedAt  time.Time
}

func joinSeverities(sevs []alert.Severity) string {
	parts := make([]string, 0, len(sevs))
	for _, s := range sevs {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ",")
}

func splitSeverities(raw string) []alert.Severity {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []alert.Severity
	for _, p := range strings.Split(raw, ",") {
		if s, err := alert.Parse(p); err == nil {
			out = append(out, s)
		}
	}
	return out
}
