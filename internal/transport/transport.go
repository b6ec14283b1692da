// Package transport defines the channel-neutral contract for outbound
// message delivery and the classified failure modes the delivery queue
// reacts to.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Channel is a rate-limited, fallible messaging sink (Telegram today).
//
// SendMessage returns the external message id on success. Failures are
// classified through the error types below; anything else is treated as a
// generic, non-retryable failure by the delivery queue.
type Channel interface {
	SendMessage(ctx context.Context, chatID int64, text string) (string, error)
}

// RateLimitedError signals the channel asked us to back off. RetryAfter
// may be zero when the channel did not specify a duration.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// DestinationInvalidError signals the destination can never be delivered
// to again (bot blocked, chat deleted, user deactivated). Connections on
// that destination must be deactivated.
type DestinationInvalidError struct {
	ChatID int64
	Reason string
}

func (e *DestinationInvalidError) Error() string {
	return fmt.Sprintf("destination %d invalid: %s", e.ChatID, e.Reason)
}
