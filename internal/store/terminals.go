package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertTerminalState records the last-known snapshot for a terminal.
func (s *Store) UpsertTerminalState(ctx context.Context, t TerminalState) error {
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO terminal_states
		   (terminal_key, client_inn, shop_number, pos_number, severity, alert_count, received_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(terminal_key) DO UPDATE SET
		   client_inn = excluded.client_inn,
		   shop_number = excluded.shop_number,
		   pos_number = excluded.pos_number,
		   severity = excluded.severity,
		   alert_count = excluded.alert_count,
		   received_at = excluded.received_at`,
		t.TerminalKey, t.ClientINN, t.ShopNumber, t.POSNumber, t.Severity, t.AlertCount, ms(t.ReceivedAt))
	if err != nil {
		return fmt.Errorf("upsert terminal state: %w", err)
	}
	return nil
}
