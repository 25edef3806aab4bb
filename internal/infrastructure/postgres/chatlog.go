package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/radportal/internal/domain/report"
)

// ChatLog appends chat exchanges to the outbox. Entries are relayed to the
// chat stream and never read back by the portal.
type ChatLog struct {
	pool *pgxpool.Pool
}

// NewChatLog creates a chat log writing to the outbox.
func NewChatLog(pool *pgxpool.Pool) *ChatLog {
	return &ChatLog{pool: pool}
}

var _ report.ChatLog = (*ChatLog)(nil)

// Append implements report.ChatLog.
func (c *ChatLog) Append(ctx context.Context, event *report.Event) error {
	if event.EventType != report.EventChatAsked {
		return fmt.Errorf("chat log: unexpected event type %q", event.EventType)
	}
	return WriteEvent(ctx, c.pool, event)
}
