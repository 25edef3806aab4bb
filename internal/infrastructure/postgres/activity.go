package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/radportal/internal/domain/report"
)

// ActivityLog stores consumed report and chat events.
type ActivityLog struct {
	pool *pgxpool.Pool
}

// NewActivityLog creates an activity log.
func NewActivityLog(pool *pgxpool.Pool) *ActivityLog {
	return &ActivityLog{pool: pool}
}

// Record inserts the event. Replays of an already recorded event are no-ops;
// the returned bool reports whether a row was written.
func (a *ActivityLog) Record(ctx context.Context, event *report.Event) (bool, error) {
	if _, err := uuid.Parse(event.ID); err != nil {
		return false, fmt.Errorf("event id %q: %w", event.ID, err)
	}
	tag, err := a.pool.Exec(ctx, `
		INSERT INTO report_activity (event_id, report_id, event_type, actor, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		event.ID, event.AggregateID, string(event.EventType), event.Actor, []byte(event.EventData), event.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("record activity: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ForReport returns a report's activity in occurrence order.
func (a *ActivityLog) ForReport(ctx context.Context, reportID string) ([]report.Activity, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT event_id, report_id, event_type, actor, payload, occurred_at, recorded_at
		FROM report_activity
		WHERE report_id = $1
		ORDER BY occurred_at ASC, recorded_at ASC`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	out := []report.Activity{}
	for rows.Next() {
		var (
			act report.Activity
			id  uuid.UUID
		)
		if err := rows.Scan(&id, &act.ReportID, &act.EventType, &act.Actor, &act.Payload, &act.OccurredAt, &act.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		act.EventID = id.String()
		out = append(out, act)
	}
	return out, rows.Err()
}
