package report

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Streams the report domain publishes through the outbox.
const (
	TopicReportEvents = "report.events"
	TopicChatEvents   = "chat.events"
)

// EventType represents the type of domain event
type EventType string

const (
	EventReportCreated   EventType = "ReportCreated"
	EventReportUpdated   EventType = "ReportUpdated"
	EventReportFinalized EventType = "ReportFinalized"
	EventChatAsked       EventType = "ChatAsked"
)

// Topic returns the stream an event type belongs to.
func (t EventType) Topic() string {
	if t == EventChatAsked {
		return TopicChatEvents
	}
	return TopicReportEvents
}

// Activity is one recorded event in a report's activity log.
type Activity struct {
	EventID    string          `json:"event_id"`
	ReportID   string          `json:"report_id"`
	EventType  string          `json:"event_type"`
	Actor      string          `json:"actor,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Event represents a domain event. Events never carry the patient token.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Actor         string          `json:"actor,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, actor string, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Report",
		EventType:     eventType,
		EventData:     eventData,
		Actor:         actor,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// LifecycleData is the payload of report lifecycle events
type LifecycleData struct {
	ReportID        string    `json:"report_id"`
	PatientID       string    `json:"patient_id"`
	Status          Status    `json:"status"`
	AIStatus        AIStatus  `json:"ai_status,omitempty"`
	NarrativeLength int       `json:"narrative_length"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ChatAskedData is the payload of chat log entries
type ChatAskedData struct {
	ReportID string    `json:"report_id"`
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	Fallback bool      `json:"fallback"`
	AskedAt  time.Time `json:"asked_at"`
}

// LifecycleEvent builds the event recorded alongside a report mutation.
func LifecycleEvent(eventType EventType, r *Report, actor string) (*Event, error) {
	return NewEvent(r.ID, eventType, actor, &LifecycleData{
		ReportID:        r.ID,
		PatientID:       r.PatientID,
		Status:          r.Status,
		AIStatus:        r.AIStatus,
		NarrativeLength: len(r.FinalReport),
		UpdatedAt:       r.UpdatedAt,
	})
}

// MutationEvent returns the lifecycle event type for an update.
func MutationEvent(finalize bool) EventType {
	if finalize {
		return EventReportFinalized
	}
	return EventReportUpdated
}
