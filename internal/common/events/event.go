// Package events defines the domain event envelope published after commits.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker. Events are post-commit
// notifications only; nothing in the payment flow depends on their delivery.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventSessionCreated    = "payment.session.created"
	EventSessionSettled    = "payment.session.settled"
	EventSessionFailed     = "payment.session.failed"
	EventParticipantJoined = "camp.participant.joined"
	EventCampCreated       = "camp.created"
)

// SessionCreatedData is the data for payment.session.created events
type SessionCreatedData struct {
	SessionID          string `json:"session_id"`
	UserID             string `json:"user_id"`
	CampID             string `json:"camp_id"`
	Cents              int64  `json:"cents"`
	Currency           string `json:"currency"`
	InitialInstallment bool   `json:"initial_installment"`
}

// SessionSettledData is the data for payment.session.settled events
type SessionSettledData struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	CampID        string    `json:"camp_id"`
	Cents         int64     `json:"cents"`
	PaidCents     int64     `json:"paid_cents"`
	CostCents     int64     `json:"cost_cents"`
	SettledAt     time.Time `json:"settled_at"`
	PaymentIntent string    `json:"payment_intent,omitempty"`
}

// SessionFailedData is the data for payment.session.failed events
type SessionFailedData struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	CampID    string `json:"camp_id"`
	Cents     int64  `json:"cents"`
	Reason    string `json:"reason,omitempty"`
}

// ParticipantJoinedData is the data for camp.participant.joined events
type ParticipantJoinedData struct {
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
	CampID        string `json:"camp_id"`
	CostCents     int64  `json:"cost_cents"`
	Location      string `json:"location,omitempty"`
}
