// Package event defines the saga EventEnvelope wire shape and the
// Emitter interface used to publish it, built on top of
// pkg/sagaflow/event's generic pub/sub primitives.
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	sfevent "github.com/tracseq/sagaflow/pkg/sagaflow/event"
)

// Saga lifecycle event types.
const (
	TypeSagaStarted            = "SagaStarted"
	TypeStepCompleted          = "StepCompleted"
	TypeStepFailed             = "StepFailed"
	TypeStepCompensated        = "StepCompensated"
	TypeCompensationStarted    = "CompensationStarted"
	TypeCompensationFailed     = "CompensationFailed"
	TypeCompensationCompleted  = "CompensationCompleted"
	TypeSagaCompleted          = "SagaCompleted"
)

// AggregateTypeSaga is the fixed aggregate-type for every saga event.
const AggregateTypeSaga = "Saga"

// DefaultTopic is the single global topic events are published to
// unless an Emitter implementation shards per saga-type.
const DefaultTopic = "SagaEvents"

// EnvelopeMetadata carries correlation/causation and routing
// information alongside the payload.
type EnvelopeMetadata struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	SourceService string `json:"source_service"`
}

// EventEnvelope is the stable wire shape emitted on every saga state
// transition.
type EventEnvelope struct {
	EventID       string           `json:"event_id"`
	EventType     string           `json:"event_type"`
	AggregateID   string           `json:"aggregate_id"`
	AggregateType string           `json:"aggregate_type"`
	EventVersion  int64            `json:"event_version"`
	Payload       any              `json:"payload"`
	Metadata      EnvelopeMetadata `json:"metadata"`
	Timestamp     time.Time        `json:"timestamp"`
}

// NewEnvelope builds an EventEnvelope for a saga transition. version
// must equal the 1-based index of the transition that produced it;
// callers are responsible for the strictly-increasing invariant.
func NewEnvelope(sagaID, eventType string, version int64, payload any, meta EnvelopeMetadata) EventEnvelope {
	return EventEnvelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateID:   sagaID,
		AggregateType: AggregateTypeSaga,
		EventVersion:  version,
		Payload:       payload,
		Metadata:      meta,
		Timestamp:     time.Now(),
	}
}

// Payload schemas per event-type, matching the spec's wire contract.
type SagaStartedPayload struct {
	SagaType      string `json:"saga_type"`
	CorrelationID string `json:"correlation_id"`
}

type StepCompletedPayload struct {
	StepName string         `json:"step_name"`
	Result   map[string]any `json:"result"`
}

type StepFailedPayload struct {
	StepName string `json:"step_name"`
	Error    string `json:"error"`
}

type StepCompensatedPayload struct {
	StepName string `json:"step_name"`
}

// Emitter publishes EventEnvelopes to a logical topic. Emission is
// at-least-once: consumers MUST tolerate duplicates keyed by EventID.
type Emitter interface {
	Publish(ctx context.Context, topic string, env EventEnvelope) error
}

// BusEmitter adapts a pkg/sagaflow/event.Bus into an Emitter, wrapping
// each EventEnvelope as an untyped sagaflow event so existing
// subscribers, the DLQ, and the router can all be reused unmodified.
type BusEmitter struct {
	bus    sfevent.Bus
	source string
}

// NewBusEmitter returns an Emitter backed by bus. source identifies
// this process in the emitted event's Source field (e.g. "saga-coordinator").
func NewBusEmitter(bus sfevent.Bus, source string) *BusEmitter {
	return &BusEmitter{bus: bus, source: source}
}

// Publish wraps env as a sagaflow event and publishes it on the bus.
// The event's tenant is taken from env.Metadata.TenantID; topic is not
// attached to the event and appears only in the returned error text.
// This emitter publishes every envelope on the one bus rather than
// sharding per saga-type.
func (e *BusEmitter) Publish(ctx context.Context, topic string, env EventEnvelope) error {
	opts := []sfevent.EventOption{
		sfevent.WithEventID(env.EventID),
		sfevent.WithCorrelationID(env.Metadata.CorrelationID),
		sfevent.WithTimestamp(env.Timestamp),
	}
	if env.Metadata.CausationID != "" {
		opts = append(opts, sfevent.WithCausationID(env.Metadata.CausationID))
	}
	evt := sfevent.NewAny(env.EventType, e.source, env.Metadata.TenantID, env, opts...)
	if err := e.bus.Publish(ctx, evt); err != nil {
		return fmt.Errorf("bus emitter: publish %s on %s: %w", env.EventType, topic, err)
	}
	return nil
}
