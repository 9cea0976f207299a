package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/pkg/utility"
)

type EventType uint8

const (
	SignalGeneratedEvent EventType = iota
	SignalRejectedEvent
	SignalExecutionFailedEvent
	PositionOpenedEvent
	PositionClosedEvent
	RiskHaltEvent
)

func (t EventType) String() string {
	switch t {
	case SignalGeneratedEvent:
		return "signal-generated"
	case SignalRejectedEvent:
		return "signal-rejected"
	case SignalExecutionFailedEvent:
		return "signal-execution-failed"
	case PositionOpenedEvent:
		return "position-opened"
	case PositionClosedEvent:
		return "position-closed"
	case RiskHaltEvent:
		return "risk-halt"
	default:
		return "unknown"
	}
}

type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Payload is implemented by the closed set of event payload types. Each
// payload reports the event type it belongs to, so subscribers receive a
// concrete type without inspecting the event at runtime.
type Payload interface {
	Kind() EventType
}

// Event is immutable after publish. Publishers create it, the bus hands it to
// every subscriber of its type and never mutates it.
type Event struct {
	ID        uuid.UUID
	Type      EventType
	Priority  Priority
	Source    string
	TraceID   utility.TraceID
	TimeStamp time.Time
	Payload   Payload
}

// NewEvent derives the event type from the payload so the two can never
// disagree.
func NewEvent(source string, priority Priority, payload Payload) Event {
	return Event{
		ID:        uuid.Must(uuid.NewV7()),
		Type:      payload.Kind(),
		Priority:  priority,
		Source:    source,
		TraceID:   utility.CreateTraceID(),
		TimeStamp: time.Now().UTC(),
		Payload:   payload,
	}
}
