// Package bus publishes orchestrator lifecycle events. Events are
// fire-and-forget: a publish failure is logged but never fails the operation
// that produced the event.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topics emitted by the orchestrator.
const (
	TopicTaskClaimed   = "qa.task.claimed"
	TopicTaskBatched   = "qa.task.batched"
	TopicTaskRouted    = "qa.task.routed"
	TopicTaskDone      = "qa.task.done"
	TopicTaskFailed    = "qa.task.failed"
	TopicTaskRequeued  = "qa.task.requeued"
	TopicWorkerStarted = "qa.monitor.worker-started"
	TopicWorkerExited  = "qa.monitor.worker-exited"
	TopicWorkerStalled = "qa.monitor.worker-stalled"
	TopicInvariant     = "qa.monitor.invariant_violation"
	TopicEscOpened     = "qa.escalation.opened"
	TopicEscAssigned   = "qa.escalation.assigned"
	TopicEscResolved   = "qa.escalation.resolved"
)

// Event is one published record. CorrelationID threads a task through every
// event it produces, from claim to completion.
type Event struct {
	EventID       string         `json:"event_id"`
	Timestamp     string         `json:"ts"`
	Topic         string         `json:"topic"`
	CorrelationID string         `json:"correlation_id"`
	Body          map[string]any `json:"body,omitempty"`
}

// New builds an event with a fresh id and the current timestamp.
func New(topic, correlationID string, body map[string]any) Event {
	return Event{
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Topic:         topic,
		CorrelationID: correlationID,
		Body:          body,
	}
}

// Publisher is the sink side of the bus.
type Publisher interface {
	Publish(event Event) error
}

// Encode renders the event as a single NDJSON line (newline included).
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
