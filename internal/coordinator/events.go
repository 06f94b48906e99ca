package coordinator

import (
	"sync/atomic"
	"time"
)

// EventType classifies coordinator state-change events.
type EventType string

const (
	// EventExecutionQueued indicates an execution was created.
	EventExecutionQueued EventType = "execution_queued"
	// EventExecutionStarted indicates an execution entered running.
	EventExecutionStarted EventType = "execution_started"
	// EventExecutionCompleted indicates an execution succeeded.
	EventExecutionCompleted EventType = "execution_completed"
	// EventExecutionFailed indicates an execution failed.
	EventExecutionFailed EventType = "execution_failed"
	// EventExecutionCancelled indicates an execution was cancelled.
	EventExecutionCancelled EventType = "execution_cancelled"
	// EventExecutionTimeout indicates an execution attempt timed out.
	EventExecutionTimeout EventType = "execution_timeout"
	// EventExecutionRetrying indicates a timed-out execution is retrying.
	EventExecutionRetrying EventType = "execution_retrying"
	// EventAgentRegistered indicates an agent joined the pool.
	EventAgentRegistered EventType = "agent_registered"
	// EventAgentUnregistered indicates an agent left the pool.
	EventAgentUnregistered EventType = "agent_unregistered"
	// EventAgentOffline indicates an agent stopped heartbeating.
	EventAgentOffline EventType = "agent_offline"
)

// Event is a coordinator state-change notification.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the id of the related task, if applicable.
	TaskID string
	// ExecutionID is the id of the related execution, if applicable.
	ExecutionID string
	// AgentID is the id of the related agent, if applicable.
	AgentID string
	// Message provides additional context.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// EventEmitter provides thread-safe event emission to subscribers.
// When the buffer is full, emission retries briefly and then drops the
// event, counting drops instead of blocking the coordinator.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
	}

	// Give the receiver 100ms to drain before dropping.
	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		e.droppedCount.Add(1)
	}
}

// DroppedCount returns the total number of dropped events.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events for subscribers.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Call only after the coordinator has
// stopped emitting.
func (e *EventEmitter) Close() {
	close(e.events)
}
