// Package domain holds the shared vocabulary of the budgeting bot:
// chat lifecycle states, schedulable event kinds, and the schedule
// entry DTO a configuration dialogue fills in step by step.
package domain

// State is the lifecycle state of a chat.
type State string

const (
	// StateInitial: engaged but not yet configured; money operations are refused.
	StateInitial State = "INITIAL"
	// StateConfigured: at least one replenishment schedule committed.
	StateConfigured State = "CONFIGURED"
	// StateTerminated: terminal. A terminated chat is never revived.
	StateTerminated State = "TERMINATED"
)

func (s State) Valid() bool {
	switch s {
	case StateInitial, StateConfigured, StateTerminated:
		return true
	}
	return false
}

// Task identifiers consumed by the periodic-task runner. The schedule
// store records these names; the tasks registry resolves them back to
// handlers.
const (
	TaskRefillBalance = "tasks.refill_balance"
	TaskAnnulBalance  = "tasks.annul_balance"
	TaskSendReminder  = "tasks.send_reminder"
	TaskTerminateIdle = "tasks.terminate_idle"
)

// EventType is the kind of scheduled event a user can configure.
// Every kind carries the task identifier the periodic-task runner
// should execute for it.
type EventType string

const (
	EventReplenishment EventType = "REPLENISHMENT"
	EventAnnulment     EventType = "ANNULMENT"
	EventReminder      EventType = "REMINDER"
)

func (t EventType) Valid() bool {
	switch t {
	case EventReplenishment, EventAnnulment, EventReminder:
		return true
	}
	return false
}

// TaskName returns the periodic-task identifier for this event kind.
func (t EventType) TaskName() string {
	switch t {
	case EventReplenishment:
		return TaskRefillBalance
	case EventAnnulment:
		return TaskAnnulBalance
	case EventReminder:
		return TaskSendReminder
	}
	return ""
}

// RequiresChatID reports whether the event's task operates on a single
// chat (and therefore needs the chat id as its task argument). All
// current kinds do; kinds with a global sweep would not.
func (t EventType) RequiresChatID() bool {
	switch t {
	case EventReplenishment, EventAnnulment, EventReminder:
		return true
	}
	return false
}

// ParseEventType maps a dialogue token to an event kind.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "event_type", Reason: "unknown event type " + s}
	}
	return t, nil
}

// Event is the envelope describing one committed scheduled event: its
// kind, the owning chat, and the ids of the schedule objects written to
// the schedule store. Kind-specific payloads (reminder silencing,
// annulment conditions) attach here once they grow behavior.
type Event struct {
	Type       EventType
	ChatID     int64
	ScheduleID int64
	TaskID     int64
}
