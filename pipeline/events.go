// ABOUTME: Controller lifecycle events delivered to observers such as the progress log, metrics and TUI.
// ABOUTME: Events are emitted only after the transition they describe has been durably written.
package pipeline

import "time"

// EventType names a controller lifecycle event.
type EventType string

const (
	EventRunStarted       EventType = "run.started"
	EventRunResumed       EventType = "run.resumed"
	EventRunPaused        EventType = "run.paused"
	EventRunCompleted     EventType = "run.completed"
	EventRunFailed        EventType = "run.failed"
	EventPauseRequested   EventType = "run.pause_requested"
	EventStageStarted     EventType = "stage.started"
	EventStageCompleted   EventType = "stage.completed"
	EventStageFailed      EventType = "stage.failed"
	EventStageProgress    EventType = "stage.progress"
	EventInstructionAdded EventType = "instruction.added"
	EventQuestionAnswered EventType = "question.answered"
	EventPersistRetry     EventType = "persist.retry"
	EventPersistFailed    EventType = "persist.failed"
)

// Event is one observable controller transition.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	Stage     StageName      `json:"stage,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler receives controller events. Handlers must not block for long;
// they run on the run's goroutine.
type EventHandler func(Event)

// MultiHandler fans an event out to every non-nil handler in order.
func MultiHandler(handlers ...EventHandler) EventHandler {
	return func(evt Event) {
		for _, h := range handlers {
			if h != nil {
				h(evt)
			}
		}
	}
}
