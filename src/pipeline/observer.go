package pipeline

// EventKind labels a pipeline lifecycle event.
type EventKind string

const (
	EventPipelineStarted  EventKind = "pipeline_started"
	EventStepStarted      EventKind = "step_started"
	EventStepFinished     EventKind = "step_finished"
	EventPipelineFinished EventKind = "pipeline_finished"
)

// Event is one pipeline lifecycle notification.
type Event struct {
	Kind       EventKind
	PipelineID string
	State      State      // set on pipeline events
	Step       string     // set on step events
	Status     StepStatus // set on step_finished
	Err        error      // set when the step or pipeline failed
}

// Observer receives lifecycle events. Observers are registered as an
// ordered list and invoked synchronously, one event at a time; there is
// no hidden global dispatch. Implementations needing async behavior may
// hand events to channels internally.
type Observer interface {
	OnPipelineEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnPipelineEvent(e Event) { f(e) }
