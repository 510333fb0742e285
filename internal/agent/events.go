package agent

// EventKind discriminates the lifecycle notifications an Agent emits to
// its CLI/event-emitter observer (§4.6, §9).
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventReconnecting    EventKind = "reconnecting"
	EventReconnected     EventKind = "reconnected"
	EventReconnectFailed EventKind = "reconnect_failed"
	EventRequest         EventKind = "request"
)

// Event is a single lifecycle notification. Fields not relevant to Kind
// are left zero.
type Event struct {
	Kind       EventKind
	PublicURL  string
	Subdomain  string
	Err        error
	Attempt    int
	MaxAttempt int
	Method     string
	Path       string
	StatusCode int
}

// EventSink receives Agent lifecycle events. Implementations must not
// block — the control loop emits synchronously from its hot path.
type EventSink interface {
	Emit(Event)
}

// noopEventSink discards every event; New installs it when given a nil
// sink.
type noopEventSink struct{}

func (noopEventSink) Emit(Event) {}
