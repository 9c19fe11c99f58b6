package engine

import (
	"fmt"

	"github.com/citolabs/cito/internal/citation"
)

// EventType discriminates the streaming event union.
type EventType string

const (
	// EventStatus announces a phase transition.
	EventStatus EventType = "status"

	// EventToken carries one fragment of answer text.
	EventToken EventType = "token"

	// EventCitation announces a source the answer just cited. Emitted at
	// most once per marker, on first sight. Citation events are never
	// retracted, even when the terminal result is degraded.
	EventCitation EventType = "citation"

	// EventDone carries the final Result. Terminal.
	EventDone EventType = "done"

	// EventError reports a failure after streaming began. Terminal.
	EventError EventType = "error"
)

// Phase names the pipeline stage announced by a status event.
type Phase string

const (
	PhaseSearching    Phase = "searching"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseCompleting   Phase = "completing"
)

// Event is one element of a query's event stream. Exactly one payload
// field is set, selected by Type. Every stream ends with exactly one
// terminal event (done or error) unless the client disconnects first.
type Event struct {
	Type EventType `json:"type"`

	Phase    Phase              `json:"phase,omitempty"`
	Token    string             `json:"token,omitempty"`
	Citation *citation.Citation `json:"citation,omitempty"`
	Result   *Result            `json:"result,omitempty"`

	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// EmitFunc delivers one event to the client. Returning an error stops
// the pipeline; the engine treats it as a disconnect and terminates
// silently.
type EmitFunc func(Event) error

// streamState tracks the pipeline's progress so event ordering bugs
// fail loudly instead of producing out-of-order streams.
type streamState int

const (
	stateIdle streamState = iota
	stateSearching
	stateSynthesizing
	stateCompleting
	stateDone
	stateFailed
)

// validTransitions encodes the pipeline's forward-only state machine.
// Any state may fail; terminal states have no successors.
var validTransitions = map[streamState][]streamState{
	stateIdle:         {stateSearching, stateFailed},
	stateSearching:    {stateSynthesizing, stateDone, stateFailed},
	stateSynthesizing: {stateCompleting, stateDone, stateFailed},
	stateCompleting:   {stateDone, stateFailed},
}

func (s streamState) terminal() bool {
	return s == stateDone || s == stateFailed
}

// advance moves the state machine to next, panicking on an invalid
// transition. Transitions are driven entirely by engine code, so an
// invalid one is a bug, not an input error.
func (s *streamState) advance(next streamState) {
	for _, allowed := range validTransitions[*s] {
		if next == allowed {
			*s = next
			return
		}
	}
	panic(fmt.Sprintf("invalid stream state transition %d -> %d", *s, next))
}
